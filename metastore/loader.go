package metastore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bhyvex/qfs/common"
)

const (
	checkpointPrefix = "chkpt."
	logSegmentPrefix = "log."
	latestMarker     = "latest"
	lastMarker       = "last"
	tmpInfix         = ".tmp."

	// Bytes read from each end of a log segment to locate the first and
	// last commit records.
	logScanBufferSize = 4 << 10
)

// Load scans the checkpoint and log directories and registers every
// candidate file. Files carrying the tmp infix are removed or ignored
// per removeTmp; any other malformed name is an error. Each directory
// must hold its marker file (latest / last).
func (s *Store) Load(checkpointDir, logDir string, removeTmp bool) error {
	if checkpointDir == "" || logDir == "" {
		return fmt.Errorf(
			"invalid parameters: checkpoint directory: %q log directory: %q",
			checkpointDir, logDir)
	}
	err := s.scanDir(checkpointDir, checkpointPrefix, latestMarker, tmpInfix, removeTmp,
		func(seq common.LogSeq, path string) error {
			if s.hasCheckpoint(seq) {
				return fmt.Errorf("duplicate checkpoint log sequence number: %s", path)
			}
			s.RegisterCheckpoint(path, seq)
			return nil
		})
	if err != nil {
		return err
	}
	return s.scanDir(logDir, logSegmentPrefix, lastMarker, "", false,
		func(seq common.LogSeq, path string) error {
			startSeq, endSeq, err := getLogSegmentSeqNumbers(path)
			if err != nil {
				return err
			}
			if startSeq >= 0 && s.hasLogSegment(startSeq) {
				return fmt.Errorf("duplicate log segment sequence number: %s", path)
			}
			s.RegisterLogSegment(path, startSeq, endSeq)
			return nil
		})
}

func (s *Store) hasCheckpoint(seq common.LogSeq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints.find(seq) != nil
}

func (s *Store) hasLogSegment(seq common.LogSeq) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logSegments.find(seq) != nil
}

func (s *Store) scanDir(
	dir, prefix, marker, tmpSuffix string, removeTmp bool,
	register func(common.LogSeq, string) error) error {
	markerInfo, err := os.Stat(filepath.Join(dir, marker))
	if err != nil {
		s.log.Error().Err(err).Msgf("stat: %s", filepath.Join(dir, marker))
		return fmt.Errorf("missing %s marker in %s: %w", marker, dir, err)
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		s.log.Error().Err(err).Msgf("opendir: %s", dir)
		return err
	}
	for _, ent := range dirents {
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if info, ierr := ent.Info(); ierr == nil && os.SameFile(info, markerInfo) {
			continue
		}
		path := filepath.Join(dir, name)
		seq, perr := strconv.ParseInt(name[len(prefix):], 16, 64)
		if perr != nil || seq < 0 {
			if tmpSuffix != "" && strings.Contains(name[len(prefix):], tmpSuffix) {
				if removeTmp {
					s.log.Debug().Msgf("removing: %s", name)
					if rerr := os.Remove(path); rerr != nil {
						s.log.Error().Err(rerr).Msgf("remove: %s", path)
						return rerr
					}
				} else {
					s.log.Debug().Msgf("ignoring: %s", name)
				}
				continue
			}
			s.log.Error().Msgf("malformed file name: %s", name)
			return fmt.Errorf("malformed file name: %s", name)
		}
		if err := register(common.LogSeq(seq), path); err != nil {
			return err
		}
	}
	return nil
}

// getLogSegmentSeqNumbers extracts the start and end sequences from the
// segment's first and last commit records. A segment with no initial
// commit record is a valid empty segment and yields (-1, -1); a segment
// with an initial record but no parseable terminating record is corrupt.
func getLogSegmentSeqNumbers(path string) (common.LogSeq, common.LogSeq, error) {
	fd, err := os.Open(path)
	if err != nil {
		return -1, -1, err
	}
	defer fd.Close()

	head := make([]byte, logScanBufferSize)
	n, err := fd.Read(head)
	if err != nil && err != io.EOF {
		return -1, -1, fmt.Errorf("read: %s: %w", path, err)
	}
	head = head[:n]
	startSeq := common.LogSeq(-1)
	if idx := bytes.Index(head, []byte("\nc/")); idx >= 0 {
		startSeq = parseCommitSeq(head[idx+1:])
	}
	if startSeq < 0 {
		return -1, -1, nil
	}

	tail := head
	if n == logScanBufferSize {
		if size, serr := fd.Seek(0, io.SeekEnd); serr != nil {
			return -1, -1, fmt.Errorf("lseek: %s: %w", path, serr)
		} else if size > logScanBufferSize {
			if _, serr := fd.Seek(-logScanBufferSize, io.SeekEnd); serr != nil {
				return -1, -1, fmt.Errorf("lseek: %s: %w", path, serr)
			}
			buf := make([]byte, logScanBufferSize)
			m, rerr := io.ReadFull(fd, buf)
			if rerr != nil && rerr != io.ErrUnexpectedEOF {
				return -1, -1, fmt.Errorf("read: %s: %w", path, rerr)
			}
			tail = buf[:m]
		}
	}
	endSeq := common.LogSeq(-1)
	for idx := bytes.LastIndex(tail, []byte("\nc/")); idx >= 0; idx = bytes.LastIndex(tail[:idx], []byte("\nc/")) {
		if seq := parseCommitSeq(tail[idx+1:]); seq >= 0 {
			endSeq = seq
			break
		}
	}
	if endSeq < 0 {
		return -1, -1, fmt.Errorf("no terminating log commit record found: %s", path)
	}
	return startSeq, endSeq, nil
}

// parseCommitSeq decodes one commit record starting at its 'c'. The
// sequence is the hex field between the fourth and fifth '/'; a valid
// record has at least six fields and a terminating newline.
func parseCommitSeq(rec []byte) common.LogSeq {
	cnt := 0
	start, end := -1, -1
	i := 0
	for ; i < len(rec) && rec[i] != '\n'; i++ {
		if rec[i] == '/' {
			cnt++
			if cnt == 4 {
				start = i + 1
			} else if cnt == 5 {
				end = i
			}
		}
	}
	if cnt < 6 || i >= len(rec) || start < 0 || end < 0 {
		return -1
	}
	seq, err := strconv.ParseInt(string(rec[start:end]), 16, 64)
	if err != nil || seq < 0 {
		return -1
	}
	return common.LogSeq(seq)
}
