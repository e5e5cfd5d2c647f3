// Package metastore serves checkpoint and write-ahead-log segment
// content to replicas and recovery clients. Registered files are indexed
// by log sequence; reads run on a fixed worker pool with per-entry file
// descriptors cached under an LRU with age- and count-based pruning.
package metastore

import (
	"container/list"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/utils"
	"github.com/rs/zerolog"
)

// ReadOp is one asynchronous metadata read. The caller fills the request
// fields; the store resolves the entry, performs the read on the owning
// worker, and delivers the op back through the submit callback with Data
// and Status populated.
type ReadOp struct {
	CheckpointFlag bool
	StartLogSeq    common.LogSeq
	ReadPos        int64
	ReadSize       int

	Data      []byte
	Status    int
	StatusMsg string
}

type entry struct {
	logSeq        common.LogSeq
	logEndSeq     common.LogSeq
	fileName      string
	threadIdx     int
	fd            *os.File
	useCount      int
	accessTime    time.Time
	pendingDelete bool
	lruElem       *list.Element
}

func (e *entry) inUse() bool {
	return e.useCount > 0
}

// updateLru repositions the entry: recently touched entries with an open
// fd or active users go to the back (most recently used); idle fd-less
// entries leave the list unless they await deletion, in which case they
// move to the front where the next expire pass reclaims them.
func (e *entry) updateLru(lru *list.List, now time.Time) {
	if e.useCount <= 0 && e.fd == nil {
		if e.pendingDelete {
			if e.lruElem != nil {
				lru.MoveToFront(e.lruElem)
			} else {
				e.lruElem = lru.PushFront(e)
			}
		} else if e.lruElem != nil {
			lru.Remove(e.lruElem)
			e.lruElem = nil
		}
	} else {
		if e.lruElem != nil {
			lru.MoveToBack(e.lruElem)
		} else {
			e.lruElem = lru.PushBack(e)
		}
	}
	e.accessTime = now
}

// expired reports whether the entry can be unlinked from the LRU by the
// expire pass.
func (e *entry) expired(expireTime time.Time) bool {
	return e.useCount <= 0 && (e.accessTime.Before(expireTime) || e.fd == nil)
}

// seqTable is an ordered map keyed by start log sequence.
type seqTable struct {
	entries map[common.LogSeq]*entry
	keys    []common.LogSeq // ascending
}

func newSeqTable() *seqTable {
	return &seqTable{entries: make(map[common.LogSeq]*entry)}
}

func (t *seqTable) len() int { return len(t.keys) }

func (t *seqTable) insert(e *entry) bool {
	if _, dup := t.entries[e.logSeq]; dup {
		return false
	}
	t.entries[e.logSeq] = e
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= e.logSeq })
	t.keys = append(t.keys, 0)
	copy(t.keys[i+1:], t.keys[i:])
	t.keys[i] = e.logSeq
	return true
}

func (t *seqTable) find(seq common.LogSeq) *entry {
	return t.entries[seq]
}

func (t *seqTable) erase(seq common.LogSeq) {
	if _, ok := t.entries[seq]; !ok {
		return
	}
	delete(t.entries, seq)
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= seq })
	t.keys = append(t.keys[:i], t.keys[i+1:]...)
}

func (t *seqTable) oldest() *entry {
	if len(t.keys) == 0 {
		return nil
	}
	return t.entries[t.keys[0]]
}

func (t *seqTable) newest() *entry {
	if len(t.keys) == 0 {
		return nil
	}
	return t.entries[t.keys[len(t.keys)-1]]
}

// floor returns the entry with the greatest start sequence not above
// seq, or nil.
func (t *seqTable) floor(seq common.LogSeq) *entry {
	i := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] > seq })
	if i == 0 {
		return nil
	}
	return t.entries[t.keys[i-1]]
}

// ascending returns the keys in order; callers snapshot before mutating.
func (t *seqTable) ascending() []common.LogSeq {
	out := make([]common.LogSeq, len(t.keys))
	copy(out, t.keys)
	return out
}

type worker struct {
	queue utils.Deque[*ReadOp]
	cond  *sync.Cond
}

// Store is the metadata store reader.
type Store struct {
	nm     *netman.NetManager
	submit func(*ReadOp)
	log    zerolog.Logger

	mu       sync.Mutex
	workers  []*worker
	stopFlag bool
	wg       sync.WaitGroup

	doneQueue []*ReadOp
	doneCount atomic.Int64
	tickNs    atomic.Int64

	checkpoints    *seqTable
	logSegments    *seqTable
	checkpointsLru *list.List
	logSegmentsLru *list.List

	minLogSeq          common.LogSeq
	pruneLogsFlag      bool
	pendingDeleteCount int

	maxReadSize          int
	maxInactiveTime      int
	maxCheckpointsToKeep int
	workersCount         int
	curThreadIdx         int
	pendingCount         int
	now                  time.Time
}

// Stats is a point-in-time snapshot for reporting surfaces.
type Stats struct {
	Checkpoints    int   `json:"checkpoints"`
	LogSegments    int   `json:"log_segments"`
	MinLogSeq      int64 `json:"min_log_seq"`
	PendingReads   int   `json:"pending_reads"`
	PendingDeletes int   `json:"pending_deletes"`
	WorkerCount    int   `json:"worker_count"`
}

// New creates a store bound to the net manager's event loop. Completed
// reads are delivered by calling submit from the loop's tick.
func New(nm *netman.NetManager, submit func(*ReadOp), logger zerolog.Logger) *Store {
	s := &Store{
		nm:                   nm,
		submit:               submit,
		log:                  logger,
		checkpoints:          newSeqTable(),
		logSegments:          newSeqTable(),
		checkpointsLru:       list.New(),
		logSegmentsLru:       list.New(),
		minLogSeq:            -1,
		maxReadSize:          2 << 20,
		maxInactiveTime:      60,
		maxCheckpointsToKeep: 16,
		now:                  nm.Now(),
	}
	nm.RegisterTimeoutHandler(s)
	return s
}

// SetParameters applies configuration; thread count only takes effect
// before Start. Log segments are retired only once they end below the
// oldest registered checkpoint: an operator who never writes new
// checkpoints retains every log from that checkpoint on.
func (s *Store) SetParameters(prefix string, props *common.Properties) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxReadSize = props.GetInt(prefix+"maxReadSize", s.maxReadSize)
	if s.maxReadSize < 64<<10 {
		s.maxReadSize = 64 << 10
	}
	s.maxInactiveTime = props.GetInt(prefix+"maxInactiveTime", s.maxInactiveTime)
	if s.maxInactiveTime < 10 {
		s.maxInactiveTime = 10
	}
	s.maxCheckpointsToKeep = props.GetInt(
		prefix+"maxCheckpointsToKeepCount", s.maxCheckpointsToKeep)
	if s.maxCheckpointsToKeep < 1 {
		s.maxCheckpointsToKeep = 1
	}
	if s.workers == nil {
		s.workersCount = props.GetInt(prefix+"threadCount", s.workersCount)
		if s.workersCount < 1 {
			s.workersCount = 1
		}
	}
	if s.pendingCount <= 0 && s.workers != nil && !s.stopFlag {
		s.workers[0].cond.Signal()
	}
}

// RegisterCheckpoint indexes a checkpoint file. Duplicate sequences are
// invariant violations.
func (s *Store) RegisterCheckpoint(fileName string, logSeq common.LogSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileName == "" || logSeq < 0 || !s.checkpoints.insert(&entry{
		logSeq:    logSeq,
		logEndSeq: logSeq,
		fileName:  fileName,
		threadIdx: s.curThreadIdx,
	}) {
		s.log.Error().Msgf(
			"invalid checkpoint: sequence: %d file: %s", logSeq, fileName)
		common.Panicf("invalid checkpoint registration attempt")
	}
	s.advanceThreadIdx()
	if s.pendingCount <= 0 && s.workers != nil && !s.stopFlag {
		s.workers[0].cond.Signal()
	}
}

// RegisterLogSegment indexes a log segment covering [startSeq, endSeq].
// A segment with no commit records registers as (-1, -1). A segment
// wholly below the retention floor schedules a prune pass.
func (s *Store) RegisterLogSegment(fileName string, startSeq, endSeq common.LogSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emptySegment := startSeq == -1 && endSeq == -1
	if fileName == "" || (!emptySegment && (startSeq < 0 || endSeq < startSeq)) ||
		!s.logSegments.insert(&entry{
			logSeq:    startSeq,
			logEndSeq: endSeq,
			fileName:  fileName,
			threadIdx: s.curThreadIdx,
		}) {
		s.log.Error().Msgf(
			"invalid log segment: sequence: %d end seq: %d file: %s",
			startSeq, endSeq, fileName)
		common.Panicf("invalid log segment registration attempt")
	}
	wakeFlag := endSeq < s.minLogSeq && !s.pruneLogsFlag &&
		s.pendingCount <= 0 && s.workers != nil && !s.stopFlag
	if endSeq < s.minLogSeq {
		s.pruneLogsFlag = true
	}
	s.advanceThreadIdx()
	if wakeFlag {
		s.workers[0].cond.Signal()
	}
}

func (s *Store) advanceThreadIdx() {
	s.curThreadIdx++
	if s.workersCount <= s.curThreadIdx {
		s.curThreadIdx = 0
	}
}

// Handle resolves and admits an asynchronous read. Validation failures
// set the op's status synchronously and the op is not admitted.
func (s *Store) Handle(op *ReadOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers == nil {
		op.Status = common.StatusNoEnt
		op.StatusMsg = "shutdown"
		return
	}
	if op.CheckpointFlag {
		if s.checkpoints.len() == 0 {
			op.Status = common.StatusNoEnt
			op.StatusMsg = "no checkpoint exists"
			return
		}
		var e *entry
		if op.StartLogSeq < 0 {
			e = s.checkpoints.newest()
			op.StartLogSeq = e.logSeq
			op.ReadPos = 0
		} else {
			if e = s.checkpoints.find(op.StartLogSeq); e == nil {
				op.Status = common.StatusNoEnt
				op.StatusMsg = "no such checkpoint"
				return
			}
		}
		s.admit(e, op, s.checkpointsLru)
		return
	}
	if op.StartLogSeq < 0 {
		op.Status = common.StatusInval
		op.StatusMsg = "invalid log sequence"
		return
	}
	var e *entry
	if op.ReadPos > 0 {
		if e = s.logSegments.find(op.StartLogSeq); e == nil {
			op.Status = common.StatusInval
			op.StatusMsg = "no such log sequence"
			return
		}
	} else {
		e = s.logSegments.floor(op.StartLogSeq)
		if e == nil {
			op.Status = common.StatusNoEnt
			op.StatusMsg = "no such log segment"
			return
		}
		if e.logEndSeq < op.StartLogSeq {
			op.Status = common.StatusFault
			op.StatusMsg = "missing log segment"
			return
		}
		op.StartLogSeq = e.logSeq
	}
	s.admit(e, op, s.logSegmentsLru)
}

// admit pins the entry and hands the op to its worker. Mutex held.
func (s *Store) admit(e *entry, op *ReadOp, lru *list.List) {
	e.useCount++
	e.updateLru(lru, s.now)
	if e.threadIdx < 0 || e.threadIdx >= len(s.workers) {
		common.Panicf("metadata store: entry thread index out of range")
	}
	w := s.workers[e.threadIdx]
	w.queue.PushBack(op)
	s.pendingCount++
	w.cond.Signal()
}

// Start launches the worker pool. The thread count must be configured
// first.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers != nil || s.workersCount <= 0 {
		return common.Error{Code: common.StatusInval, Msg: "metadata store not configured"}
	}
	s.stopFlag = false
	s.workers = make([]*worker, s.workersCount)
	for i := range s.workers {
		s.workers[i] = &worker{cond: sync.NewCond(&s.mu)}
	}
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.run(w)
	}
	return nil
}

// Shutdown stops the workers, canceling queued reads.
func (s *Store) Shutdown() {
	s.mu.Lock()
	if s.stopFlag || s.workers == nil {
		s.mu.Unlock()
		return
	}
	s.stopFlag = true
	for _, w := range s.workers {
		w.cond.Signal()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.mu.Lock()
	s.workers = nil
	s.workersCount = 0
	s.mu.Unlock()
}

// run is one worker's loop: drain the input queue, then a pruning pass,
// then block until signaled. File I/O happens with the mutex released.
func (s *Store) run(w *worker) {
	defer s.wg.Done()
	var deleteList []string
	var closeList []*os.File
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for {
			op, ok := w.queue.PopFront()
			if !ok {
				break
			}
			if s.stopFlag {
				op.Status = common.StatusCanceled
				op.StatusMsg = "canceled by shutdown"
			} else {
				s.process(op)
			}
			if s.pendingCount <= 0 {
				common.Panicf("metadata store: negative pending count")
			}
			s.pendingCount--
			s.doneQueue = append(s.doneQueue, op)
			s.doneCount.Add(1)
		}
		deleteList = deleteList[:0]
		closeList = closeList[:0]
		s.expirePass(&deleteList, &closeList)
		s.pruneCheckpoints(&deleteList, &closeList)
		s.pruneLogSegments(&deleteList, &closeList)
		if len(deleteList) > 0 || len(closeList) > 0 {
			s.mu.Unlock()
			for _, fd := range closeList {
				fd.Close()
			}
			for _, name := range deleteList {
				if err := os.Remove(name); err != nil {
					s.log.Error().Err(err).Msgf("delete %s", name)
				}
			}
			s.mu.Lock()
		}
		if s.stopFlag {
			return
		}
		w.cond.Wait()
	}
}

// process performs one read. Mutex held on entry and exit; released
// around the file I/O, with the entry pinned by its use count.
func (s *Store) process(op *ReadOp) {
	table, lru := s.logSegments, s.logSegmentsLru
	if op.CheckpointFlag {
		table, lru = s.checkpoints, s.checkpointsLru
	}
	e := table.find(op.StartLogSeq)
	if e == nil {
		op.Status = common.StatusFault
		op.StatusMsg = "internal error -- no such entry"
		return
	}
	if e.useCount <= 0 {
		common.Panicf("metadata store: entry use count underflow")
	}
	e.updateLru(lru, s.now)
	maxRead := s.maxReadSize
	s.mu.Unlock()
	if e.fd == nil {
		fd, err := os.Open(e.fileName)
		if err != nil {
			s.log.Error().Err(err).Msgf("open: %s", e.fileName)
			op.Status = common.StatusIO
			op.StatusMsg = "failed to open file"
		} else {
			e.fd = fd
		}
	}
	if e.fd != nil {
		n := op.ReadSize
		if n > maxRead {
			n = maxRead
		}
		buf := make([]byte, n)
		nr, err := e.fd.ReadAt(buf, op.ReadPos)
		if err != nil && err != io.EOF {
			op.Status = common.StatusIO
			op.StatusMsg = err.Error()
			s.log.Error().Err(err).Msgf(
				"read: seq %d pos %d size %d", op.StartLogSeq, op.ReadPos, op.ReadSize)
		} else {
			op.Data = buf[:nr]
			s.log.Debug().Msgf(
				"read: seq %d pos %d => %d bytes", op.StartLogSeq, op.ReadPos, nr)
		}
	}
	s.mu.Lock()
	e.useCount--
	if e.useCount < 0 {
		common.Panicf("metadata store: entry use count underflow")
	}
	e.updateLru(lru, s.now)
}

// expirePass unlinks idle LRU-head entries; fds go to the close list and
// pending-delete entries are erased. Mutex held.
func (s *Store) expirePass(deleteList *[]string, closeList *[]*os.File) {
	expireTime := s.now.Add(-time.Duration(s.maxInactiveTime) * time.Second)
	before := len(*deleteList)
	s.expireLru(s.checkpointsLru, s.checkpoints, expireTime, deleteList, closeList)
	delta := len(*deleteList) - before
	if delta < 0 || delta > s.pendingDeleteCount {
		common.Panicf("metadata store: pending delete count out of sync")
	}
	s.pendingDeleteCount -= delta
	s.expireLru(s.logSegmentsLru, s.logSegments, expireTime, deleteList, closeList)
}

func (s *Store) expireLru(
	lru *list.List, table *seqTable, expireTime time.Time,
	deleteList *[]string, closeList *[]*os.File) {
	for lru.Len() > 0 {
		e := lru.Front().Value.(*entry)
		if !e.expired(expireTime) {
			return
		}
		lru.Remove(e.lruElem)
		e.lruElem = nil
		if e.fd != nil {
			*closeList = append(*closeList, e.fd)
			e.fd = nil
		}
		if e.pendingDelete {
			*deleteList = append(*deleteList, e.fileName)
			table.erase(e.logSeq)
		}
	}
}

// pruneCheckpoints enforces the retention count, advancing the log
// retention floor to the oldest surviving checkpoint. In-use entries are
// flagged for deferred deletion instead of erased. Mutex held.
func (s *Store) pruneCheckpoints(deleteList *[]string, closeList *[]*os.File) {
	pruneCount := s.checkpoints.len() - s.maxCheckpointsToKeep - s.pendingDeleteCount
	prevMinLogSeq := s.minLogSeq
	for _, seq := range s.checkpoints.ascending() {
		if pruneCount <= 0 {
			break
		}
		e := s.checkpoints.find(seq)
		if e.inUse() {
			if !e.pendingDelete {
				s.pendingDeleteCount++
				e.pendingDelete = true
			}
		} else {
			s.removeEntry(s.checkpoints, e, deleteList, closeList)
			if e.pendingDelete {
				s.pendingDeleteCount--
			}
		}
		pruneCount--
	}
	// The retention floor follows the oldest checkpoint still serving
	// reads; logs below it are no longer needed for recovery.
	if e := s.checkpoints.oldest(); e != nil && !e.pendingDelete &&
		s.minLogSeq < e.logSeq {
		s.minLogSeq = e.logSeq
	}
	if prevMinLogSeq < s.minLogSeq {
		s.pruneLogsFlag = true
	}
}

// pruneLogSegments retires every segment wholly below the retention
// floor. Mutex held.
func (s *Store) pruneLogSegments(deleteList *[]string, closeList *[]*os.File) {
	if !s.pruneLogsFlag {
		return
	}
	s.pruneLogsFlag = false
	for _, seq := range s.logSegments.ascending() {
		e := s.logSegments.find(seq)
		if e.logEndSeq >= s.minLogSeq {
			break
		}
		if e.inUse() {
			e.pendingDelete = true
		} else {
			s.removeEntry(s.logSegments, e, deleteList, closeList)
		}
	}
}

func (s *Store) removeEntry(
	table *seqTable, e *entry, deleteList *[]string, closeList *[]*os.File) {
	if e.fd != nil {
		*closeList = append(*closeList, e.fd)
		e.fd = nil
	}
	if e.lruElem != nil {
		lru := s.logSegmentsLru
		if table == s.checkpoints {
			lru = s.checkpointsLru
		}
		lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	*deleteList = append(*deleteList, e.fileName)
	table.erase(e.logSeq)
}

func (s *Store) hasExpired(lru *list.List, expireTime time.Time) bool {
	if lru.Len() == 0 {
		return false
	}
	return lru.Front().Value.(*entry).accessTime.Before(expireTime)
}

// Timeout runs on the event loop: deliver completed reads outside the
// lock and nudge worker zero when idle LRU heads have expired.
func (s *Store) Timeout() {
	now := s.nm.Now()
	if s.doneCount.Load() <= 0 && now.UnixNano() == s.tickNs.Load() {
		return
	}
	s.tickNs.Store(now.UnixNano())
	s.mu.Lock()
	s.now = now
	done := s.doneQueue
	s.doneQueue = nil
	s.doneCount.Store(0)
	if s.pendingCount <= 0 && s.workers != nil && !s.stopFlag {
		expireTime := now.Add(-time.Duration(s.maxInactiveTime) * time.Second)
		if s.hasExpired(s.checkpointsLru, expireTime) ||
			s.hasExpired(s.logSegmentsLru, expireTime) {
			s.workers[0].cond.Signal()
		}
	}
	s.mu.Unlock()
	for _, op := range done {
		s.submit(op)
	}
}

// Stats snapshots the store for reporting.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Checkpoints:    s.checkpoints.len(),
		LogSegments:    s.logSegments.len(),
		MinLogSeq:      int64(s.minLogSeq),
		PendingReads:   s.pendingCount,
		PendingDeletes: s.pendingDeleteCount,
		WorkerCount:    len(s.workers),
	}
}
