package metastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/netman"
	"github.com/jaswdr/faker/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeHarness struct {
	nm    *netman.NetManager
	store *Store
	done  chan *ReadOp
}

func newStoreHarness(t *testing.T, threadCount int) *storeHarness {
	h := &storeHarness{done: make(chan *ReadOp, 256)}
	h.nm = netman.New(20 * time.Millisecond)
	h.nm.Start()
	t.Cleanup(h.nm.Shutdown)

	h.store = New(h.nm, func(op *ReadOp) { h.done <- op }, zerolog.Nop())
	props := common.NewProperties()
	props.Set("store.threadCount", fmt.Sprintf("%d", threadCount))
	h.store.SetParameters("store.", props)
	require.NoError(t, h.store.Start())
	t.Cleanup(h.store.Shutdown)
	return h
}

func (h *storeHarness) read(t *testing.T, op *ReadOp) *ReadOp {
	h.store.Handle(op)
	if op.Status != 0 {
		return op
	}
	select {
	case completed := <-h.done:
		return completed
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read completion")
		return nil
	}
}

func writeCheckpointFile(t *testing.T, dir string, seq int64) string {
	name := filepath.Join(dir, fmt.Sprintf("chkpt.%x", seq))
	require.NoError(t, os.WriteFile(
		name, []byte(fmt.Sprintf("checkpoint-%d", seq)), 0o644))
	return name
}

func writeLogSegmentFile(t *testing.T, dir, name string, startSeq, endSeq int64) string {
	path := filepath.Join(dir, name)
	fake := faker.New()
	var sb strings.Builder
	sb.WriteString("version/1\n")
	sb.WriteString(fmt.Sprintf("c/0/0/0/%x/0/0\n", startSeq))
	sb.WriteString(strings.ReplaceAll(fake.Lorem().Sentence(8), "\n", " "))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("c/0/0/0/%x/0/0\n", endSeq))
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func TestCheckpointReadNewest(t *testing.T) {
	h := newStoreHarness(t, 2)
	dir := t.TempDir()
	for seq := int64(10); seq <= 180; seq += 10 {
		h.store.RegisterCheckpoint(writeCheckpointFile(t, dir, seq), common.LogSeq(seq))
	}

	op := h.read(t, &ReadOp{CheckpointFlag: true, StartLogSeq: -1, ReadSize: 1024})
	require.Zero(t, op.Status, op.StatusMsg)
	assert.Equal(t, common.LogSeq(180), op.StartLogSeq)
	assert.Equal(t, "checkpoint-180", string(op.Data))
}

func TestCheckpointExactMatch(t *testing.T) {
	h := newStoreHarness(t, 1)
	dir := t.TempDir()
	h.store.RegisterCheckpoint(writeCheckpointFile(t, dir, 30), 30)

	op := h.read(t, &ReadOp{CheckpointFlag: true, StartLogSeq: 30, ReadSize: 64})
	require.Zero(t, op.Status)
	assert.Equal(t, "checkpoint-30", string(op.Data))

	missing := &ReadOp{CheckpointFlag: true, StartLogSeq: 31, ReadSize: 64}
	h.store.Handle(missing)
	assert.Equal(t, common.StatusNoEnt, missing.Status)
	assert.Equal(t, "no such checkpoint", missing.StatusMsg)
}

func TestCheckpointRetention(t *testing.T) {
	h := newStoreHarness(t, 2)
	dir := t.TempDir()
	var files []string
	for seq := int64(10); seq <= 180; seq += 10 {
		name := writeCheckpointFile(t, dir, seq)
		files = append(files, name)
		h.store.RegisterCheckpoint(name, common.LogSeq(seq))
	}

	// A read drives a worker pass, which runs the pruning logic.
	op := h.read(t, &ReadOp{CheckpointFlag: true, StartLogSeq: -1, ReadSize: 64})
	require.Zero(t, op.Status)

	assert.Eventually(t, func() bool {
		stats := h.store.Stats()
		return stats.Checkpoints == 16 && stats.MinLogSeq == 30
	}, 5*time.Second, 20*time.Millisecond,
		"oldest two checkpoints must retire and the retention floor must advance")

	assert.Eventually(t, func() bool {
		_, err0 := os.Stat(files[0])
		_, err1 := os.Stat(files[1])
		return os.IsNotExist(err0) && os.IsNotExist(err1)
	}, 5*time.Second, 20*time.Millisecond, "retired checkpoint files must be unlinked")

	_, err := os.Stat(files[2])
	assert.NoError(t, err, "surviving checkpoints must remain on disk")
}

func TestLogSegmentGapDetection(t *testing.T) {
	h := newStoreHarness(t, 2)
	dir := t.TempDir()
	first := writeLogSegmentFile(t, dir, "log.0", 0, 99)
	h.store.RegisterLogSegment(first, 0, 99)
	h.store.RegisterLogSegment(
		writeLogSegmentFile(t, dir, "log.c8", 200, 299), 200, 299)

	gap := &ReadOp{StartLogSeq: 150, ReadSize: 64}
	h.store.Handle(gap)
	assert.Equal(t, common.StatusFault, gap.Status)
	assert.Equal(t, "missing log segment", gap.StatusMsg)

	op := h.read(t, &ReadOp{StartLogSeq: 50, ReadSize: 4096})
	require.Zero(t, op.Status, op.StatusMsg)
	assert.Equal(t, common.LogSeq(0), op.StartLogSeq,
		"request must resolve to the covering segment's start")
	content, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, string(content), string(op.Data))
}

func TestLogSegmentBelowFirst(t *testing.T) {
	h := newStoreHarness(t, 1)
	dir := t.TempDir()
	h.store.RegisterLogSegment(
		writeLogSegmentFile(t, dir, "log.64", 100, 199), 100, 199)

	op := &ReadOp{StartLogSeq: 50, ReadSize: 64}
	h.store.Handle(op)
	assert.Equal(t, common.StatusNoEnt, op.Status)
	assert.Equal(t, "no such log segment", op.StatusMsg)
}

func TestLogSegmentReadPosExactMatch(t *testing.T) {
	h := newStoreHarness(t, 1)
	dir := t.TempDir()
	h.store.RegisterLogSegment(
		writeLogSegmentFile(t, dir, "log.0", 0, 99), 0, 99)

	op := &ReadOp{StartLogSeq: 50, ReadPos: 10, ReadSize: 64}
	h.store.Handle(op)
	assert.Equal(t, common.StatusInval, op.Status)
	assert.Equal(t, "no such log sequence", op.StatusMsg)

	ok := h.read(t, &ReadOp{StartLogSeq: 0, ReadPos: 10, ReadSize: 16})
	require.Zero(t, ok.Status)
	assert.Len(t, ok.Data, 16)
}

func TestInvalidLogSequence(t *testing.T) {
	h := newStoreHarness(t, 1)
	op := &ReadOp{StartLogSeq: -1, ReadSize: 64}
	h.store.Handle(op)
	assert.Equal(t, common.StatusInval, op.Status)
	assert.Equal(t, "invalid log sequence", op.StatusMsg)
}

func TestReadMissingFileReportsIoError(t *testing.T) {
	h := newStoreHarness(t, 1)
	h.store.RegisterCheckpoint(filepath.Join(t.TempDir(), "chkpt.5"), 5)

	op := h.read(t, &ReadOp{CheckpointFlag: true, StartLogSeq: 5, ReadSize: 64})
	assert.Equal(t, common.StatusIO, op.Status)
	assert.Equal(t, "failed to open file", op.StatusMsg)

	stats := h.store.Stats()
	assert.Equal(t, 1, stats.Checkpoints,
		"an I/O failure must not tear the entry down")
}

func TestHandleAfterShutdown(t *testing.T) {
	h := newStoreHarness(t, 1)
	h.store.Shutdown()
	op := &ReadOp{CheckpointFlag: true, StartLogSeq: -1, ReadSize: 64}
	h.store.Handle(op)
	assert.Equal(t, common.StatusNoEnt, op.Status)
	assert.Equal(t, "shutdown", op.StatusMsg)
}

func TestMaxReadSizeFloor(t *testing.T) {
	h := newStoreHarness(t, 1)
	props := common.NewProperties()
	props.Set("store.maxReadSize", "1")
	props.Set("store.maxInactiveTime", "1")
	props.Set("store.maxCheckpointsToKeepCount", "0")
	h.store.SetParameters("store.", props)

	h.store.mu.Lock()
	assert.Equal(t, 64<<10, h.store.maxReadSize)
	assert.Equal(t, 10, h.store.maxInactiveTime)
	assert.Equal(t, 1, h.store.maxCheckpointsToKeep)
	h.store.mu.Unlock()
}
