package rpc_struct

import (
	"bytes"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/wire"
)

// CorruptChunkOp reports a corrupt or lost chunk (or an entire lost
// chunk directory) to the meta server. One is enqueued per lost chunk
// directory after a successful hello.
type CorruptChunkOp struct {
	OpBase

	ChunkHandle int64 // -1 when reporting a whole directory
	ChunkDir    string
	DirOkFlag   bool
}

func NewCorruptChunkOp(handle int64, dir string) *CorruptChunkOp {
	return &CorruptChunkOp{
		OpBase:      OpBase{Kind: CmdCorruptChunk},
		ChunkHandle: handle,
		ChunkDir:    dir,
	}
}

func (op *CorruptChunkOp) Name() string { return VerbCorruptChunk }
func (op *CorruptChunkOp) Show() string { return show(op) }

func (op *CorruptChunkOp) Request(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeRequestHeader(w, op)
	w.Int("H", "Chunk-handle", op.ChunkHandle)
	if op.ChunkDir != "" {
		w.Str("CD", "Chunk-dir", op.ChunkDir)
		w.Bool("DO", "Dir-ok", op.DirOkFlag)
	}
	w.Done()
}

func (op *CorruptChunkOp) ParseResponse(*common.Properties, common.RpcFormat) error {
	return nil
}

func (op *CorruptChunkOp) ParseResponseContent([]byte) error { return nil }
