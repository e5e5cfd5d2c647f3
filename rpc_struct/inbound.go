package rpc_struct

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/wire"
)

// HeartbeatOp is the periodic server-initiated command. Its reply
// opportunistically piggy-backs the current crypto key when the key id
// changed since the last report, and its request can demand
// re-authentication and retune the pending-ops window.
type HeartbeatOp struct {
	OpBase

	AuthenticateFlag bool
	MaxPendingOps    int

	SendCurrentKeyFlag bool
	CurrentKeyId       common.KeyId
	CurrentKey         string
}

func (op *HeartbeatOp) Name() string { return VerbHeartbeat }
func (op *HeartbeatOp) Show() string { return show(op) }

func (op *HeartbeatOp) ParseCommand(props *common.Properties, format common.RpcFormat) error {
	op.AuthenticateFlag = props.GetBool(wire.FieldKey(format, "A", "Authenticate"), false)
	op.MaxPendingOps = props.GetInt(wire.FieldKey(format, "MP", "Max-pending-ops"), 96)
	if op.MaxPendingOps < 1 {
		op.MaxPendingOps = 1
	}
	return nil
}

func (op *HeartbeatOp) ContentLength() int        { return 0 }
func (op *HeartbeatOp) ParseContent([]byte) error { return nil }

func (op *HeartbeatOp) Response(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeResponseHeader(w, op)
	if op.SendCurrentKeyFlag {
		w.Int("KI", "Current-key-id", int64(op.CurrentKeyId))
		w.Str("CK", "Current-key", op.CurrentKey)
	}
	w.Done()
}

func (op *HeartbeatOp) ResponseContent() []byte { return nil }

// AllocChunkOp asks this chunk server to create a chunk replica.
type AllocChunkOp struct {
	OpBase

	ChunkHandle  int64
	ChunkVersion int64
}

func (op *AllocChunkOp) Name() string { return VerbAllocChunk }
func (op *AllocChunkOp) Show() string { return show(op) }

func (op *AllocChunkOp) ParseCommand(props *common.Properties, format common.RpcFormat) error {
	op.ChunkHandle = props.GetInt64(wire.FieldKey(format, "H", "Chunk-handle"), -1)
	op.ChunkVersion = props.GetInt64(wire.FieldKey(format, "V", "Chunk-version"), -1)
	if op.ChunkHandle < 0 {
		return fmt.Errorf("alloc chunk: missing chunk handle")
	}
	return nil
}

func (op *AllocChunkOp) ContentLength() int        { return 0 }
func (op *AllocChunkOp) ParseContent([]byte) error { return nil }

func (op *AllocChunkOp) Response(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeResponseHeader(w, op)
	w.Done()
}

func (op *AllocChunkOp) ResponseContent() []byte { return nil }

// StaleChunksOp notifies this server of chunks it should drop. The chunk
// id list travels in the command body as whitespace separated hex ids.
type StaleChunksOp struct {
	OpBase

	NumChunks     int
	contentLength int
	ChunkIds      []int64
}

func (op *StaleChunksOp) Name() string { return VerbStaleChunks }
func (op *StaleChunksOp) Show() string { return show(op) }

func (op *StaleChunksOp) ParseCommand(props *common.Properties, format common.RpcFormat) error {
	op.NumChunks = props.GetInt(wire.FieldKey(format, "N", "Num-chunks"), 0)
	op.contentLength = props.GetInt(wire.FieldKey(format, "l", "Content-length"), 0)
	if op.contentLength < 0 {
		return fmt.Errorf("stale chunks: negative content length")
	}
	return nil
}

func (op *StaleChunksOp) ContentLength() int { return op.contentLength }

func (op *StaleChunksOp) ParseContent(data []byte) error {
	for _, field := range strings.Fields(string(data)) {
		id, err := strconv.ParseInt(field, 16, 64)
		if err != nil {
			return fmt.Errorf("stale chunks: bad chunk id %q", field)
		}
		op.ChunkIds = append(op.ChunkIds, id)
	}
	if op.NumChunks > 0 && len(op.ChunkIds) != op.NumChunks {
		return fmt.Errorf("stale chunks: expected %d ids, got %d",
			op.NumChunks, len(op.ChunkIds))
	}
	return nil
}

func (op *StaleChunksOp) Response(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeResponseHeader(w, op)
	w.Done()
}

func (op *StaleChunksOp) ResponseContent() []byte { return nil }

// DeleteChunkOp removes a single chunk replica.
type DeleteChunkOp struct {
	OpBase

	ChunkHandle int64
}

func (op *DeleteChunkOp) Name() string { return VerbDeleteChunk }
func (op *DeleteChunkOp) Show() string { return show(op) }

func (op *DeleteChunkOp) ParseCommand(props *common.Properties, format common.RpcFormat) error {
	op.ChunkHandle = props.GetInt64(wire.FieldKey(format, "H", "Chunk-handle"), -1)
	if op.ChunkHandle < 0 {
		return fmt.Errorf("delete chunk: missing chunk handle")
	}
	return nil
}

func (op *DeleteChunkOp) ContentLength() int        { return 0 }
func (op *DeleteChunkOp) ParseContent([]byte) error { return nil }

func (op *DeleteChunkOp) Response(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeResponseHeader(w, op)
	w.Done()
}

func (op *DeleteChunkOp) ResponseContent() []byte { return nil }
