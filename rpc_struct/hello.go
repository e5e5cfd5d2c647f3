package rpc_struct

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/wire"
)

// HelloOp reports the local inventory and capabilities after every
// (re)connect. ResumeStep below zero requests a full state exchange;
// zero and one walk the incremental resume protocol.
type HelloOp struct {
	OpBase

	Location   common.ServerLocation
	ClusterKey string
	MD5Sum     string
	RackId     common.RackId

	NoFidsFlag         bool
	SendCurrentKeyFlag bool
	CurrentKeyId       common.KeyId
	HelloDoneCount     int64
	ResumeStep         int

	// Local inventory, filled in by the chunk server before dispatch.
	FileSystemId  common.FileSystemId
	LostChunkDirs []string

	// Extracted from the final reply.
	MetaFileSystemId    common.FileSystemId
	DeleteAllChunksFlag bool
	DeletedCount        uint64
	ModifiedCount       uint64
	ChunkCount          uint64
	Checksum            uint64
	DeletedReport       uint64
	PendingNotifyFlag   bool
	MaxPendingOpsCount  int
	ResumeChunkIds      []int64
}

func (op *HelloOp) Name() string { return VerbHello }
func (op *HelloOp) Show() string { return show(op) }

func (op *HelloOp) Request(buf *bytes.Buffer, format common.RpcFormat) {
	w := wire.NewWriter(buf, format)
	writeRequestHeader(w, op)
	w.Str("SN", "Chunk-server-name", op.Location.Hostname)
	w.Int("SP", "Chunk-server-port", int64(op.Location.Port))
	w.Str("CK", "Cluster-key", op.ClusterKey)
	w.Str("5", "MD5Sum", op.MD5Sum)
	w.Int("RI", "Rack-id", int64(op.RackId))
	w.Int("HD", "Hello-done-count", op.HelloDoneCount)
	w.Int("R", "Resume", int64(op.ResumeStep))
	if op.NoFidsFlag {
		w.Bool("NF", "NoFids", true)
	}
	if op.SendCurrentKeyFlag {
		w.Int("KI", "Current-key-id", int64(op.CurrentKeyId))
	}
	if op.FileSystemId > 0 {
		w.Int("FI", "File-system-id", int64(op.FileSystemId))
	}
	w.Done()
}

// ParseResponse extracts the final-step hello metadata. Resume-step
// bookkeeping and the error rules live in the session state machine.
func (op *HelloOp) ParseResponse(props *common.Properties, format common.RpcFormat) error {
	key := func(short, long string) string { return wire.FieldKey(format, short, long) }
	op.MetaFileSystemId = common.FileSystemId(
		props.GetInt64(key("FI", "File-system-id"), -1))
	deleteAllChunksId := props.GetInt64(key("DA", "Delete-all-chunks"), -1)
	op.DeleteAllChunksFlag = op.MetaFileSystemId > 0 &&
		deleteAllChunksId == int64(op.MetaFileSystemId) &&
		op.FileSystemId > 0 &&
		op.FileSystemId != op.MetaFileSystemId
	op.DeletedCount = props.GetUint64(key("D", "Deleted"), 0)
	op.ModifiedCount = props.GetUint64(key("M", "Modified"), 0)
	op.ChunkCount = props.GetUint64(key("C", "Chunks"), 0)
	op.Checksum = props.GetUint64(key("K", "Checksum"), 0)
	op.DeletedReport = props.GetUint64(key("DR", "Deleted-report"), op.DeletedCount)
	op.PendingNotifyFlag = props.GetBool(key("PN", "Pending-notify"), false)
	op.MaxPendingOpsCount = props.GetInt(key("MP", "Max-pending"), 96)
	if op.MaxPendingOpsCount < 1 {
		op.MaxPendingOpsCount = 1
	}
	return nil
}

// ParseResponseContent handles the step-0 resume body: whitespace
// separated hex chunk ids the meta server believes deleted or modified.
func (op *HelloOp) ParseResponseContent(data []byte) error {
	for _, field := range strings.Fields(string(data)) {
		id, err := strconv.ParseInt(field, 16, 64)
		if err != nil {
			return fmt.Errorf("hello resume content: bad chunk id %q", field)
		}
		op.ResumeChunkIds = append(op.ResumeChunkIds, id)
	}
	return nil
}
