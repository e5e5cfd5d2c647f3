// Package rpc_struct defines the operations exchanged on the meta server
// connection: outbound ops this side initiates and awaits replies for,
// and inbound commands the meta server initiates that are executed here
// and answered in completion order.
package rpc_struct

import (
	"bytes"
	"fmt"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/wire"
)

// Op kinds.
const (
	CmdUnknown = iota
	CmdHello
	CmdAuthenticate
	CmdHeartbeat
	CmdAllocChunk
	CmdStaleChunks
	CmdDeleteChunk
	CmdCorruptChunk
)

// Request verbs.
const (
	VerbHello        = "HELLO"
	VerbAuthenticate = "AUTHENTICATE"
	VerbHeartbeat    = "HEARTBEAT"
	VerbAllocChunk   = "ALLOC_CHUNK"
	VerbStaleChunks  = "STALE_CHUNKS"
	VerbDeleteChunk  = "DELETE_CHUNK"
	VerbCorruptChunk = "CORRUPT_CHUNK"
)

// OpBase carries the fields every op shares. Ops embed it and the state
// machine manipulates it through Base().
type OpBase struct {
	Seq        common.Seq
	Kind       int
	NoReply    bool
	Status     int
	StatusMsg  string
	Generation uint64

	// ReqShortRpcFmt is set on handshake ops sent while the format is
	// still undetected; it asks the server to switch to short format.
	ReqShortRpcFmt bool
}

func (b *OpBase) Base() *OpBase { return b }

func (b *OpBase) Fail(status int, msg string) {
	b.Status = status
	b.StatusMsg = msg
}

// Op is implemented by every operation.
type Op interface {
	Base() *OpBase
	Name() string
	Show() string
}

// Outbound ops serialize a request and parse the matching reply.
type Outbound interface {
	Op
	Request(buf *bytes.Buffer, format common.RpcFormat)
	ParseResponse(props *common.Properties, format common.RpcFormat) error
	ParseResponseContent(data []byte) error
}

// Inbound ops parse a server command, optionally stream a body, and
// serialize the response sent back once executed.
type Inbound interface {
	Op
	ParseCommand(props *common.Properties, format common.RpcFormat) error
	ContentLength() int
	ParseContent(data []byte) error
	Response(buf *bytes.Buffer, format common.RpcFormat)
	ResponseContent() []byte
}

func show(op Op) string {
	return fmt.Sprintf("%s seq: %d status: %d", op.Name(), op.Base().Seq, op.Base().Status)
}

// writeRequestHeader opens a request block with the verb, sequence and,
// when the format is still undetected and short is desired, the
// short-format request flag.
func writeRequestHeader(w *wire.Writer, op Outbound) {
	w.Verb(op.Name())
	w.Int("c", "Cseq", int64(op.Base().Seq))
	if op.Base().ReqShortRpcFmt {
		w.Str("Short-rpc-fmt", "Short-rpc-fmt", "1")
	}
}

// writeResponseHeader opens a response block for an executed inbound op.
func writeResponseHeader(w *wire.Writer, op Inbound) {
	b := op.Base()
	w.OK()
	w.Int("c", "Cseq", int64(b.Seq))
	w.Int("s", "Status", int64(b.Status))
	if b.Status < 0 && b.StatusMsg != "" {
		w.Str("m", "Status-message", b.StatusMsg)
	}
}

// ParseMetaCommand turns a server-initiated header block into an inbound
// op. The header's first line is the verb; the rest are properties.
func ParseMetaCommand(buf []byte, format common.RpcFormat) (Inbound, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, fmt.Errorf("truncated command header")
	}
	verb := string(bytes.TrimRight(buf[:idx], "\r"))
	props, err := wire.ParseHeader(buf[idx+1:], format)
	if err != nil {
		return nil, err
	}
	var op Inbound
	switch verb {
	case VerbHeartbeat:
		op = &HeartbeatOp{OpBase: OpBase{Kind: CmdHeartbeat}}
	case VerbAllocChunk:
		op = &AllocChunkOp{OpBase: OpBase{Kind: CmdAllocChunk}}
	case VerbStaleChunks:
		op = &StaleChunksOp{OpBase: OpBase{Kind: CmdStaleChunks}}
	case VerbDeleteChunk:
		op = &DeleteChunkOp{OpBase: OpBase{Kind: CmdDeleteChunk}}
	default:
		return nil, fmt.Errorf("unknown meta command: %q", verb)
	}
	op.Base().Seq = common.Seq(props.GetInt64(wire.FieldKey(format, "c", "Cseq"), -1))
	if op.Base().Seq < 0 {
		return nil, fmt.Errorf("%s: missing command sequence", verb)
	}
	if err := op.ParseCommand(props, format); err != nil {
		return nil, err
	}
	return op, nil
}
