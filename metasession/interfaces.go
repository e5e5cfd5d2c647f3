package metasession

import (
	"sync/atomic"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/rpc_struct"
)

// ChunkServerInfo exposes the surrounding chunk server's externally
// advertised location, which the session may update from the meta
// connection's local address after a (re)connect.
type ChunkServerInfo interface {
	CanUpdateServerIp() bool
	Location() common.ServerLocation
	SetLocation(common.ServerLocation)
}

// ChunkManager is the inventory-side collaborator.
type ChunkManager interface {
	FileSystemId() common.FileSystemId
	SetFileSystemId(id common.FileSystemId, deleteAll bool)
	// CurrentCryptoKey returns the active key; ok is false when no key
	// is configured.
	CurrentCryptoKey() (id common.KeyId, key string, ok bool)
	MetaServerConnectionLost()
}

// LeaseClerk drops all leases when the session goes down; the meta
// server invalidates them on its side at disconnect anyway.
type LeaseClerk interface {
	UnregisterAllLeases()
}

// Replicator cancels replication work on disconnect. Cancellation is
// scoped to the generation being torn down so unrelated peers keep
// their transfers.
type Replicator interface {
	CancelSession(generation uint64)
}

// AuthContext embeds the authentication protocol. The session only
// drives the request/response exchange; Response may install a
// connection filter (TLS) on success.
type AuthContext interface {
	SetParameters(prefix string, props *common.Properties, verify bool) error
	IsEnabled() bool
	CheckAuthType(authType int) error
	Request(authType int) (requestedType int, reqBuf []byte, err error)
	Response(chosenType int, useSsl bool, respBuf []byte, conn *netman.Conn) error
	Clear()
}

// OpExecutor dispatches ops into and out of the surrounding chunk
// server. SubmitOp hands an op over for execution; the executor must
// deliver completion by calling Session.OpDone on the event loop.
// SubmitOpResponse is the terminal completion path for outbound ops and
// for ops failed at disconnect.
type OpExecutor interface {
	SubmitOp(op rpc_struct.Op)
	SubmitOpResponse(op rpc_struct.Op)
}

// Counters tracks session activity. Updated on the event loop, read
// from anywhere via Snapshot.
type Counters struct {
	ConnectCount    atomic.Int64
	HelloCount      atomic.Int64
	HelloDoneCount  atomic.Int64
	HelloErrorCount atomic.Int64
	AllocCount      atomic.Int64
	AllocErrorCount atomic.Int64
}

// CountersSnapshot is a plain copy for reporting surfaces.
type CountersSnapshot struct {
	ConnectCount    int64 `json:"connect_count"`
	HelloCount      int64 `json:"hello_count"`
	HelloDoneCount  int64 `json:"hello_done_count"`
	HelloErrorCount int64 `json:"hello_error_count"`
	AllocCount      int64 `json:"alloc_count"`
	AllocErrorCount int64 `json:"alloc_error_count"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		ConnectCount:    c.ConnectCount.Load(),
		HelloCount:      c.HelloCount.Load(),
		HelloDoneCount:  c.HelloDoneCount.Load(),
		HelloErrorCount: c.HelloErrorCount.Load(),
		AllocCount:      c.AllocCount.Load(),
		AllocErrorCount: c.AllocErrorCount.Load(),
	}
}
