package metasession

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/rpc_struct"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metaConn wraps one accepted connection on the scripted meta server.
type metaConn struct {
	c  net.Conn
	br *bufio.Reader
}

type block struct {
	verb  string
	props *common.Properties
	body  []byte
}

func (mc *metaConn) readBlock() (*block, error) {
	var lines []string
	for {
		line, err := mc.br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty block")
	}
	props := common.NewProperties()
	for _, line := range lines[1:] {
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			props.Set(strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]))
		}
	}
	b := &block{verb: lines[0], props: props}
	if n := props.GetInt("Content-length", 0); n > 0 {
		b.body = make([]byte, n)
		if _, err := io.ReadFull(mc.br, b.body); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (mc *metaConn) writef(format string, args ...any) {
	fmt.Fprintf(mc.c, format, args...)
}

// fakeMeta is a scripted meta server: every accepted connection runs the
// test-provided serve function.
type fakeMeta struct {
	ln    net.Listener
	serve func(mc *metaConn)
	wg    sync.WaitGroup
}

func newFakeMeta(t *testing.T, serve func(mc *metaConn)) (*fakeMeta, common.ServerLocation) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fm := &fakeMeta{ln: ln, serve: serve}
	fm.wg.Add(1)
	go func() {
		defer fm.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fm.wg.Add(1)
			go func() {
				defer fm.wg.Done()
				defer conn.Close()
				fm.serve(&metaConn{c: conn, br: bufio.NewReader(conn)})
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		fm.wg.Wait()
	})
	addr := ln.Addr().(*net.TCPAddr)
	return fm, common.ServerLocation{Hostname: "127.0.0.1", Port: addr.Port}
}

// replyHello answers one HELLO block. Final-step replies carry the
// session metadata; step-0 replies only echo the resume step.
func replyHello(mc *metaConn, b *block, maxPending int) {
	seq := b.props.GetInt64("Cseq", -1)
	resume := b.props.GetInt64("Resume", -2)
	mc.writef("OK\r\nCseq: %d\r\nStatus: 0\r\n", seq)
	if resume >= 0 {
		mc.writef("Resume: %d\r\n", resume)
	}
	if resume != 0 {
		mc.writef("File-system-id: 42\r\nMax-pending: %d\r\n", maxPending)
	}
	mc.writef("\r\n")
}

// testDeps implements every collaborator and records what the session
// does to them.
type testDeps struct {
	nm      *netman.NetManager
	session *Session

	mu       sync.Mutex
	location common.ServerLocation

	fsId          atomic.Int64
	leasesDropped atomic.Int64
	replCancels   atomic.Int64
	connLost      atomic.Int64

	completions chan rpc_struct.Op
	submitted   chan rpc_struct.Op
}

func newTestDeps() *testDeps {
	return &testDeps{
		completions: make(chan rpc_struct.Op, 512),
		submitted:   make(chan rpc_struct.Op, 512),
	}
}

func (d *testDeps) CanUpdateServerIp() bool { return true }

func (d *testDeps) Location() common.ServerLocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location
}

func (d *testDeps) SetLocation(l common.ServerLocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = l
}

func (d *testDeps) FileSystemId() common.FileSystemId { return -1 }

func (d *testDeps) SetFileSystemId(id common.FileSystemId, deleteAll bool) {
	d.fsId.Store(int64(id))
}

func (d *testDeps) CurrentCryptoKey() (common.KeyId, string, bool) {
	return 7, "key-material", true
}

func (d *testDeps) MetaServerConnectionLost() { d.connLost.Add(1) }
func (d *testDeps) UnregisterAllLeases()      { d.leasesDropped.Add(1) }
func (d *testDeps) CancelSession(gen uint64)  { d.replCancels.Add(1) }

func (d *testDeps) SubmitOp(op rpc_struct.Op) {
	if _, isInbound := op.(rpc_struct.Inbound); isInbound {
		d.submitted <- op
	}
	d.nm.Dispatch(func() { d.session.OpDone(op) })
}

func (d *testDeps) SubmitOpResponse(op rpc_struct.Op) {
	d.completions <- op
}

type sessionHarness struct {
	nm      *netman.NetManager
	session *Session
	deps    *testDeps
}

func newSessionHarness(
	t *testing.T, loc common.ServerLocation, extraProps map[string]string,
	auth AuthContext) *sessionHarness {
	h := &sessionHarness{deps: newTestDeps()}
	h.nm = netman.New(50 * time.Millisecond)
	h.nm.Start()
	t.Cleanup(h.nm.Shutdown)

	h.session = New(h.nm, Dependencies{
		ChunkServer:  h.deps,
		ChunkManager: h.deps,
		LeaseClerk:   h.deps,
		Replicator:   h.deps,
		AuthContext:  auth,
		Executor:     h.deps,
		Logger:       zerolog.Nop(),
	})
	h.deps.nm = h.nm
	h.deps.session = h.session

	props := common.NewProperties()
	for k, v := range extraProps {
		props.Set(k, v)
	}
	require.NoError(t, h.session.SetMetaInfo(loc, "test-cluster", 1, "d41d8cd9", props))
	h.session.Init()
	t.Cleanup(func() { h.onLoop(func() { h.session.Shutdown() }) })
	return h
}

// onLoop runs fn on the event loop and waits for it. Once the loop is
// shut down nothing else touches the session, so fn runs inline.
func (h *sessionHarness) onLoop(fn func()) {
	if !h.nm.IsRunning() {
		fn()
		return
	}
	done := make(chan struct{})
	h.nm.Dispatch(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (h *sessionHarness) isUp() bool {
	var up bool
	h.onLoop(func() { up = h.session.IsUp() })
	return up
}

func (h *sessionHarness) waitUp(t *testing.T) {
	require.Eventually(t, h.isUp, 10*time.Second, 20*time.Millisecond,
		"session must complete the handshake")
}

func TestHelloHandshake(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb == rpc_struct.VerbHello {
				replyHello(mc, b, 96)
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	h.waitUp(t)

	counters := h.session.Counters().Snapshot()
	assert.Equal(t, int64(1), counters.ConnectCount)
	assert.Equal(t, int64(1), counters.HelloDoneCount)
	assert.Zero(t, counters.HelloErrorCount)
	assert.Equal(t, int64(42), h.deps.fsId.Load(),
		"published filesystem id must reach the chunk manager")
	assert.Equal(t, "127.0.0.1", h.deps.Location().Hostname,
		"advertised address must follow the meta connection's local address")

	var uptime time.Duration
	h.onLoop(func() { uptime = h.session.ConnectionUptime() })
	assert.GreaterOrEqual(t, uptime, time.Duration(0))
}

func TestBackpressureAndDisconnect(t *testing.T) {
	var killConn atomic.Value // net.Conn
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		killConn.Store(mc.c)
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb == rpc_struct.VerbHello {
				replyHello(mc, b, 96)
			}
			// Outbound ops are read and left unanswered.
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	h.waitUp(t)

	h.onLoop(func() {
		for i := 0; i < 200; i++ {
			h.session.EnqueueOp(rpc_struct.NewCorruptChunkOp(int64(i), ""))
		}
	})
	var dispatched, pending int
	h.onLoop(func() { dispatched, pending = h.session.OpCounts() })
	assert.Equal(t, 96, dispatched, "dispatch window must cap at max pending")
	assert.Equal(t, 104, pending, "overflow must stay queued in FIFO order")

	var genBefore uint64
	h.onLoop(func() { genBefore = h.session.Generation() })

	// Kill the socket mid-flight: everything fails with host-unreachable
	// and the session reconnects on the next tick.
	killConn.Load().(net.Conn).Close()

	failed := 0
	deadline := time.After(10 * time.Second)
	for failed < 200 {
		select {
		case op := <-h.deps.completions:
			assert.Equal(t, common.StatusHostUnreach, op.Base().Status)
			failed++
		case <-deadline:
			t.Fatalf("only %d of 200 ops failed", failed)
		}
	}

	h.waitUp(t)
	var genAfter uint64
	h.onLoop(func() { genAfter = h.session.Generation() })
	assert.Greater(t, genAfter, genBefore, "disconnect must advance the generation")
	assert.GreaterOrEqual(t, h.deps.leasesDropped.Load(), int64(1))
	assert.GreaterOrEqual(t, h.deps.replCancels.Load(), int64(1))
	assert.GreaterOrEqual(t, h.deps.connLost.Load(), int64(1))
	assert.Equal(t, int64(2), h.session.Counters().Snapshot().HelloDoneCount)
}

func TestHelloSeqMismatchReconnects(t *testing.T) {
	var mismatched atomic.Bool
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb != rpc_struct.VerbHello {
				continue
			}
			if mismatched.CompareAndSwap(false, true) {
				seq := b.props.GetInt64("Cseq", -1)
				mc.writef("OK\r\nCseq: %d\r\nStatus: 0\r\nFile-system-id: 42\r\nMax-pending: 96\r\n\r\n", seq+1)
				continue
			}
			replyHello(mc, b, 96)
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	h.waitUp(t)

	counters := h.session.Counters().Snapshot()
	assert.Equal(t, int64(1), counters.HelloErrorCount)
	assert.Equal(t, int64(1), counters.HelloDoneCount)
	assert.Equal(t, int64(2), counters.ConnectCount,
		"a handshake error must force a fresh connection")
}

func TestBadClusterKeyIsFatal(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb == rpc_struct.VerbHello {
				mc.writef("OK\r\nCseq: %d\r\nStatus: %d\r\n\r\n",
					b.props.GetInt64("Cseq", -1), common.StatusBadClusterKey)
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)

	assert.Eventually(t, func() bool { return !h.nm.IsRunning() },
		10*time.Second, 20*time.Millisecond,
		"a cluster key mismatch must shut the event loop down")
}

func TestHelloResumeProgression(t *testing.T) {
	var seen []int64
	var seenMu sync.Mutex
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb != rpc_struct.VerbHello {
				continue
			}
			seenMu.Lock()
			seen = append(seen, b.props.GetInt64("Resume", -2))
			seenMu.Unlock()
			replyHello(mc, b, 96)
		}
	})
	h := newSessionHarness(t, loc,
		map[string]string{"chunkServer.meta.helloResume": "1"}, nil)
	h.waitUp(t)

	// Second connect: hello-done-count is nonzero, so resume kicks in.
	h.onLoop(func() { h.session.ForceDown() })
	require.Eventually(t, func() bool {
		return h.session.Counters().Snapshot().HelloDoneCount == 2
	}, 10*time.Second, 20*time.Millisecond)

	seenMu.Lock()
	defer seenMu.Unlock()
	require.Equal(t, []int64{-1, 0, 1}, seen,
		"first hello is full state, then the two-step resume walk")
}

func TestHeartbeatUpdatesMaxPending(t *testing.T) {
	responses := make(chan *block, 16)
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			switch {
			case b.verb == rpc_struct.VerbHello:
				replyHello(mc, b, 96)
				mc.writef("HEARTBEAT\r\nCseq: 9000\r\nMax-pending-ops: 5\r\n\r\n")
			case strings.HasPrefix(b.verb, "OK"):
				responses <- b
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	h.waitUp(t)

	select {
	case resp := <-responses:
		assert.Equal(t, int64(9000), resp.props.GetInt64("Cseq", -1))
		assert.Equal(t, 0, resp.props.GetInt("Status", -1))
	case <-time.After(10 * time.Second):
		t.Fatal("no heartbeat response observed")
	}

	h.onLoop(func() {
		for i := 0; i < 10; i++ {
			h.session.EnqueueOp(rpc_struct.NewCorruptChunkOp(int64(i), ""))
		}
	})
	var dispatched, pending int
	h.onLoop(func() { dispatched, pending = h.session.OpCounts() })
	assert.Equal(t, 5, dispatched, "heartbeat must retune the dispatch window")
	assert.Equal(t, 5, pending)
}

func TestStaleChunksBody(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb == rpc_struct.VerbHello {
				replyHello(mc, b, 96)
				body := "1f 2a ff"
				mc.writef("STALE_CHUNKS\r\nCseq: 9001\r\nNum-chunks: 3\r\nContent-length: %d\r\n\r\n%s",
					len(body), body)
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	h.waitUp(t)

	select {
	case op := <-h.deps.submitted:
		stale, ok := op.(*rpc_struct.StaleChunksOp)
		require.True(t, ok)
		assert.Equal(t, []int64{0x1f, 0x2a, 0xff}, stale.ChunkIds)
	case <-time.After(10 * time.Second):
		t.Fatal("stale chunks command not submitted")
	}
}

func TestUnknownSequenceForcesReconnect(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			if b.verb == rpc_struct.VerbHello {
				replyHello(mc, b, 96)
				// A reply nobody asked for.
				mc.writef("OK\r\nCseq: 424242\r\nStatus: 0\r\n\r\n")
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)
	// The stray reply arrives right behind the hello reply, so the session
	// is up only momentarily; wait for the handshake count instead.
	require.Eventually(t, func() bool {
		return h.session.Counters().Snapshot().HelloDoneCount >= 1
	}, 10*time.Second, 20*time.Millisecond, "session must complete the handshake")

	assert.Eventually(t, func() bool {
		return h.session.Counters().Snapshot().ConnectCount >= 2
	}, 10*time.Second, 20*time.Millisecond,
		"an unknown reply sequence must tear the connection down")
}

func TestEnqueueWhileDownFailsAfterShutdown(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			if _, err := mc.readBlock(); err != nil {
				return
			}
		}
	})
	h := newSessionHarness(t, loc, nil, nil)

	h.onLoop(func() { h.session.Shutdown() })
	h.onLoop(func() {
		h.session.EnqueueOp(rpc_struct.NewCorruptChunkOp(1, ""))
	})
	select {
	case op := <-h.deps.completions:
		assert.Equal(t, common.StatusHostUnreach, op.Base().Status)
	case <-time.After(5 * time.Second):
		t.Fatal("op enqueued after shutdown must fail immediately")
	}
}

// scriptedAuth is a minimal auth context: one request blob out, one
// response blob back, no connection filter.
type scriptedAuth struct {
	requests  atomic.Int64
	responses atomic.Int64
	failWith  string
}

func (a *scriptedAuth) SetParameters(string, *common.Properties, bool) error { return nil }
func (a *scriptedAuth) IsEnabled() bool                                      { return true }
func (a *scriptedAuth) CheckAuthType(int) error                              { return nil }
func (a *scriptedAuth) Clear()                                               {}

func (a *scriptedAuth) Request(authType int) (int, []byte, error) {
	a.requests.Add(1)
	return common.AuthTypePSK, []byte("client-token"), nil
}

func (a *scriptedAuth) Response(
	chosenType int, useSsl bool, respBuf []byte, conn *netman.Conn) error {
	a.responses.Add(1)
	if a.failWith != "" {
		return fmt.Errorf("%s", a.failWith)
	}
	if string(respBuf) != "server-token" {
		return fmt.Errorf("unexpected auth response %q", respBuf)
	}
	return nil
}

func TestAuthenticatedHandshake(t *testing.T) {
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			switch b.verb {
			case rpc_struct.VerbAuthenticate:
				require.Equal(t, "client-token", string(b.body))
				body := "server-token"
				mc.writef("OK\r\nCseq: %d\r\nStatus: 0\r\nAuth-type: %d\r\nContent-length: %d\r\n\r\n%s",
					b.props.GetInt64("Cseq", -1), common.AuthTypePSK, len(body), body)
			case rpc_struct.VerbHello:
				replyHello(mc, b, 96)
			}
		}
	})
	auth := &scriptedAuth{}
	h := newSessionHarness(t, loc, nil, auth)
	h.waitUp(t)

	assert.Equal(t, int64(1), auth.requests.Load())
	assert.Equal(t, int64(1), auth.responses.Load())
	assert.Equal(t, int64(1), h.session.Counters().Snapshot().HelloDoneCount)
}

func TestAuthFailureRetries(t *testing.T) {
	var attempts atomic.Int64
	_, loc := newFakeMeta(t, func(mc *metaConn) {
		for {
			b, err := mc.readBlock()
			if err != nil {
				return
			}
			switch b.verb {
			case rpc_struct.VerbAuthenticate:
				if attempts.Add(1) == 1 {
					mc.writef("OK\r\nCseq: %d\r\nStatus: %d\r\nStatus-message: denied\r\n\r\n",
						b.props.GetInt64("Cseq", -1), common.StatusInval)
					continue
				}
				body := "server-token"
				mc.writef("OK\r\nCseq: %d\r\nStatus: 0\r\nContent-length: %d\r\n\r\n%s",
					b.props.GetInt64("Cseq", -1), len(body), body)
			case rpc_struct.VerbHello:
				replyHello(mc, b, 96)
			}
		}
	})
	h := newSessionHarness(t, loc, nil, &scriptedAuth{})
	h.waitUp(t)

	assert.GreaterOrEqual(t, attempts.Load(), int64(2),
		"an authentication failure must disconnect and retry")
}
