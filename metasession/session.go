// Package metasession maintains the chunk server's long-lived control
// connection to the meta server: connect and reconnect, the hello
// handshake with optional resume, the authentication exchange, and the
// multiplexing of client-initiated outbound ops with server-initiated
// commands over one sequenced stream.
//
// The session runs entirely on the net manager's event loop. External
// callers reach it by posting through NetManager.Dispatch.
package metasession

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/detector"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/rpc_struct"
	"github.com/bhyvex/qfs/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dependencies are the collaborators injected at construction. Health is
// optional; everything else must be set.
type Dependencies struct {
	ChunkServer  ChunkServerInfo
	ChunkManager ChunkManager
	LeaseClerk   LeaseClerk
	Replicator   Replicator
	AuthContext  AuthContext
	Executor     OpExecutor
	Health       *detector.HealthWindow
	Logger       zerolog.Logger
}

type Session struct {
	nm   *netman.NetManager
	deps Dependencies
	log  zerolog.Logger

	cmdSeq     common.Seq
	location   common.ServerLocation
	rackId     common.RackId
	clusterKey string
	md5sum     string

	sentHello bool
	helloOp   *rpc_struct.HelloOp
	authOp    *rpc_struct.AuthenticateOp

	pendingOps       utils.Deque[rpc_struct.Outbound]
	dispatchedOps    map[common.Seq]rpc_struct.Outbound
	pendingResponses utils.Deque[rpc_struct.Inbound]

	conn *netman.Conn

	inactivityTimeout int
	maxReadAhead      int
	lastRecvCmdTime   time.Time
	lastConnectTime   time.Time
	connectedTime     time.Time
	reconnectFlag     bool

	authType    int
	authTypeStr string

	currentKeyId         common.KeyId
	updateCurrentKeyFlag bool
	noFidsFlag           bool
	helloResume          int

	// One reply or command can be mid-body at a time; opInFlight holds
	// it while contentLength bytes are still outstanding. requestFlag
	// distinguishes an inbound command from an awaited reply.
	opInFlight    rpc_struct.Op
	requestFlag   bool
	traceRPC      bool
	rpcFormat     common.RpcFormat
	contentLength int

	generation         uint64
	maxPendingOpsCount int
	connId             string

	counters Counters
}

const defaultMaxPendingOps = 96

func New(nm *netman.NetManager, deps Dependencies) *Session {
	s := &Session{
		nm:                 nm,
		deps:               deps,
		log:                deps.Logger,
		cmdSeq:             common.Seq(rand.Int63n(1 << 30)),
		dispatchedOps:      make(map[common.Seq]rpc_struct.Outbound),
		inactivityTimeout:  65,
		maxReadAhead:       4 << 10,
		authType:           common.AuthTypeKrb5 | common.AuthTypeX509 | common.AuthTypePSK,
		authTypeStr:        "Krb5 X509 PSK",
		noFidsFlag:         true,
		helloResume:        -1,
		rpcFormat:          common.RpcFormatUndef,
		generation:         1,
		maxPendingOpsCount: defaultMaxPendingOps,
	}
	return s
}

func (s *Session) nextSeq() common.Seq {
	s.cmdSeq++
	return s.cmdSeq
}

// SetMetaInfo is the one-shot configuration call before Init.
func (s *Session) SetMetaInfo(
	loc common.ServerLocation, clusterKey string, rackId common.RackId,
	md5sum string, props *common.Properties) error {
	s.location = loc
	s.clusterKey = clusterKey
	s.rackId = rackId
	s.md5sum = md5sum
	return s.SetParameters(props)
}

// SetParameters applies the recognized configuration keys. It fails when
// the auth-type list contains an unrecognized entry or the auth context
// rejects its parameters.
func (s *Session) SetParameters(props *common.Properties) error {
	s.inactivityTimeout = props.GetInt(
		"chunkServer.meta.inactivityTimeout", s.inactivityTimeout)
	s.maxReadAhead = props.GetInt(
		"chunkServer.meta.maxReadAhead", s.maxReadAhead)
	s.noFidsFlag = props.GetBool(
		"chunkServer.meta.noFids", s.noFidsFlag)
	s.helloResume = props.GetInt(
		"chunkServer.meta.helloResume", s.helloResume)
	s.traceRPC = props.GetBool(
		"chunkServer.meta.traceRequestResponseFlag", s.traceRPC)
	var err error
	if s.deps.AuthContext != nil {
		err = s.deps.AuthContext.SetParameters("chunkserver.meta.auth.", props, true)
	}
	s.authTypeStr = props.GetString("chunkserver.meta.auth.authType", s.authTypeStr)
	mask := common.AuthTypeNone
	for _, tok := range strings.Fields(s.authTypeStr) {
		switch tok {
		case "Krb5":
			mask |= common.AuthTypeKrb5
		case "X509":
			mask |= common.AuthTypeX509
		case "PSK":
			mask |= common.AuthTypePSK
		default:
			if err == nil {
				err = fmt.Errorf("invalid auth type: %q", tok)
			}
			s.log.Error().Msgf("invalid chunkserver.meta.auth.authType entry: %q", tok)
		}
	}
	s.authType = mask
	if s.deps.AuthContext != nil && s.deps.AuthContext.IsEnabled() {
		if cerr := s.deps.AuthContext.CheckAuthType(s.authType); cerr != nil {
			if err == nil {
				err = cerr
			}
			s.log.Error().Err(cerr).Msgf(
				"invalid chunkserver.meta.auth.authType %d", s.authType)
		}
	}
	return err
}

// Init registers the periodic timeout handler; the first connect happens
// on the next tick.
func (s *Session) Init() {
	s.nm.RegisterTimeoutHandler(s)
}

// Shutdown tears the session down, failing everything queued with
// host-unreachable. The location port is negated to mark the session
// retired so stray completions cannot re-enqueue work.
func (s *Session) Shutdown() {
	if !s.location.IsValid() && s.conn == nil {
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.generation++
	s.nm.UnregisterTimeoutHandler(s)
	if s.location.IsValid() {
		s.location.Port = -s.location.Port
	}
	s.cleanupOpInFlight()
	s.discardPendingResponses()
	s.failOps(true)
	s.sentHello = false
	s.helloOp = nil
	s.authOp = nil
	if s.deps.AuthContext != nil {
		s.deps.AuthContext.Clear()
	}
}

// ForceDown injects a synthetic error to force a reconnect.
func (s *Session) ForceDown() {
	if s.conn != nil {
		s.error("protocol error")
	}
}

// RequestReconnect schedules a reconnect on the next tick.
func (s *Session) RequestReconnect() {
	s.reconnectFlag = true
}

func (s *Session) IsConnected() bool {
	return s.conn != nil && s.conn.IsGood()
}

func (s *Session) IsHandshakeDone() bool {
	return s.sentHello && s.helloOp == nil
}

func (s *Session) IsUp() bool {
	return s.IsConnected() && s.IsHandshakeDone()
}

func (s *Session) ConnectionUptime() time.Duration {
	if !s.IsUp() {
		return 0
	}
	return s.nm.Now().Sub(s.lastConnectTime)
}

func (s *Session) Counters() *Counters { return &s.counters }

// OpCounts reports the dispatched-map and pending-queue sizes. Event
// loop only.
func (s *Session) OpCounts() (dispatched, pending int) {
	return len(s.dispatchedOps), s.pendingOps.Length()
}

// Generation identifies the current session epoch.
func (s *Session) Generation() uint64 { return s.generation }

// Timeout drives reconnect, inactivity detection and op dispatch. It
// runs once per event-loop pass.
func (s *Session) Timeout() {
	if s.reconnectFlag {
		s.reconnectFlag = false
		const msg = "meta server reconnect requested"
		s.log.Warn().Msg(msg)
		s.error(msg)
	}
	now := s.nm.Now()
	if s.IsConnected() && s.IsHandshakeDone() &&
		s.lastRecvCmdTime.Add(time.Duration(s.inactivityTimeout)*time.Second).Before(now) {
		s.log.Error().Msgf(
			"meta server inactivity timeout, last request received: %.0f secs ago",
			now.Sub(s.lastRecvCmdTime).Seconds())
		s.error("heartbeat request timeout")
	}
	if !s.IsConnected() {
		if s.helloOp != nil {
			if !s.sentHello {
				return // Wait for hello to come back.
			}
			s.sentHello = false
			s.helloOp = nil
		}
		if s.lastConnectTime.Add(time.Second).Before(now) {
			s.lastConnectTime = now
			s.connect()
		}
		return
	}
	if s.authOp != nil || !s.IsHandshakeDone() {
		return
	}
	s.dispatchOps()
	s.conn.StartFlush()
}

func (s *Session) connect() {
	if s.helloOp != nil {
		return
	}
	s.cleanupOpInFlight()
	s.authOp = nil
	s.discardPendingResponses()
	s.contentLength = 0
	s.counters.ConnectCount.Add(1)
	s.generation++
	s.rpcFormat = common.RpcFormatUndef
	s.sentHello = false
	s.updateCurrentKeyFlag = false
	s.lastRecvCmdTime = s.nm.Now()
	s.connId = uuid.New().String()
	s.log.Info().
		Str("conn_id", s.connId).
		Msgf("connecting to metaserver %s", s.location)
	s.conn = netman.Dial(s.nm, s.location, s.handleEvent)
	s.conn.SetInactivityTimeout(s.inactivityTimeout)
	s.conn.SetMaxReadAhead(s.maxReadAhead)
	s.nm.AddConnection(s.conn)
	if s.deps.Health != nil {
		s.deps.Health.RecordAsync(detector.ConnEvent{
			ConnId:     s.connId,
			Kind:       detector.EventConnect,
			Generation: s.generation,
		})
	}
	if s.IsConnected() {
		s.sendHello()
	}
}

// isIpHostedAndNotLoopback probes whether ip is still assigned to a
// local interface and is neither loopback nor wildcard.
func isIpHostedAndNotLoopback(ip string) error {
	if ip == "" {
		return fmt.Errorf("empty address")
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("unparsable address %q", ip)
	}
	if parsed.IsLoopback() || parsed.IsUnspecified() {
		return fmt.Errorf("address %q is loopback or wildcard", ip)
	}
	l, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return err
	}
	l.Close()
	return nil
}

func (s *Session) sendHello() {
	if s.helloOp != nil || s.authOp != nil {
		return
	}
	if !s.IsConnected() {
		s.log.Debug().Msg("unable to connect to meta server")
		if s.conn != nil {
			s.error("network error")
		}
		return
	}
	if s.deps.ChunkServer.CanUpdateServerIp() {
		// Advertise the same ip address to the clients, as used for the
		// meta connection.
		loc, err := s.conn.GetSockLocation()
		if err != nil {
			s.log.Error().Err(err).Msg("getsockname")
			s.error("get socket name error")
			return
		}
		const addrAny = "0.0.0.0"
		if (loc.Hostname == addrAny || loc.Hostname == "::") &&
			s.location.Hostname == "127.0.0.1" {
			loc.Hostname = s.location.Hostname
		}
		if !loc.IsValid() || loc.Hostname == addrAny || loc.Hostname == "::" {
			s.log.Error().Msgf(
				"invalid chunk server location: %s resetting meta server connection", loc)
			s.error("invalid socket address")
			return
		}
		prev := s.deps.ChunkServer.Location()
		if loc.Hostname != prev.Hostname {
			loc.Port = prev.Port
			if prev.Hostname == "" {
				s.log.Info().Msgf("setting chunk server ip to: %s", loc.Hostname)
				s.deps.ChunkServer.SetLocation(loc)
			} else if err := isIpHostedAndNotLoopback(prev.Hostname); err != nil {
				s.log.Warn().Msgf(
					"meta server connection local address: %s current chunk server ip: %s is no longer valid: %v",
					loc.Hostname, prev.Hostname, err)
				s.deps.ChunkServer.SetLocation(loc)
			}
		}
	}
	if !s.authenticate() {
		s.submitHello()
	}
}

// authenticate starts the auth exchange when an auth context is enabled.
// Returns false when there is nothing to do and hello can go directly.
func (s *Session) authenticate() bool {
	if s.deps.AuthContext == nil || !s.deps.AuthContext.IsEnabled() {
		return false
	}
	if s.authOp != nil {
		common.Panicf("invalid authenticate invocation: auth is in flight")
	}
	op := &rpc_struct.AuthenticateOp{
		OpBase: rpc_struct.OpBase{
			Kind:           rpc_struct.CmdAuthenticate,
			Seq:            s.nextSeq(),
			ReqShortRpcFmt: s.rpcFormat != common.RpcFormatShort,
		},
	}
	reqType, reqBuf, err := s.deps.AuthContext.Request(s.authType)
	if err != nil {
		s.log.Error().Err(err).Msg("authentication request failure")
		s.error("authentication error")
		return true
	}
	op.RequestedAuthType = reqType
	op.ReqBuf = reqBuf
	s.authOp = op
	s.request(op)
	s.log.Info().Msgf("started: %s", op.Show())
	return true
}

func (s *Session) submitHello() {
	if s.helloOp != nil {
		common.Panicf("invalid submit hello invocation")
	}
	op := &rpc_struct.HelloOp{
		OpBase: rpc_struct.OpBase{
			Kind:           rpc_struct.CmdHello,
			Seq:            s.nextSeq(),
			ReqShortRpcFmt: s.rpcFormat != common.RpcFormatShort,
		},
		Location:           s.deps.ChunkServer.Location(),
		ClusterKey:         s.clusterKey,
		MD5Sum:             s.md5sum,
		RackId:             s.rackId,
		NoFidsFlag:         s.noFidsFlag,
		SendCurrentKeyFlag: true,
		HelloDoneCount:     s.counters.HelloDoneCount.Load(),
		FileSystemId:       s.deps.ChunkManager.FileSystemId(),
	}
	// Resume is opt-in: the very first hello and every hello with resume
	// disabled carry the full state.
	if s.helloResume < 0 || op.HelloDoneCount == 0 {
		op.ResumeStep = -1
	} else {
		op.ResumeStep = 0
	}
	if id, _, ok := s.deps.ChunkManager.CurrentCryptoKey(); ok {
		op.CurrentKeyId = id
	}
	s.helloOp = op
	// Hand the op to the chunk server so it can attach its inventory;
	// completion comes back through OpDone and dispatches the request.
	s.deps.Executor.SubmitOp(op)
}

func (s *Session) dispatchHello() {
	if s.sentHello || s.authOp != nil {
		common.Panicf("dispatch hello: invalid invocation")
	}
	if !s.IsConnected() {
		// Connection went away while the inventory was being gathered;
		// the next tick starts the process over.
		s.sentHello = false
		s.updateCurrentKeyFlag = false
		s.authOp = nil
		s.helloOp = nil
		return
	}
	s.sentHello = true
	s.request(s.helloOp)
	s.log.Info().Msgf("sending hello to meta server: %s", s.helloOp.Show())
	s.conn.StartFlush()
}
