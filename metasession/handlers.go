package metasession

import (
	"strings"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/detector"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/rpc_struct"
	"github.com/bhyvex/qfs/utils"
	"github.com/bhyvex/qfs/wire"
)

func (s *Session) peerName() string {
	if s.conn == nil {
		return "not connected"
	}
	return s.conn.PeerName()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handleEvent is the connection's event callback. Runs on the event
// loop.
func (s *Session) handleEvent(code int, data any) {
	switch code {
	case netman.EventNetRead:
		s.handleRead()
	case netman.EventNetWrote:
		if s.authOp == nil && !s.sentHello && s.helloOp == nil {
			s.sendHello()
		}
	case netman.EventNetError:
		if s.authOp != nil && s.opInFlight == nil && s.IsUp() &&
			s.conn != nil && !s.conn.HasFilter() {
			// EOF terminates the re-authentication response body.
			s.handleAuthResponse()
			return
		}
		s.error("network error")
	case netman.EventInactivityTimeout:
		s.error("inactivity timeout")
	default:
		common.Panicf("meta server state machine: unknown event %d", code)
	}
}

func (s *Session) handleRead() {
	if s.conn == nil {
		return
	}
	in := s.conn.InBuffer()
	if (s.opInFlight != nil || s.authOp != nil) && in.Len() < s.contentLength {
		return
	}
	if s.authOp != nil {
		if s.opInFlight != nil && !s.IsHandshakeDone() {
			common.Panicf("op and authentication in flight")
		}
		if s.opInFlight == nil && s.contentLength > 0 {
			s.handleAuthResponse()
			return
		}
	}
	if s.opInFlight != nil {
		op := s.opInFlight
		s.opInFlight = nil
		var ok bool
		if s.requestFlag {
			s.requestFlag = false
			ok = s.finishCmdBody(op.(rpc_struct.Inbound))
		} else {
			ok = s.finishReplyBody(op.(rpc_struct.Outbound))
		}
		if !ok {
			return
		}
	}
	for s.conn != nil {
		msgLen, have := wire.IsMsgAvail(in.Bytes())
		if !have {
			if in.Len() > wire.MaxRPCHeaderLen {
				s.log.Error().Msgf(
					"exceeded max request header size: %d > %d closing connection: %s",
					in.Len(), wire.MaxRPCHeaderLen, s.peerName())
				in.Reset()
				s.error("protocol parse error")
			}
			return
		}
		if !s.handleMsg(msgLen) {
			return
		}
	}
}

func (s *Session) handleMsg(msgLen int) bool {
	hdr := s.conn.InBuffer().Bytes()[:msgLen]
	if wire.IsReply(hdr) {
		return s.handleReply(hdr, msgLen)
	}
	return s.handleCmd(hdr, msgLen)
}

func (s *Session) trace(direction string, hdr []byte) {
	if !s.traceRPC {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(hdr), "\r\n"), "\n") {
		s.log.Debug().Msgf("%s %s: %s", s.location, direction, strings.TrimRight(line, "\r"))
	}
}

func (s *Session) handleReply(hdr []byte, msgLen int) bool {
	s.trace("meta response", hdr)
	props, err := wire.ParseHeader(hdr, s.rpcFormat)
	in := s.conn.InBuffer()
	in.Next(msgLen)
	if err != nil {
		s.error("protocol parse error")
		return false
	}
	if s.rpcFormat == common.RpcFormatUndef &&
		((s.helloOp != nil && s.helloOp.ReqShortRpcFmt) ||
			(s.authOp != nil && s.authOp.ReqShortRpcFmt)) {
		switch {
		case props.Has("Cseq"):
			s.rpcFormat = common.RpcFormatLong
		case props.Has("c"):
			s.rpcFormat = common.RpcFormatShort
			props.SetIntBase(16)
		default:
			// A first reply carrying neither header key means the peer
			// speaks something else entirely.
			s.error("RPC format detect error")
			return false
		}
	}
	key := func(short, long string) string {
		return wire.FieldKey(s.rpcFormat, short, long)
	}
	seq := common.Seq(props.GetInt64(key("c", "Cseq"), -1))
	status := props.GetInt(key("s", "Status"), -1)
	var statusMsg string
	if status < 0 {
		statusMsg = props.GetString(key("m", "Status-message"), "")
	}
	s.contentLength = props.GetInt(key("l", "Content-length"), 0)

	if s.authOp != nil && (!s.IsHandshakeDone() || seq == s.authOp.Seq) {
		if seq != s.authOp.Seq {
			s.log.Error().Msgf(
				"authentication response seq number mismatch: %d/%d %s",
				seq, s.authOp.Seq, s.authOp.Show())
			s.error("authentication protocol error")
			return false
		}
		s.authOp.Status = status
		s.authOp.ResponseContentLength = s.contentLength
		if status < 0 {
			s.authOp.StatusMsg = statusMsg
		}
		if err := s.authOp.ParseResponse(props, s.rpcFormat); err != nil && status >= 0 {
			s.log.Error().Err(err).Msgf("invalid meta reply response: %s", s.authOp.Show())
			s.error("invalid meta server response")
			return false
		}
		s.handleAuthResponse()
		return false
	}
	if s.helloOp != nil {
		return s.handleHelloReply(props, seq, status, statusMsg)
	}

	op, found := s.dispatchedOps[seq]
	if !found {
		s.log.Error().Msgf("meta reply: no op found for seq %d status %d", seq, status)
		s.error("protocol invalid sequence")
		return false
	}
	op.Base().Status = status
	if status < 0 && op.Base().StatusMsg == "" {
		op.Base().StatusMsg = statusMsg
	}
	if err := op.ParseResponse(props, s.rpcFormat); err != nil && status >= 0 {
		s.log.Error().Err(err).Msgf("invalid meta reply response: %s", op.Show())
		s.error("meta response parse error")
		return false
	}
	if s.contentLength > 0 && in.Len() < s.contentLength {
		// Wait for the body.
		s.conn.SetMaxReadAhead(maxInt(s.maxReadAhead, s.contentLength-in.Len()))
		s.requestFlag = false
		s.opInFlight = op
		return false
	}
	return s.finishReplyBody(op)
}

// finishReplyBody consumes an awaited reply body (possibly empty) and
// completes the op.
func (s *Session) finishReplyBody(op rpc_struct.Outbound) bool {
	in := s.conn.InBuffer()
	if length := s.contentLength; length > 0 {
		s.contentLength = 0
		if err := op.ParseResponseContent(in.Next(length)); err != nil {
			s.log.Error().Err(err).Msgf(
				"invalid meta reply response content: %s content len: %d", op.Show(), length)
			s.error("response body parse error")
			return false
		}
		s.conn.SetMaxReadAhead(s.maxReadAhead)
	}
	if s.helloOp != nil && rpc_struct.Op(op) == rpc_struct.Op(s.helloOp) {
		// Step-0 resume reply consumed; advance and resubmit.
		if s.helloOp.ResumeStep == 0 {
			s.helloOp.ResumeStep = 1
		}
		s.sentHello = false
		s.helloOp.Seq = s.nextSeq()
		s.deps.Executor.SubmitOp(s.helloOp)
		return true
	}
	delete(s.dispatchedOps, op.Base().Seq)
	s.log.Debug().Msgf("recv meta reply: %s", op.Show())
	s.deps.Executor.SubmitOpResponse(op)
	return true
}

func (s *Session) handleHelloReply(
	props *common.Properties, seq common.Seq, status int, statusMsg string) bool {
	hello := s.helloOp
	if status == common.StatusBadClusterKey {
		s.log.Error().Msgf(
			"exiting due to cluster key mismatch; our key: %s", s.clusterKey)
		s.nm.Shutdown()
		return false
	}
	s.counters.HelloCount.Add(1)
	resumeStep := -1
	if status == 0 {
		resumeStep = props.GetInt(
			wire.FieldKey(s.rpcFormat, "R", "Resume"), -1)
	}
	errorFlag := seq != hello.Seq ||
		(status != 0 && s.contentLength > 0) ||
		(hello.ResumeStep != 0 && s.contentLength > 0) ||
		(hello.ResumeStep < 0 && status != 0) ||
		(hello.ResumeStep >= 0 && status != 0 && status != common.StatusAgain) ||
		(hello.ResumeStep >= 0 && status == 0 && resumeStep != hello.ResumeStep)
	if errorFlag {
		s.log.Error().Msgf(
			"hello response error: seq: %d => %d status: %d msg: %s resume: %d / %d content len: %d",
			seq, hello.Seq, status, statusMsg, hello.ResumeStep, resumeStep, s.contentLength)
		s.counters.HelloErrorCount.Add(1)
	} else if status == 0 {
		if err := hello.ParseResponse(props, s.rpcFormat); err != nil {
			s.error("invalid meta server response")
			return false
		}
		if hello.MetaFileSystemId > 0 {
			s.deps.ChunkManager.SetFileSystemId(
				hello.MetaFileSystemId, hello.DeleteAllChunksFlag)
		}
		s.maxPendingOpsCount = hello.MaxPendingOpsCount
	} else {
		// Retriable resume rejection: fall back to the full exchange.
		hello.ResumeStep = -1
		s.sentHello = false
		hello.Seq = s.nextSeq()
		s.deps.Executor.SubmitOp(hello)
		return true
	}
	if errorFlag || hello.ResumeStep != 0 {
		s.updateCurrentKeyFlag = !errorFlag && hello.SendCurrentKeyFlag
		if s.updateCurrentKeyFlag {
			s.currentKeyId = hello.CurrentKeyId
		}
		if errorFlag {
			s.error("handshake error")
			return false
		}
		s.connectedTime = s.nm.Now()
		lostDirs := hello.LostChunkDirs
		s.helloOp = nil
		if s.IsUp() {
			s.counters.HelloDoneCount.Add(1)
			if s.deps.Health != nil {
				s.deps.Health.RecordAsync(detector.ConnEvent{
					ConnId:     s.connId,
					Kind:       detector.EventHelloDone,
					Generation: s.generation,
				})
			}
			for _, dir := range lostDirs {
				if !s.IsConnected() {
					break
				}
				s.EnqueueOp(rpc_struct.NewCorruptChunkOp(-1, dir))
			}
			s.dispatchOps()
		}
		return true
	}
	// Step-0 success: the reply may carry a resume body.
	in := s.conn.InBuffer()
	if s.contentLength > 0 && in.Len() < s.contentLength {
		s.conn.SetMaxReadAhead(maxInt(s.maxReadAhead, s.contentLength-in.Len()))
		s.requestFlag = false
		s.opInFlight = hello
		return false
	}
	return s.finishReplyBody(hello)
}

func (s *Session) handleCmd(hdr []byte, msgLen int) bool {
	in := s.conn.InBuffer()
	op, err := rpc_struct.ParseMetaCommand(hdr, s.rpcFormat)
	if err != nil {
		peer := s.peerName()
		lines := strings.Split(string(hdr), "\n")
		for i, line := range lines {
			if i >= 32 {
				break
			}
			s.log.Error().Msgf("%s invalid meta request: %s", peer, strings.TrimRight(line, "\r"))
		}
		in.Reset()
		s.error("request parse error")
		return false
	}
	s.trace("meta request", hdr)
	in.Next(msgLen)
	op.Base().Generation = s.generation
	s.contentLength = op.ContentLength()
	if rem := s.contentLength - in.Len(); rem > 0 {
		s.conn.SetMaxReadAhead(maxInt(s.maxReadAhead, rem))
		s.requestFlag = true
		s.opInFlight = op
		return false
	}
	s.conn.SetMaxReadAhead(s.maxReadAhead)
	return s.finishCmdBody(op)
}

func (s *Session) finishCmdBody(op rpc_struct.Inbound) bool {
	in := s.conn.InBuffer()
	if length := s.contentLength; length > 0 {
		s.contentLength = 0
		if err := op.ParseContent(in.Next(length)); err != nil {
			s.log.Error().Err(err).Msgf(
				"%s invalid content: cmd: %s", s.peerName(), op.Show())
			s.error("request body parse error")
			return false
		}
		s.conn.SetMaxReadAhead(s.maxReadAhead)
	}
	s.lastRecvCmdTime = s.nm.Now()
	s.log.Debug().Msgf("recv meta cmd: %s", op.Show())
	if hb, isHeartbeat := op.(*rpc_struct.HeartbeatOp); s.authOp == nil && isHeartbeat {
		// Losing this heartbeat on a re-auth failure is fine; the meta
		// server resends after reconnect.
		if hb.AuthenticateFlag && s.authenticate() && !s.IsUp() {
			return false
		}
		s.maxPendingOpsCount = hb.MaxPendingOps
	}
	s.deps.Executor.SubmitOp(op)
	return true
}

// OpDone is the completion callback for ops handed to the executor. It
// must be invoked on the event loop.
func (s *Session) OpDone(op rpc_struct.Op) {
	if op == nil {
		common.Panicf("invalid null op completion")
	}
	if s.authOp != nil && op == rpc_struct.Op(s.authOp) {
		common.Panicf("invalid authentication op completion")
	}
	if s.helloOp != nil && op == rpc_struct.Op(s.helloOp) {
		s.dispatchHello()
		return
	}
	if hb, isHeartbeat := op.(*rpc_struct.HeartbeatOp); isHeartbeat && s.updateCurrentKeyFlag {
		if id, key, ok := s.deps.ChunkManager.CurrentCryptoKey(); ok && id != s.currentKeyId {
			hb.SendCurrentKeyFlag = true
			hb.CurrentKeyId = id
			hb.CurrentKey = key
			s.currentKeyId = id
		}
	}
	if inbound, isInbound := op.(rpc_struct.Inbound); isInbound {
		s.sendResponse(inbound)
	}
	if !s.pendingOps.IsEmpty() {
		s.dispatchOps()
	}
	if s.conn != nil {
		s.conn.StartFlush()
	}
}

// sendResponse writes the reply for an executed inbound op, or queues it
// while authentication is mid-flight. Returns false when queued.
func (s *Session) sendResponse(op rpc_struct.Inbound) bool {
	discard := !s.sentHello ||
		op.Base().Generation != s.generation || !s.IsConnected()
	if discard {
		// The meta server treats everything in flight at disconnect as
		// undefined and purges its pending response queue; hello redoes
		// the inventory synchronization.
		s.log.Debug().Msgf("discard meta reply: %s", op.Show())
		return true
	}
	if s.authOp != nil {
		s.pendingResponses.PushBack(op)
		return false
	}
	if _, isAlloc := op.(*rpc_struct.AllocChunkOp); isAlloc {
		s.counters.AllocCount.Add(1)
		if op.Base().Status < 0 {
			s.counters.AllocErrorCount.Add(1)
		}
	}
	s.log.Debug().Msgf("send meta reply: %s", op.Show())
	out := s.conn.OutBuffer()
	reqPos := out.Len()
	op.Response(out, s.rpcFormat)
	if body := op.ResponseContent(); len(body) > 0 {
		s.conn.Write(body)
	}
	s.trace("cs response", out.Bytes()[reqPos:])
	s.conn.StartFlush()
	return true
}

// request serializes an outbound op onto the wire.
func (s *Session) request(op rpc_struct.Outbound) {
	op.Base().Status = 0
	op.Base().Generation = s.generation
	s.log.Debug().Msgf("cs request: %s", op.Show())
	out := s.conn.OutBuffer()
	reqPos := out.Len()
	op.Request(out, s.rpcFormat)
	s.trace("cs request", out.Bytes()[reqPos:])
	s.conn.StartFlush()
}

// EnqueueOp admits an outbound op: dispatch immediately when the session
// is up and under the pending window, queue otherwise. Must run on the
// event loop.
func (s *Session) EnqueueOp(op rpc_struct.Outbound) {
	if s.authOp == nil && s.pendingOps.IsEmpty() && s.IsUp() &&
		len(s.dispatchedOps) < s.maxPendingOpsCount {
		op.Base().Seq = s.nextSeq()
		if !op.Base().NoReply {
			if _, dup := s.dispatchedOps[op.Base().Seq]; dup {
				common.Panicf("duplicate seq. number")
			}
			s.dispatchedOps[op.Base().Seq] = op
		}
		s.request(op)
		if op.Base().NoReply {
			s.deps.Executor.SubmitOpResponse(op)
		}
		return
	}
	if s.nm.IsRunning() && s.location.IsValid() {
		s.pendingOps.PushBack(op)
	} else {
		op.Base().Fail(common.StatusHostUnreach, "")
		s.deps.Executor.SubmitOpResponse(op)
		return
	}
	s.nm.Wakeup()
}

func (s *Session) dispatchOps() {
	if !s.IsUp() || s.authOp != nil || s.pendingOps.IsEmpty() {
		return
	}
	var done []rpc_struct.Outbound
	cnt := len(s.dispatchedOps)
	for cnt < s.maxPendingOpsCount {
		op, ok := s.pendingOps.PopFront()
		if !ok {
			break
		}
		if op.Base().Kind == rpc_struct.CmdHello {
			common.Panicf("dispatch ops: hello in pending queue")
		}
		op.Base().Seq = s.nextSeq()
		if op.Base().NoReply {
			done = append(done, op)
		} else {
			if _, dup := s.dispatchedOps[op.Base().Seq]; dup {
				common.Panicf("duplicate seq. number")
			}
			s.dispatchedOps[op.Base().Seq] = op
		}
		cnt++
		s.request(op)
	}
	for _, op := range done {
		s.deps.Executor.SubmitOpResponse(op)
	}
}

func (s *Session) handleAuthResponse() {
	if s.authOp == nil || s.conn == nil {
		common.Panicf("handle auth response: invalid invocation")
	}
	op := s.authOp
	rem := op.ReadResponseContent(s.conn.InBuffer())
	s.contentLength = rem
	if rem > 0 {
		// Attempt to read more to detect protocol errors.
		s.conn.SetMaxReadAhead(rem + s.maxReadAhead)
		return
	}
	s.conn.SetMaxReadAhead(s.maxReadAhead)
	in := s.conn.InBuffer()
	if in.Len() > 0 {
		s.log.Error().Msgf(
			"authentication protocol failure: %d bytes past authentication response cmd: %s",
			in.Len(), op.Show())
		if op.StatusMsg != "" {
			op.StatusMsg += "; "
		}
		op.StatusMsg += "invalid extraneous data received"
		op.Status = common.StatusInval
	} else if op.Status == 0 {
		if s.conn.HasFilter() {
			if s.IsHandshakeDone() {
				// Shut the current filter down before the fresh exchange
				// installs a new one.
				if err := s.conn.ShutdownFilter(); err != nil {
					op.Status = common.StatusInval
					op.StatusMsg = "filter shutdown failure: " + err.Error()
				}
			} else {
				if op.StatusMsg != "" {
					op.StatusMsg += "; "
				}
				op.StatusMsg += "authentication protocol failure:" +
					" filter exists prior to handshake completion"
				op.Status = common.StatusInval
			}
		}
		if op.Status == 0 {
			if err := s.deps.AuthContext.Response(
				op.ChosenAuthType, op.UseSslFlag, op.ResponseBuf, s.conn); err != nil {
				op.Status = common.StatusInval
				op.StatusMsg = err.Error()
			}
		}
	}
	okFlag := op.Status == 0
	if okFlag {
		s.log.Info().Msgf("finished: %s", op.Show())
	} else {
		s.log.Error().Msgf("finished: %s", op.Show())
	}
	s.authOp = nil
	if !okFlag {
		s.error("authentication protocol error")
		return
	}
	if s.IsHandshakeDone() {
		for {
			resp, ok := s.pendingResponses.PopFront()
			if !ok {
				break
			}
			if !s.sendResponse(resp) {
				common.Panicf("invalid send response completion")
			}
		}
		if !s.pendingOps.IsEmpty() {
			s.nm.Wakeup()
		}
		return
	}
	if s.helloOp != nil {
		common.Panicf("hello op in flight prior to authentication completion")
	}
	if !s.pendingResponses.IsEmpty() {
		common.Panicf("non empty pending responses")
	}
	s.submitHello()
}

func (s *Session) cleanupOpInFlight() {
	s.opInFlight = nil
	s.requestFlag = false
}

func (s *Session) discardPendingResponses() {
	s.pendingResponses.Drain()
}

// error is the universal disconnect primitive: close the connection,
// advance the generation, release collaborator state, fail everything
// queued with host-unreachable. Reconnect happens on the next tick.
func (s *Session) error(msg string) {
	s.cleanupOpInFlight()
	s.authOp = nil
	s.discardPendingResponses()
	if s.conn != nil {
		oldGen := s.generation
		s.generation++
		evt := s.log.Error()
		if !s.nm.IsRunning() {
			evt = s.log.Debug()
		}
		evt.Msgf("%s closing meta server connection due to %s", s.location, msg)
		s.conn.Close()
		s.conn = nil
		// Drop all leases; the meta server fails the in-flight
		// replications on its side at disconnect.
		s.deps.LeaseClerk.UnregisterAllLeases()
		s.deps.Replicator.CancelSession(oldGen)
		s.deps.ChunkManager.MetaServerConnectionLost()
		if s.deps.Health != nil {
			s.deps.Health.RecordAsync(detector.ConnEvent{
				ConnId:     s.connId,
				Kind:       detector.EventDisconnect,
				Reason:     msg,
				Generation: oldGen,
			})
		}
	}
	s.failOps(!s.nm.IsRunning())
	s.sentHello = false
	s.helloOp = nil
}

// failOps fails every dispatched and pending op with host-unreachable.
// On shutdown the drain loops until completion callbacks stop enqueueing
// more work.
func (s *Session) failOps(shutdownFlag bool) {
	done := make([]rpc_struct.Outbound, 0, len(s.dispatchedOps))
	for _, op := range s.dispatchedOps {
		done = append(done, op)
	}
	s.dispatchedOps = make(map[common.Seq]rpc_struct.Outbound)
	done = append(done, s.pendingOps.Drain()...)
	for {
		utils.ForEachInSlice(done, func(op rpc_struct.Outbound) {
			op.Base().Fail(common.StatusHostUnreach, "")
			s.deps.Executor.SubmitOpResponse(op)
		})
		if !shutdownFlag || s.pendingOps.IsEmpty() {
			break
		}
		done = s.pendingOps.Drain()
	}
}
