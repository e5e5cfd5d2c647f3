package netman

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/rs/zerolog/log"
)

// Filter is a connection-layer transform installed after a successful
// authentication exchange, typically TLS. Wrap replaces the transport the
// connection reads and writes through; Shutdown performs the layer's
// clean close without closing the underlying socket.
type Filter interface {
	Wrap(net.Conn) (net.Conn, error)
	Shutdown() error
}

// Conn wraps a socket registered with the net manager. The in and out
// buffers are only touched on the loop goroutine; a reader pump feeds the
// in buffer and a writer drains flushed output.
type Conn struct {
	nm      *NetManager
	handler EventHandler

	sockMu sync.Mutex
	sock   net.Conn
	filter Filter

	in  bytes.Buffer
	out bytes.Buffer

	writeCh chan []byte

	maxReadAhead      atomic.Int64
	inactivityTimeout atomic.Int64 // seconds; 0 disables
	closed            atomic.Bool
	connected         atomic.Bool
}

const defaultReadAhead = 4 << 10

func newConn(nm *NetManager, handler EventHandler) *Conn {
	c := &Conn{
		nm:      nm,
		handler: handler,
		writeCh: make(chan []byte, 4096),
	}
	c.maxReadAhead.Store(defaultReadAhead)
	return c
}

// Dial starts a nonblocking connect to loc. The connection is reported
// through the handler: EventNetWrote once the socket is established,
// EventNetError if the connect fails. Events are delivered whether or
// not the conn is passed to AddConnection.
func Dial(nm *NetManager, loc common.ServerLocation, handler EventHandler) *Conn {
	c := newConn(nm, handler)
	go func() {
		sock, err := net.DialTimeout("tcp", loc.Addr(), 10*time.Second)
		if err != nil {
			log.Debug().Err(err).Str("addr", loc.Addr()).Msg("connect failed")
			nm.Dispatch(func() { c.handler(EventNetError, err) })
			return
		}
		if c.closed.Load() {
			sock.Close()
			return
		}
		c.sockMu.Lock()
		c.sock = sock
		c.sockMu.Unlock()
		c.connected.Store(true)
		go c.readPump()
		go c.writePump()
		nm.Dispatch(func() { c.handler(EventNetWrote, nil) })
	}()
	return c
}

// Wrap adopts an already-established socket, used by tests and inbound
// acceptors.
func Wrap(nm *NetManager, sock net.Conn, handler EventHandler) *Conn {
	c := newConn(nm, handler)
	c.sock = sock
	c.connected.Store(true)
	go c.readPump()
	go c.writePump()
	return c
}

// AddConnection does nothing: the reader and writer pumps are started by
// Dial/Wrap. The call is kept for interface parity with the original net
// manager.
func (nm *NetManager) AddConnection(c *Conn) {}

func (c *Conn) transport() net.Conn {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.sock
}

func (c *Conn) readPump() {
	for {
		sock := c.transport()
		if sock == nil || c.closed.Load() {
			return
		}
		if secs := c.inactivityTimeout.Load(); secs > 0 {
			sock.SetReadDeadline(time.Now().Add(time.Duration(secs) * time.Second))
		} else {
			sock.SetReadDeadline(time.Time{})
		}
		ahead := c.maxReadAhead.Load()
		if ahead <= 0 {
			ahead = defaultReadAhead
		}
		buf := make([]byte, ahead)
		n, err := sock.Read(buf)
		if n > 0 {
			data := buf[:n]
			c.nm.Dispatch(func() {
				if c.closed.Load() {
					return
				}
				c.in.Write(data)
				c.handler(EventNetRead, &c.in)
			})
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			var nerr net.Error
			code := EventNetError
			if errors.As(err, &nerr) && nerr.Timeout() {
				code = EventInactivityTimeout
			}
			c.nm.Dispatch(func() {
				if !c.closed.Load() {
					c.handler(code, err)
				}
			})
			return
		}
	}
}

func (c *Conn) writePump() {
	for data := range c.writeCh {
		sock := c.transport()
		if sock == nil || c.closed.Load() {
			return
		}
		if _, err := sock.Write(data); err != nil {
			if !c.closed.Load() {
				c.nm.Dispatch(func() {
					if !c.closed.Load() {
						c.handler(EventNetError, err)
					}
				})
			}
			return
		}
		c.nm.Dispatch(func() {
			if !c.closed.Load() {
				c.handler(EventNetWrote, nil)
			}
		})
	}
}

// InBuffer exposes the receive buffer. Loop goroutine only.
func (c *Conn) InBuffer() *bytes.Buffer { return &c.in }

// OutBuffer exposes the pending output buffer. Loop goroutine only.
func (c *Conn) OutBuffer() *bytes.Buffer { return &c.out }

// Write appends opaque body bytes to the pending output.
func (c *Conn) Write(p []byte) {
	c.out.Write(p)
}

// StartFlush hands the pending output to the writer. Loop goroutine only.
func (c *Conn) StartFlush() {
	if c.out.Len() == 0 || c.closed.Load() {
		return
	}
	data := make([]byte, c.out.Len())
	copy(data, c.out.Bytes())
	c.out.Reset()
	select {
	case c.writeCh <- data:
	default:
		// Writer backlogged; treat as a dead peer.
		c.nm.Dispatch(func() {
			if !c.closed.Load() {
				c.handler(EventNetError, errors.New("write backlog overflow"))
			}
		})
	}
}

func (c *Conn) SetMaxReadAhead(n int) {
	c.maxReadAhead.Store(int64(n))
}

func (c *Conn) SetInactivityTimeout(seconds int) {
	c.inactivityTimeout.Store(int64(seconds))
}

// IsGood reports an established, unclosed transport.
func (c *Conn) IsGood() bool {
	return c.connected.Load() && !c.closed.Load()
}

// GetSockLocation returns the local address of the transport.
func (c *Conn) GetSockLocation() (common.ServerLocation, error) {
	sock := c.transport()
	if sock == nil {
		return common.ServerLocation{}, errors.New("not connected")
	}
	host, portStr, err := net.SplitHostPort(sock.LocalAddr().String())
	if err != nil {
		return common.ServerLocation{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return common.ServerLocation{}, err
	}
	return common.ServerLocation{Hostname: host, Port: port}, nil
}

// PeerName names the remote endpoint for logs.
func (c *Conn) PeerName() string {
	sock := c.transport()
	if sock == nil {
		return "not connected"
	}
	return sock.RemoteAddr().String()
}

// SetFilter installs a connection filter, wrapping the transport.
func (c *Conn) SetFilter(f Filter) error {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.sock == nil {
		return errors.New("not connected")
	}
	wrapped, err := f.Wrap(c.sock)
	if err != nil {
		return err
	}
	c.sock = wrapped
	c.filter = f
	return nil
}

// HasFilter reports whether a filter is installed.
func (c *Conn) HasFilter() bool {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.filter != nil
}

// ShutdownFilter performs the filter's clean close and removes it.
func (c *Conn) ShutdownFilter() error {
	c.sockMu.Lock()
	f := c.filter
	c.filter = nil
	c.sockMu.Unlock()
	if f == nil {
		return nil
	}
	return f.Shutdown()
}

// Close tears the transport down. Further events are suppressed.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.connected.Store(false)
	c.sockMu.Lock()
	sock := c.sock
	c.sock = nil
	c.filter = nil
	c.sockMu.Unlock()
	if sock != nil {
		sock.Close()
	}
	close(c.writeCh)
}
