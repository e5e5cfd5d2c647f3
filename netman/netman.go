// Package netman provides the cooperative event loop the control-plane
// state machines run on. All handler callbacks execute on the loop
// goroutine; code on other goroutines posts work with Dispatch and nudges
// the loop with Wakeup. Timeout handlers run once per loop pass.
package netman

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Connection and loop events delivered to an EventHandler.
const (
	EventNetRead = iota
	EventNetWrote
	EventNetError
	EventInactivityTimeout
	EventCmdDone
)

// EventHandler receives connection events on the loop goroutine.
type EventHandler func(code int, data any)

// ITimeout is a periodic handler driven by the loop's tick.
type ITimeout interface {
	Timeout()
}

type NetManager struct {
	events   chan func()
	wakeupCh chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	running atomic.Bool
	nowNs   atomic.Int64

	mu       sync.Mutex
	handlers []ITimeout

	tick time.Duration
}

// New creates a net manager with the given tick interval; zero selects
// the default of one second, the granularity the reconnect and
// inactivity policies are specified in.
func New(tick time.Duration) *NetManager {
	if tick <= 0 {
		tick = time.Second
	}
	nm := &NetManager{
		events:   make(chan func(), 256),
		wakeupCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		tick:     tick,
	}
	nm.nowNs.Store(time.Now().UnixNano())
	return nm
}

// Start runs the event loop on its own goroutine.
func (nm *NetManager) Start() {
	if !nm.running.CompareAndSwap(false, true) {
		return
	}
	go nm.loop()
}

func (nm *NetManager) loop() {
	ticker := time.NewTicker(nm.tick)
	defer ticker.Stop()
	for {
		select {
		case <-nm.done:
			return
		case fn := <-nm.events:
			fn()
		case <-nm.wakeupCh:
			nm.nowNs.Store(time.Now().UnixNano())
			nm.runTimeoutHandlers()
		case <-ticker.C:
			nm.nowNs.Store(time.Now().UnixNano())
			nm.runTimeoutHandlers()
		}
	}
}

func (nm *NetManager) runTimeoutHandlers() {
	nm.mu.Lock()
	handlers := make([]ITimeout, len(nm.handlers))
	copy(handlers, nm.handlers)
	nm.mu.Unlock()
	for _, h := range handlers {
		h.Timeout()
	}
}

// IsRunning reports whether the loop accepts work.
func (nm *NetManager) IsRunning() bool {
	return nm.running.Load()
}

// Now returns the loop's cached wall clock, updated each pass.
func (nm *NetManager) Now() time.Time {
	return time.Unix(0, nm.nowNs.Load())
}

// Wakeup forces an immediate loop pass. Safe from any goroutine.
func (nm *NetManager) Wakeup() {
	select {
	case nm.wakeupCh <- struct{}{}:
	default:
	}
}

// Dispatch posts fn to run on the loop goroutine. After shutdown the
// function is dropped.
func (nm *NetManager) Dispatch(fn func()) {
	if !nm.running.Load() {
		return
	}
	select {
	case nm.events <- fn:
	case <-nm.done:
	}
}

// Shutdown terminates the event loop. Idempotent.
func (nm *NetManager) Shutdown() {
	if !nm.running.CompareAndSwap(true, false) {
		return
	}
	nm.stopOnce.Do(func() { close(nm.done) })
	log.Debug().Msg("net manager shut down")
}

func (nm *NetManager) RegisterTimeoutHandler(h ITimeout) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.handlers = append(nm.handlers, h)
}

func (nm *NetManager) UnregisterTimeoutHandler(h ITimeout) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	for i, cur := range nm.handlers {
		if cur == h {
			nm.handlers = append(nm.handlers[:i], nm.handlers[i+1:]...)
			return
		}
	}
}
