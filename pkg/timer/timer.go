// Package timer arms, fires and cancels single-shot deadlines keyed by
// lifecycle instance.
//
// Guarantees:
//   - a callback runs at most once and never before its fire time
//   - cancelling before the fire guarantees the callback never runs
//   - once a fire has started, cancellation is a no-op (fire wins)
//   - at most one live timer exists per key; re-arming replaces the old one
//
// Callbacks for different keys run concurrently on their own goroutines.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	stateArmed int32 = iota
	stateFiring
	stateCancelled
)

// Callback runs when a deadline elapses. The context is cancelled when the
// service is closed.
type Callback func(ctx context.Context)

// Handle identifies one armed timer.
type Handle struct {
	key    string
	fireAt time.Time
	state  atomic.Int32
	timer  clockwork.Timer
	done   chan struct{}
}

// Key returns the instance key the handle was armed for.
func (h *Handle) Key() string { return h.key }

// FireAt returns the scheduled fire time.
func (h *Handle) FireAt() time.Time { return h.fireAt }

// Fired reports whether the callback has started.
func (h *Handle) Fired() bool { return h.state.Load() == stateFiring }

// Done is closed once the callback returns. It never closes for a
// cancelled handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Service is the clock/timer service.
type Service struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a timer service driven by clock. A nil clock uses the real one.
func New(clock clockwork.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		clock:   clock,
		logger:  logger.With("component", "timer"),
		handles: make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Arm schedules cb to run at fireAt under key. Any live timer for the same
// key is cancelled first. A fireAt in the past fires as soon as possible.
func (s *Service) Arm(key string, fireAt time.Time, cb Callback) (*Handle, error) {
	h := &Handle{key: key, fireAt: fireAt, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if prev, ok := s.handles[key]; ok {
		s.stopLocked(prev)
	}
	s.handles[key] = h

	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.wg.Add(1)
	h.timer = s.clock.AfterFunc(delay, func() { s.fire(h, cb) })
	s.mu.Unlock()

	s.logger.Debug("timer armed", "key", key, "fire_at", fireAt)
	return h, nil
}

func (s *Service) fire(h *Handle, cb Callback) {
	defer s.wg.Done()
	if !h.state.CompareAndSwap(stateArmed, stateFiring) {
		return
	}

	s.mu.Lock()
	if s.handles[h.key] == h {
		delete(s.handles, h.key)
	}
	s.mu.Unlock()

	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked", "key", h.key, "panic", r)
		}
	}()
	cb(s.ctx)
}

// Cancel stops h. It reports true when the callback is now guaranteed never
// to run and false when the fire already started or h was cancelled before.
func (s *Service) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(h)
}

// CancelKey cancels the live timer armed under key, if any.
func (s *Service) CancelKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	if !ok {
		return false
	}
	return s.stopLocked(h)
}

func (s *Service) stopLocked(h *Handle) bool {
	if !h.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	if s.handles[h.key] == h {
		delete(s.handles, h.key)
	}
	if h.timer != nil && h.timer.Stop() {
		// The AfterFunc will never run, so its wait slot is released here.
		s.wg.Done()
	}
	return true
}

// Pending reports whether a live timer is armed under key.
func (s *Service) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[key]
	return ok
}

// Len returns the number of live timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close cancels every live timer, cancels the callback context and waits
// for running callbacks to return.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, h := range s.handles {
		s.stopLocked(h)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// ErrClosed is returned by Arm after Close.
var ErrClosed = errors.New("timer service closed")
