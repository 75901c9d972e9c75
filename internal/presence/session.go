package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/models"
)

var ErrSessionClosed = errors.New("presence session closed")

// InputSource delivers raw interaction and visibility signals. Subscribe
// returns the handle that releases the listeners.
type InputSource interface {
	Subscribe(onSignal func(SignalKind), onVisibility func(visible bool)) (unsubscribe func())
}

type SessionOption func(*Session)

func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithInputSources(sources ...InputSource) SessionOption {
	return func(s *Session) { s.sources = append(s.sources, sources...) }
}

// WithStatusListener is called from the loop whenever the confirmed status
// changes.
func WithStatusListener(fn func(models.PresenceStatus)) SessionOption {
	return func(s *Session) { s.listener = fn }
}

// Session runs the monitor, state machine and publisher on one loop
// goroutine. Signals, timer fires and delivery completions are all posted
// to that loop.
type Session struct {
	clock    Clock
	logger   *slog.Logger
	sources  []InputSource
	listener func(models.PresenceStatus)

	events  chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	monitor *ActivityMonitor
	machine *Machine
	sched   *Scheduler

	mu       sync.RWMutex
	snapshot Record
}

func NewSession(cfg config.PresenceConfig, transport StatusTransport, opts ...SessionOption) *Session {
	s := &Session{
		clock:   SystemClock(),
		logger:  slog.Default(),
		events:  make(chan func(), 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	pub := NewPublisher(transport, cfg.PublishCooldown, cfg.RequestTimeout, s.logger)
	pub.post = s.post

	s.sched = NewScheduler(s.clock, s.post)
	s.machine = NewMachine(cfg, s.clock, s.sched, pub, s.logger)
	s.machine.observe = s.record
	s.monitor = NewActivityMonitor(cfg.ActivityThrottle, s.machine.Activity, s.machine.Visibility)
	s.snapshot = s.machine.Record()
	return s
}

// Run drives the session until ctx ends or Close is called, then tears it
// down. Input sources are subscribed for the lifetime of Run.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	for _, src := range s.sources {
		unsubscribe := src.Subscribe(s.Signal, s.Visibility)
		defer unsubscribe()
	}

	s.logger.Info("[PRESENCE] Session started")
	s.machine.Start()

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			s.teardown()
			return nil
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		}
	}
}

func (s *Session) teardown() {
	s.machine.Stop()
	s.logger.Info("[PRESENCE] Session ended")
}

// post queues fn for the loop. It is dropped once the loop has exited.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// Signal feeds a raw interaction signal, stamped now.
func (s *Session) Signal(kind SignalKind) {
	at := s.clock.Now()
	s.post(func() { s.monitor.Signal(kind, at) })
}

// Activity is shorthand for a key-down signal.
func (s *Session) Activity() { s.Signal(KeyDown) }

func (s *Session) Visibility(visible bool) {
	s.post(func() { s.monitor.Visibility(visible) })
}

// SetStatus requests an explicit status. OFFLINE is reserved for teardown.
func (s *Session) SetStatus(status models.PresenceStatus) error {
	if !status.Valid() || status == models.StatusOffline {
		return fmt.Errorf("cannot set status %q", status)
	}
	select {
	case <-s.stopped:
		return ErrSessionClosed
	default:
	}
	s.post(func() { s.machine.SetStatus(status) })
	return nil
}

// Status is the last confirmed status.
func (s *Session) Status() models.PresenceStatus {
	return s.Record().Current
}

func (s *Session) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Close ends Run. It does not wait; Done is closed once teardown finishes.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) record(r Record) {
	s.mu.Lock()
	prev := s.snapshot.Current
	s.snapshot = r
	s.mu.Unlock()

	if r.Current != prev && s.listener != nil {
		s.listener(r.Current)
	}
}
