package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/models"
)

// manualClock only moves when Advance is called. Due timers fire in order
// on the caller's goroutine.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	seq   int
	fn    func()
	done  bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range c.timers {
			if t.done || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type statusCall struct {
	Status models.PresenceStatus
	At     time.Time
	Beacon bool
}

// recordingTransport records every delivery. failFor makes UpdateStatus fail
// for the given statuses.
type recordingTransport struct {
	mu      sync.Mutex
	clock   Clock
	calls   []statusCall
	failFor map[models.PresenceStatus]bool
}

func newRecordingTransport(clock Clock) *recordingTransport {
	return &recordingTransport{clock: clock, failFor: map[models.PresenceStatus]bool{}}
}

func (r *recordingTransport) UpdateStatus(_ context.Context, status models.PresenceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, statusCall{Status: status, At: r.clock.Now()})
	if r.failFor[status] {
		return errors.New("authority unavailable")
	}
	return nil
}

func (r *recordingTransport) Beacon(status models.PresenceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, statusCall{Status: status, At: r.clock.Now(), Beacon: true})
}

func (r *recordingTransport) Calls() []statusCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusCall(nil), r.calls...)
}

func (r *recordingTransport) Statuses() []models.PresenceStatus {
	var out []models.PresenceStatus
	for _, c := range r.Calls() {
		out = append(out, c.Status)
	}
	return out
}

func (r *recordingTransport) count(status models.PresenceStatus) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Status == status {
			n++
		}
	}
	return n
}

func testPresenceConfig() config.PresenceConfig {
	return config.DefaultClientConfig().Presence
}

// machineHarness runs a Machine synchronously: timers fire inside Advance and
// deliveries complete before Deliver returns.
type machineHarness struct {
	clock     *manualClock
	transport *recordingTransport
	sched     *Scheduler
	machine   *Machine
}

func newMachineHarness() *machineHarness {
	clock := newManualClock()
	transport := newRecordingTransport(clock)
	inline := func(f func()) { f() }

	sched := NewScheduler(clock, inline)
	cfg := testPresenceConfig()
	pub := NewPublisher(transport, cfg.PublishCooldown, cfg.RequestTimeout, nil)
	pub.async = inline

	return &machineHarness{
		clock:     clock,
		transport: transport,
		sched:     sched,
		machine:   NewMachine(cfg, clock, sched, pub, nil),
	}
}

func (h *machineHarness) current() models.PresenceStatus {
	return h.machine.Record().Current
}
