package presence

import "time"

// Timer names owned by the state machine.
const (
	timerIdle      = "idle"
	timerPromote   = "promote"
	timerHeartbeat = "heartbeat"
)

type scheduled struct {
	timer Timer
	gen   uint64
}

// Scheduler owns named, cancellable timers. Scheduling a name cancels any
// earlier timer under that name. Callbacks are handed to post, which runs
// them on the session loop; a callback whose timer was cancelled or replaced
// in the meantime is discarded there.
//
// A Scheduler is not safe for concurrent use. Call it from the loop only.
type Scheduler struct {
	clock  Clock
	post   func(func())
	timers map[string]*scheduled
	gen    uint64
}

func NewScheduler(clock Clock, post func(func())) *Scheduler {
	if post == nil {
		post = func(f func()) { f() }
	}
	return &Scheduler{
		clock:  clock,
		post:   post,
		timers: make(map[string]*scheduled),
	}
}

// After runs fn once, d from now.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	s.Cancel(name)

	s.gen++
	entry := &scheduled{gen: s.gen}
	s.timers[name] = entry
	entry.timer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.fire(name, entry.gen, fn) })
	})
}

// Every runs fn each interval until the name is cancelled.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	var tick func()
	tick = func() {
		s.After(name, interval, tick)
		fn()
	}
	s.After(name, interval, tick)
}

func (s *Scheduler) fire(name string, gen uint64, fn func()) {
	current, ok := s.timers[name]
	if !ok || current.gen != gen {
		return
	}
	delete(s.timers, name)
	fn()
}

func (s *Scheduler) Cancel(name string) {
	if entry, ok := s.timers[name]; ok {
		entry.timer.Stop()
		delete(s.timers, name)
	}
}

func (s *Scheduler) CancelAll() {
	for name := range s.timers {
		s.Cancel(name)
	}
}

func (s *Scheduler) Pending(name string) bool {
	_, ok := s.timers[name]
	return ok
}

// Len reports how many timers are outstanding.
func (s *Scheduler) Len() int {
	return len(s.timers)
}
