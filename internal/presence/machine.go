package presence

import (
	"log/slog"
	"time"

	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/models"
)

// Record is the presence state owned by a Machine.
type Record struct {
	Current        models.PresenceStatus
	LastActivityAt time.Time
	// LastPublishAt marks the last delivery attempt, successful or not. It
	// never moves backwards.
	LastPublishAt time.Time
}

// Machine decides the session's status from activity, visibility, timers
// and explicit commands. It must only be driven from the session loop.
type Machine struct {
	cfg    config.PresenceConfig
	clock  Clock
	sched  *Scheduler
	pub    *Publisher
	logger *slog.Logger

	rec     Record
	stopped bool

	// observe sees the record after every change.
	observe func(Record)
}

func NewMachine(cfg config.PresenceConfig, clock Clock, sched *Scheduler, pub *Publisher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		cfg:    cfg,
		clock:  clock,
		sched:  sched,
		pub:    pub,
		logger: logger,
		rec:    Record{Current: models.StatusOffline},
	}
}

func (m *Machine) Record() Record { return m.rec }

// Start goes ONLINE and arms the idle timer and the heartbeat.
func (m *Machine) Start() {
	m.rec.LastActivityAt = m.clock.Now()
	m.changed()

	m.transition(models.StatusOnline)
	m.resetIdle()
	m.sched.Every(timerHeartbeat, m.cfg.HeartbeatInterval, m.heartbeat)
}

// Activity records an accepted activity signal.
func (m *Machine) Activity(at time.Time) {
	if m.stopped {
		return
	}
	if at.After(m.rec.LastActivityAt) {
		m.rec.LastActivityAt = at
		m.changed()
	}
	m.resetIdle()

	if m.rec.Current == models.StatusIdle {
		m.sched.After(timerPromote, m.cfg.PromoteDebounce, m.promote)
	}
}

// Visibility applies a foreground/background change. DND ignores both
// directions apart from the idle timer reset.
func (m *Machine) Visibility(visible bool) {
	if m.stopped {
		return
	}
	if !visible {
		m.sched.Cancel(timerPromote)
		if m.rec.Current != models.StatusDND {
			m.transition(models.StatusIdle)
		}
		return
	}

	now := m.clock.Now()
	if now.After(m.rec.LastActivityAt) {
		m.rec.LastActivityAt = now
		m.changed()
	}
	if m.rec.Current != models.StatusDND {
		m.transition(models.StatusOnline)
	}
	m.resetIdle()
}

// SetStatus applies an explicit user choice. It goes through the same
// cooldown as every other change.
func (m *Machine) SetStatus(status models.PresenceStatus) {
	if m.stopped {
		return
	}
	m.sched.Cancel(timerPromote)
	m.transition(status)
	if status == models.StatusOnline {
		m.resetIdle()
	}
}

// Stop cancels every timer and fires exactly one OFFLINE beacon, whatever
// the cooldown says.
func (m *Machine) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.sched.CancelAll()

	if now := m.clock.Now(); now.After(m.rec.LastPublishAt) {
		m.rec.LastPublishAt = now
	}
	m.rec.Current = models.StatusOffline
	m.changed()
	m.pub.Final(models.StatusOffline)
}

func (m *Machine) resetIdle() {
	m.sched.After(timerIdle, m.cfg.IdleAfter, m.idle)
}

func (m *Machine) idle() {
	if m.rec.Current == models.StatusOnline {
		m.transition(models.StatusIdle)
	}
}

// promote fires after the debounce; it is a no-op once the state has moved
// away from IDLE.
func (m *Machine) promote() {
	if m.rec.Current == models.StatusIdle {
		m.transition(models.StatusOnline)
	}
}

func (m *Machine) heartbeat() {
	switch m.rec.Current {
	case models.StatusOffline, models.StatusDND:
		return
	}
	if m.clock.Now().Sub(m.rec.LastActivityAt) > m.cfg.IdleAfter {
		m.transition(models.StatusIdle)
	}
}

func (m *Machine) transition(target models.PresenceStatus) {
	if target == m.rec.Current {
		return
	}

	now := m.clock.Now()
	if !m.pub.Ready(m.rec.LastPublishAt, now) {
		m.logger.Debug("[PRESENCE] Status change dropped by cooldown",
			"from", m.rec.Current, "to", target, "since_last", now.Sub(m.rec.LastPublishAt))
		return
	}
	if now.After(m.rec.LastPublishAt) {
		m.rec.LastPublishAt = now
	}
	m.changed()

	m.logger.Info("[PRESENCE] Status change", "from", m.rec.Current, "to", target)
	m.pub.Deliver(target, func(err error) {
		if err != nil || m.stopped {
			return
		}
		m.rec.Current = target
		m.changed()
	})
}

func (m *Machine) changed() {
	if m.observe != nil {
		m.observe(m.rec)
	}
}
