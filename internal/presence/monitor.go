package presence

import "time"

// SignalKind is a raw user interaction.
type SignalKind int

const (
	PointerDown SignalKind = iota
	KeyDown
	TouchStart
	// PointerMove is observed by input sources but never counts as activity.
	PointerMove
)

func (k SignalKind) String() string {
	switch k {
	case PointerDown:
		return "pointer-down"
	case KeyDown:
		return "key-down"
	case TouchStart:
		return "touch-start"
	case PointerMove:
		return "pointer-move"
	}
	return "unknown"
}

func (k SignalKind) qualifies() bool {
	return k == PointerDown || k == KeyDown || k == TouchStart
}

// ActivityMonitor throttles raw signals into coarse activity events and
// forwards visibility changes as they happen.
type ActivityMonitor struct {
	throttle     time.Duration
	lastAccepted time.Time
	seen         bool

	onActivity   func(at time.Time)
	onVisibility func(visible bool)
}

func NewActivityMonitor(throttle time.Duration, onActivity func(time.Time), onVisibility func(bool)) *ActivityMonitor {
	return &ActivityMonitor{
		throttle:     throttle,
		onActivity:   onActivity,
		onVisibility: onVisibility,
	}
}

// Signal reports whether the signal was accepted. A signal less than the
// throttle window after the last accepted one is dropped.
func (m *ActivityMonitor) Signal(kind SignalKind, at time.Time) bool {
	if !kind.qualifies() {
		return false
	}
	if m.seen && at.Sub(m.lastAccepted) < m.throttle {
		return false
	}
	m.seen = true
	m.lastAccepted = at
	if m.onActivity != nil {
		m.onActivity(at)
	}
	return true
}

func (m *ActivityMonitor) Visibility(visible bool) {
	if m.onVisibility != nil {
		m.onVisibility(visible)
	}
}
