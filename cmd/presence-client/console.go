package main

import (
	"io"
	"sync"

	"go-chat-realtime/internal/presence"
)

// console is the terminal's input source: typed lines are key presses and
// /hide, /show stand in for window visibility.
type console struct {
	mu           sync.Mutex
	onSignal     func(presence.SignalKind)
	onVisibility func(bool)
}

func (c *console) Subscribe(onSignal func(presence.SignalKind), onVisibility func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignal = onSignal
	c.onVisibility = onVisibility
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onSignal = nil
		c.onVisibility = nil
	}
}

func (c *console) signal(kind presence.SignalKind) {
	c.mu.Lock()
	fn := c.onSignal
	c.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (c *console) visibility(visible bool) {
	c.mu.Lock()
	fn := c.onVisibility
	c.mu.Unlock()
	if fn != nil {
		fn(visible)
	}
}

// syncWriter serializes writes so lines printed from the session loop, the
// connection manager and the input reader never interleave.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
