package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"go-chat-realtime/internal/protocol"
)

// Handler receives the payload of a topic event.
type Handler func(data json.RawMessage)

// AckFunc receives the payload of an ack.
type AckFunc func(data json.RawMessage)

// State is a read-only snapshot of the connection.
type State struct {
	Connected        bool
	Latency          time.Duration
	LatencyKnown     bool
	ReconnectAttempt int
	Transport        string
	// Terminal is set once reconnection attempts are exhausted. Only
	// Restart leaves it.
	Terminal bool
}

type subscription struct {
	handler Handler
}

// Manager keeps one logical connection to the realtime server. It negotiates
// the transport, reconnects with capped exponential backoff, re-sends topic
// subscriptions after every reconnect and measures latency while connected.
// Transport errors are logged and never returned.
type Manager struct {
	opts   Options
	logger *slog.Logger
	ep     endpoint
	client *http.Client

	dial  func(ctx context.Context) (transport, error)
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	state   State
	link    transport
	subs    map[string][]*subscription
	pending map[uint64]AckFunc
	nextID  uint64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	ep, err := newEndpoint(opts.URL, opts.Path, opts.Token)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	close(done)
	m := &Manager{
		opts:    opts,
		logger:  opts.Logger,
		ep:      ep,
		client:  &http.Client{},
		sleep:   sleepContext,
		subs:    make(map[string][]*subscription),
		pending: make(map[uint64]AckFunc),
		done:    done,
	}
	m.dial = m.negotiate
	return m, nil
}

// Start begins connecting in the background. It is a no-op while the
// Manager is already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = State{}
	go m.run(ctx, m.done)
}

// Restart drops any current connection and starts over with a fresh
// attempt counter. It is how a terminal Manager is revived.
func (m *Manager) Restart(ctx context.Context) {
	m.Close()
	m.Start(ctx)
}

// Close disconnects and waits for the background loop to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}

// Done is closed when the background loop exits, either after Close or
// after reconnection attempts run out.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// Latency is the last probe round trip. ok is false while disconnected or
// before the first probe answers.
func (m *Manager) Latency() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Latency, m.state.LatencyKnown
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	b := m.opts.newBackOff()
	attempts := 0
	for {
		if m.connect(ctx) {
			b.Reset()
			attempts = 0
		}
		if ctx.Err() != nil {
			return
		}
		if attempts >= m.opts.ReconnectionAttempts {
			m.mu.Lock()
			m.state.Terminal = true
			m.mu.Unlock()
			m.logger.Warn("[SOCKET] Giving up on reconnection", "attempts", attempts)
			return
		}

		attempts++
		delay := b.NextBackOff()
		m.mu.Lock()
		m.state.ReconnectAttempt = attempts
		m.mu.Unlock()

		m.logger.Debug("[SOCKET] Reconnecting", "attempt", attempts, "delay", delay)
		if !m.sleep(ctx, delay) {
			return
		}
	}
}

// connect dials once and, on success, serves the link until it drops. It
// reports whether a connection was established.
func (m *Manager) connect(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	link, err := m.dial(dialCtx)
	cancel()
	if err != nil {
		m.logger.Debug("[SOCKET] Connect failed", "error", err)
		return false
	}

	linkCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-linkCtx.Done()
		link.Close()
	}()

	topics := m.attach(link)
	m.logger.Info("[SOCKET] Connected", "transport", link.Name())

	for _, topic := range topics {
		m.send(link, protocol.EventSubscribe, topic, m.subscribeAck(topic))
	}
	go m.probe(linkCtx, link)

	m.serve(linkCtx, link)
	stop()
	m.detach()
	m.logger.Info("[SOCKET] Disconnected")
	return true
}

func (m *Manager) attach(link transport) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = link
	m.state.Connected = true
	m.state.Transport = link.Name()
	m.state.ReconnectAttempt = 0
	m.state.Latency = 0
	m.state.LatencyKnown = false

	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	return topics
}

func (m *Manager) detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link = nil
	m.state.Connected = false
	m.state.Transport = ""
	m.state.Latency = 0
	m.state.LatencyKnown = false
	m.pending = make(map[uint64]AckFunc)
}

func (m *Manager) serve(ctx context.Context, link transport) {
	for {
		frames, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("[SOCKET] Link lost", "transport", link.Name(), "error", err)
			}
			return
		}
		for _, f := range frames {
			m.dispatch(f)
		}
	}
}

func (m *Manager) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameEvent:
		m.mu.Lock()
		subs := append([]*subscription(nil), m.subs[f.Event]...)
		m.mu.Unlock()
		for _, s := range subs {
			s.handler(f.Data)
		}

	case protocol.FrameAck:
		m.mu.Lock()
		fn := m.pending[f.ID]
		delete(m.pending, f.ID)
		m.mu.Unlock()
		if fn != nil {
			fn(f.Data)
		}

	case protocol.FrameError:
		m.logger.Debug("[SOCKET] Server error frame", "data", string(f.Data))
	}
}

// Emit sends an event on the current link. It reports false when there is
// no connection or the send failed; nothing is queued.
func (m *Manager) Emit(event string, data interface{}, ack AckFunc) bool {
	m.mu.Lock()
	link := m.link
	m.mu.Unlock()
	if link == nil {
		return false
	}
	return m.send(link, event, data, ack)
}

func (m *Manager) send(link transport, event string, data interface{}, ack AckFunc) bool {
	var id uint64
	if ack != nil {
		m.mu.Lock()
		m.nextID++
		id = m.nextID
		m.pending[id] = ack
		m.mu.Unlock()
	}

	f, err := protocol.NewEvent(event, id, data)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
		err = link.Send(ctx, f)
		cancel()
	}
	if err != nil {
		m.logger.Debug("[SOCKET] Emit failed", "event", event, "error", err)
		if id != 0 {
			m.mu.Lock()
			delete(m.pending, id)
			m.mu.Unlock()
		}
		return false
	}
	return true
}

// Subscribe registers handler for a topic. The subscription survives
// reconnects; the returned func removes it.
func (m *Manager) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	sub := &subscription{handler: handler}

	m.mu.Lock()
	first := len(m.subs[topic]) == 0
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	if first {
		m.Emit(protocol.EventSubscribe, topic, m.subscribeAck(topic))
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(topic, sub) })
	}
}

func (m *Manager) unsubscribe(topic string, sub *subscription) {
	m.mu.Lock()
	subs := m.subs[topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	last := len(subs) == 0
	if last {
		delete(m.subs, topic)
	} else {
		m.subs[topic] = subs
	}
	m.mu.Unlock()

	if last {
		m.Emit(protocol.EventUnsubscribe, topic, nil)
	}
}

type subscribeReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (m *Manager) subscribeAck(topic string) AckFunc {
	return func(data json.RawMessage) {
		var reply subscribeReply
		if err := json.Unmarshal(data, &reply); err != nil || !reply.OK {
			m.logger.Warn("[SOCKET] Subscription refused", "topic", topic, "error", reply.Error)
		}
	}
}

// probe measures round-trip latency on link until ctx ends.
func (m *Manager) probe(ctx context.Context, link transport) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			m.send(link, protocol.EventPingCheck, nil, func(json.RawMessage) {
				m.recordLatency(link, time.Since(start))
			})
		}
	}
}

func (m *Manager) recordLatency(link transport, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != link {
		return
	}
	m.state.Latency = d
	m.state.LatencyKnown = true
}

// negotiate opens a polling session and upgrades it to websocket when both
// sides allow it. Without polling it dials websocket directly.
func (m *Manager) negotiate(ctx context.Context) (transport, error) {
	if !m.opts.wants(protocol.TransportPolling) {
		ws, _, err := dialWebsocket(ctx, m.ep, "")
		if err != nil {
			return nil, err
		}
		return ws, nil
	}

	poll, open, err := openPolling(ctx, m.client, m.ep)
	if err != nil {
		return nil, err
	}
	if m.opts.DisableUpgrade || !m.opts.wants(protocol.TransportWebsocket) || !offers(open.Upgrades, protocol.TransportWebsocket) {
		return poll, nil
	}

	ws, _, err := dialWebsocket(ctx, m.ep, open.SID)
	if err != nil {
		m.logger.Debug("[SOCKET] Upgrade failed, staying on polling", "error", err)
		return poll, nil
	}
	return ws, nil
}

func offers(upgrades []string, transport string) bool {
	for _, u := range upgrades {
		if u == transport {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
