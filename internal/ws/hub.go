package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"go-chat-realtime/internal/metrics"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/protocol"
)

var ErrForbidden = errors.New("not allowed to subscribe")

// SubscribeAuthorizer decides whether a profile may follow a conversation.
type SubscribeAuthorizer func(ctx context.Context, profileID, conversationID string) (bool, error)

// Hub is the channel router: it keeps every live session and, per topic key,
// the set of sessions subscribed to it.
type Hub struct {
	// Registered sessions by id
	sessions map[string]*Session

	// Map: topic -> set of sessions
	topics map[string]map[*Session]bool

	// Lock for thread-safe access
	mu sync.RWMutex

	// Unregister requests from transports
	unregister chan *Session

	authorize SubscribeAuthorizer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Polling sessions that have not polled for this long are dropped.
	pollIdleTimeout time.Duration
	reapInterval    time.Duration
}

type Option func(*Hub)

func WithAuthorizer(a SubscribeAuthorizer) Option {
	return func(h *Hub) { h.authorize = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithPollIdleTimeout(d time.Duration) Option {
	return func(h *Hub) {
		h.pollIdleTimeout = d
		h.reapInterval = d / 2
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sessions:        make(map[string]*Session),
		topics:          make(map[string]map[*Session]bool),
		unregister:      make(chan *Session, 64),
		logger:          slog.Default(),
		pollIdleTimeout: pongWait,
		reapInterval:    pongWait / 2,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes unregister requests and reaps idle polling sessions until
// ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("[HUB] Starting hub event loop")
	ticker := time.NewTicker(h.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("[HUB] Hub stopped")
			return

		case s := <-h.unregister:
			h.remove(s)

		case now := <-ticker.C:
			h.reapIdle(now)
		}
	}
}

// register makes the session resolvable by id before its open frame is
// written, so the client's next request can find it.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[s.id] = s
	if h.metrics != nil {
		h.metrics.Sessions.WithLabelValues(s.Transport()).Inc()
	}
	h.logger.Debug("[HUB] Session registered", "sid", s.id, "profile", s.profileID, "transport", s.Transport(), "total", len(h.sessions))
}

// remove drops a session from the registry and every topic. It is safe to
// call more than once.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		s.close()
		return
	}
	delete(h.sessions, s.id)

	for topic := range s.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
		if h.metrics != nil {
			h.metrics.Subscriptions.Dec()
		}
	}
	s.topics = nil
	if h.metrics != nil {
		h.metrics.Sessions.WithLabelValues(s.Transport()).Dec()
	}
	remaining := len(h.sessions)
	h.mu.Unlock()

	s.close()
	h.logger.Debug("[HUB] Session unregistered", "sid", s.id, "profile", s.profileID, "total", remaining)
}

func (h *Hub) requestUnregister(s *Session) {
	select {
	case h.unregister <- s:
	default:
		// Run is saturated or stopped; remove inline.
		h.remove(s)
	}
}

func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) markUpgraded(s *Session) {
	if h.metrics == nil {
		return
	}
	h.metrics.Sessions.WithLabelValues(protocol.TransportPolling).Dec()
	h.metrics.Sessions.WithLabelValues(protocol.TransportWebsocket).Inc()
}

// Subscribe adds s to topic. Only well-formed conversation topic keys are
// accepted, and the authorizer, when set, must approve the profile.
func (h *Hub) Subscribe(ctx context.Context, s *Session, topic string) error {
	conversationID, err := models.ParseTopicKey(topic)
	if err != nil {
		return err
	}
	if h.authorize != nil {
		ok, err := h.authorize(ctx, s.profileID, conversationID)
		if err != nil {
			return fmt.Errorf("authorize subscription: %w", err)
		}
		if !ok {
			return ErrForbidden
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.id]; !ok {
		return errSessionClosed
	}
	if s.topics[topic] {
		return nil
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Session]bool)
	}
	h.topics[topic][s] = true
	s.topics[topic] = true
	if h.metrics != nil {
		h.metrics.Subscriptions.Inc()
	}

	h.logger.Debug("[HUB] Subscribed", "sid", s.id, "topic", topic, "subscribers", len(h.topics[topic]))
	return nil
}

func (h *Hub) Unsubscribe(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !s.topics[topic] {
		return
	}
	delete(s.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if h.metrics != nil {
		h.metrics.Subscriptions.Dec()
	}
}

// BroadcastMessage emits payload as an event named after topic to every
// current subscriber. It never waits on a subscriber and never retries.
func (h *Hub) BroadcastMessage(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode broadcast payload: %w", err)
	}
	h.Deliver(&models.BroadcastMessage{Topic: topic, Payload: raw})
	return nil
}

// Deliver fans msg out to the sessions subscribed to msg.Topic and returns how
// many accepted it. A subscriber whose buffer is full loses the frame and is
// disconnected; it recovers by reconnecting and refetching.
func (h *Hub) Deliver(msg *models.BroadcastMessage) int {
	frame, err := protocol.NewEvent(msg.Topic, 0, msg.Payload)
	if err != nil {
		h.logger.Error("[HUB] Failed to build broadcast frame", "topic", msg.Topic, "error", err)
		return 0
	}
	encoded, err := frame.Encode()
	if err != nil {
		h.logger.Error("[HUB] Failed to encode broadcast frame", "topic", msg.Topic, "error", err)
		return 0
	}

	var dropped []*Session
	sent := 0

	h.mu.RLock()
	subs := h.topics[msg.Topic]
	for s := range subs {
		if s.enqueue(encoded) {
			sent++
		} else {
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.FramesSent.Add(float64(sent))
		h.metrics.FramesDropped.Add(float64(len(dropped)))
		result := "delivered"
		if len(subs) == 0 {
			result = "no_subscribers"
		}
		h.metrics.Broadcasts.WithLabelValues(result).Inc()
	}

	for _, s := range dropped {
		h.logger.Warn("[HUB] Session buffer full, disconnecting", "sid", s.id, "profile", s.profileID, "topic", msg.Topic)
		h.remove(s)
	}

	h.logger.Debug("[HUB] Broadcast complete", "topic", msg.Topic, "sent", sent, "failed", len(dropped))
	return sent
}

// Subscribers returns the profile ids subscribed to topic.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := []string{}
	for s := range h.topics[topic] {
		users = append(users, s.profileID)
	}
	return users
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) reapIdle(now time.Time) {
	h.mu.RLock()
	var idle []*Session
	for _, s := range h.sessions {
		if s.pollIdleSince(now) > h.pollIdleTimeout {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range idle {
		h.logger.Info("[HUB] Reaping idle polling session", "sid", s.id, "profile", s.profileID)
		h.remove(s)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		h.remove(s)
	}
}
