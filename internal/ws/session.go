package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"go-chat-realtime/internal/protocol"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB

	// Frames buffered per session before it counts as a slow consumer
	sendBuffer = 256

	// Frames returned by one long-poll response at most
	maxPollBatch = 64
)

var errSessionClosed = errors.New("session closed")

// Session is one logical client connection. It starts on the polling
// transport (or directly on websocket) and may be upgraded once.
type Session struct {
	id        string
	hub       *Hub
	profileID string
	send      chan []byte

	// topics is guarded by hub.mu
	topics map[string]bool

	mu        sync.Mutex
	transport string
	conn      *websocket.Conn
	polling   bool
	lastPoll  time.Time

	upgraded  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(id string, hub *Hub, profileID, transport string) *Session {
	return &Session{
		id:        id,
		hub:       hub,
		profileID: profileID,
		send:      make(chan []byte, sendBuffer),
		topics:    make(map[string]bool),
		transport: transport,
		lastPoll:  time.Now(),
		upgraded:  make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) ProfileID() string { return s.profileID }

func (s *Session) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// enqueue never blocks: it reports false when the session is closed or its
// buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) emit(f protocol.Frame) {
	b, err := f.Encode()
	if err != nil {
		s.hub.logger.Error("[SESSION] Failed to encode frame", "sid", s.id, "type", f.Type, "error", err)
		return
	}
	if !s.enqueue(b) {
		s.hub.logger.Warn("[SESSION] Dropped frame", "sid", s.id, "type", f.Type)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// attachWebsocket moves the session onto conn. Pending and later polls are
// answered with a noop so the client stops polling.
func (s *Session) attachWebsocket(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return false
	}
	wasPolling := s.transport == protocol.TransportPolling
	s.conn = conn
	s.transport = protocol.TransportWebsocket
	if wasPolling {
		close(s.upgraded)
	}
	return true
}

func (s *Session) beginPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polling || s.transport != protocol.TransportPolling {
		return false
	}
	s.polling = true
	s.lastPoll = time.Now()
	return true
}

func (s *Session) endPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = false
	s.lastPoll = time.Now()
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll = time.Now()
}

// pollIdleSince is zero for websocket sessions and for sessions with a poll
// in flight.
func (s *Session) pollIdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != protocol.TransportPolling || s.polling {
		return 0
	}
	return now.Sub(s.lastPoll)
}

// handleFrame applies one client frame, whichever transport carried it.
func (s *Session) handleFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.FrameEvent:
		s.handleEvent(ctx, f)
	case protocol.FrameClose:
		s.hub.requestUnregister(s)
	case protocol.FrameNoop, protocol.FrameAck:
	default:
		s.hub.logger.Warn("[SESSION] Unexpected frame type", "sid", s.id, "type", f.Type)
	}
}

type subscribeAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Session) handleEvent(ctx context.Context, f protocol.Frame) {
	switch f.Event {
	case protocol.EventPingCheck:
		s.ack(f.ID, nil)

	case protocol.EventSubscribe:
		var topic string
		if err := json.Unmarshal(f.Data, &topic); err != nil {
			s.ack(f.ID, subscribeAck{Error: "topic must be a string"})
			return
		}
		if err := s.hub.Subscribe(ctx, s, topic); err != nil {
			s.hub.logger.Warn("[SESSION] Subscribe rejected", "sid", s.id, "profile", s.profileID, "topic", topic, "error", err)
			s.ack(f.ID, subscribeAck{Error: err.Error()})
			return
		}
		s.ack(f.ID, subscribeAck{OK: true})

	case protocol.EventUnsubscribe:
		var topic string
		if err := json.Unmarshal(f.Data, &topic); err == nil {
			s.hub.Unsubscribe(s, topic)
		}
		s.ack(f.ID, subscribeAck{OK: true})

	default:
		s.hub.logger.Warn("[SESSION] Unknown event", "event", f.Event, "sid", s.id, "profile", s.profileID)
	}
}

func (s *Session) ack(id uint64, data interface{}) {
	if id == 0 {
		return
	}
	f, err := protocol.NewAck(id, data)
	if err != nil {
		s.hub.logger.Error("[SESSION] Failed to build ack", "sid", s.id, "error", err)
		return
	}
	s.emit(f)
}

// ReadPump pumps frames from the websocket into the session
func (s *Session) ReadPump(conn *websocket.Conn) {
	defer s.hub.requestUnregister(s)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("[SESSION] Unexpected close", "sid", s.id, "profile", s.profileID, "error", err)
			}
			return
		}

		f, err := protocol.Decode(message)
		if err != nil {
			s.hub.logger.Error("[SESSION] Error decoding frame", "sid", s.id, "profile", s.profileID, "error", err)
			continue
		}
		s.handleFrame(ctx, f)
	}
}

// WritePump pumps frames from the session to the websocket
func (s *Session) WritePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.logger.Debug("[SESSION] Failed to write frame", "sid", s.id, "error", err)
				s.hub.requestUnregister(s)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.logger.Debug("[SESSION] Failed to send ping", "sid", s.id, "error", err)
				s.hub.requestUnregister(s)
				return
			}
		}
	}
}

// poll waits up to timeout for frames queued to a polling session.
func (s *Session) poll(ctx context.Context, timeout time.Duration) [][]byte {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var batch [][]byte
	select {
	case b := <-s.send:
		batch = append(batch, b)
	case <-s.upgraded:
		return [][]byte{encodeControl(protocol.FrameNoop)}
	case <-s.closed:
		return [][]byte{encodeControl(protocol.FrameClose)}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}

	for len(batch) < maxPollBatch {
		select {
		case b := <-s.send:
			batch = append(batch, b)
		default:
			return batch
		}
	}
	return batch
}

func encodeControl(t protocol.FrameType) []byte {
	b, _ := protocol.Frame{Type: t}.Encode()
	return b
}
