package ws

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/protocol"
)

var errUnexpectedFrame = errors.New("expected upgrade frame")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Sessions are authenticated by token, not by origin.
		return true
	},
}

// Handler serves the realtime endpoint. The transport query parameter picks
// long-polling or websocket; sid addresses an existing session.
type Handler struct {
	hub         *Hub
	verifier    *auth.Verifier
	pollTimeout time.Duration
}

func NewHandler(hub *Hub, verifier *auth.Verifier, pollTimeout time.Duration) *Handler {
	return &Handler{hub: hub, verifier: verifier, pollTimeout: pollTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr

	claims, err := h.verifier.Validate(auth.ExtractTokenFromRequest(r))
	if err != nil {
		h.hub.logger.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	q := r.URL.Query()
	sid := q.Get("sid")

	switch transport := q.Get("transport"); {
	case transport == protocol.TransportWebsocket && r.Method == http.MethodGet:
		h.serveWebsocket(w, r, claims.Subject, sid)

	case transport == protocol.TransportPolling && r.Method == http.MethodGet && sid == "":
		h.handshake(w, claims.Subject)

	case transport == protocol.TransportPolling && r.Method == http.MethodGet:
		if s := h.lookup(w, sid, claims.Subject); s != nil {
			h.servePoll(w, r, s)
		}

	case transport == protocol.TransportPolling && r.Method == http.MethodPost:
		if s := h.lookup(w, sid, claims.Subject); s != nil {
			h.serveFrames(w, r, s)
		}

	case transport == protocol.TransportPolling || transport == protocol.TransportWebsocket:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")

	default:
		writeError(w, http.StatusBadRequest, "Unknown transport")
	}
}

func (h *Handler) openFrame(sid string, upgrades []string) protocol.Frame {
	data, _ := json.Marshal(protocol.OpenData{
		SID:          sid,
		Upgrades:     upgrades,
		PingInterval: pingPeriod.Milliseconds(),
		PingTimeout:  pongWait.Milliseconds(),
	})
	return protocol.Frame{Type: protocol.FrameOpen, Data: data}
}

// handshake opens a polling session and answers with its open frame.
func (h *Handler) handshake(w http.ResponseWriter, profileID string) {
	s := newSession(uuid.NewString(), h.hub, profileID, protocol.TransportPolling)
	h.hub.register(s)

	open, err := h.openFrame(s.id, []string{protocol.TransportWebsocket}).Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal Error")
		return
	}

	h.hub.logger.Info("[WS] Polling session opened", "sid", s.id, "profile", profileID)
	writeBatch(w, [][]byte{open})
}

func (h *Handler) lookup(w http.ResponseWriter, sid, profileID string) *Session {
	s := h.hub.session(sid)
	if s == nil || s.isClosed() {
		writeError(w, http.StatusBadRequest, "Session ID unknown")
		return nil
	}
	if s.profileID != profileID {
		writeError(w, http.StatusForbidden, "Session belongs to another profile")
		return nil
	}
	return s
}

func (h *Handler) servePoll(w http.ResponseWriter, r *http.Request, s *Session) {
	if !s.beginPoll() {
		writeError(w, http.StatusBadRequest, "Poll not allowed")
		return
	}
	defer s.endPoll()

	writeBatch(w, s.poll(r.Context(), h.pollTimeout))
}

func (h *Handler) serveFrames(w http.ResponseWriter, r *http.Request, s *Session) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body")
		return
	}
	frames, err := protocol.DecodeBatch(body)
	if err != nil {
		h.hub.logger.Warn("[WS] Bad polling payload", "sid", s.id, "error", err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	s.touch()
	for _, f := range frames {
		s.handleFrame(r.Context(), f)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// serveWebsocket either upgrades an existing polling session (sid given) or
// opens a new session directly on websocket.
func (h *Handler) serveWebsocket(w http.ResponseWriter, r *http.Request, profileID, sid string) {
	var existing *Session
	if sid != "" {
		if existing = h.lookup(w, sid, profileID); existing == nil {
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Error("[WS] Failed to upgrade connection", "profile", profileID, "error", err)
		return
	}

	if existing != nil {
		if err := awaitUpgradeFrame(conn); err != nil {
			h.hub.logger.Warn("[WS] Upgrade probe failed", "sid", sid, "error", err)
			conn.Close()
			return
		}
		if !existing.attachWebsocket(conn) {
			conn.Close()
			return
		}
		h.hub.markUpgraded(existing)
		h.hub.logger.Info("[WS] Session upgraded to websocket", "sid", sid, "profile", profileID)
		h.startPumps(existing, conn)
		return
	}

	s := newSession(uuid.NewString(), h.hub, profileID, protocol.TransportWebsocket)
	s.attachWebsocket(conn)
	h.hub.register(s)
	s.emit(h.openFrame(s.id, []string{}))

	h.hub.logger.Info("[WS] Websocket session opened", "sid", s.id, "profile", profileID)
	h.startPumps(s, conn)
}

func (h *Handler) startPumps(s *Session, conn *websocket.Conn) {
	go s.WritePump(conn)
	go s.ReadPump(conn)
}

func awaitUpgradeFrame(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(writeWait))
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	f, err := protocol.Decode(message)
	if err != nil {
		return err
	}
	if f.Type != protocol.FrameUpgrade {
		return errUnexpectedFrame
	}
	return conn.SetReadDeadline(time.Time{})
}

func writeBatch(w http.ResponseWriter, frames [][]byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(protocol.EncodeBatch(frames))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
