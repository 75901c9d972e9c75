// Package api serves the authority endpoints (user status) and the
// conversation message endpoint, and mounts the realtime socket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/metrics"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/store"
)

// Broadcaster fans a payload out to every subscriber of a topic. The
// in-process hub and the Redis relay both satisfy it.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, topic string, payload interface{}) error
}

// PresenceMirror is a best-effort, expiring copy of each profile's status.
type PresenceMirror interface {
	SetPresence(ctx context.Context, profileID string, status models.PresenceStatus, at time.Time) error
	GetPresence(ctx context.Context, profileID string) (models.PresenceData, bool, error)
}

type Server struct {
	store       *store.Store
	broadcaster Broadcaster
	mirror      PresenceMirror
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Server)

func WithMirror(m PresenceMirror) Option {
	return func(s *Server) { s.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(st *store.Store, b Broadcaster, opts ...Option) *Server {
	s := &Server{
		store:       st,
		broadcaster: b,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP surface. socket, when non-nil, is served at
// socketPath exactly.
func (s *Server) Router(verifier *auth.Verifier, socketPath string, socket http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logging(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if socket != nil {
		r.Handle(socketPath, socket)
	}

	requireAuth := auth.Middleware(verifier)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Patch("/api/users/status", s.updateStatus)
		r.Post("/api/users/status", s.beaconStatus)
		r.Get("/api/users/{profileId}/status", s.getStatus)
		r.Get("/api/direct-messages", s.listMessages)
	})

	// The method check comes before authentication on this route.
	r.HandleFunc("/api/conversations/{conversationId}/messages", onlyMethod(http.MethodPost, requireAuth(http.HandlerFunc(s.postMessage))))

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func onlyMethod(method string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	}
}
