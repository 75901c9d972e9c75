package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/store"
)

const (
	kindUpdate = "update"
	kindBeacon = "beacon"
)

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	s.applyStatus(w, r, kindUpdate)
}

// beaconStatus takes the teardown beacon. Same body, same effect.
func (s *Server) beaconStatus(w http.ResponseWriter, r *http.Request) {
	s.applyStatus(w, r, kindBeacon)
}

func (s *Server) applyStatus(w http.ResponseWriter, r *http.Request, kind string) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<10))
	if err != nil || json.Unmarshal(raw, &body) != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	status, err := models.ParsePresenceStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	now := s.now()
	err = s.store.UpdateProfileStatus(r.Context(), claims.Subject, status, now)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err != nil {
		s.logger.Error("[USER_STATUS_PATCH]", "profile", claims.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Error")
		return
	}

	if s.mirror != nil {
		if err := s.mirror.SetPresence(r.Context(), claims.Subject, status, now); err != nil {
			s.logger.Warn("[REDIS] Presence mirror update failed", "profile", claims.Subject, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.StatusUpdates.WithLabelValues(string(status), kind).Inc()
	}

	s.logger.Debug("[API] Status updated", "profile", claims.Subject, "status", status, "kind", kind)
	writeJSON(w, http.StatusOK, models.StatusData{Status: status})
}

// getStatus answers from the mirror when it has the profile and from the
// store otherwise.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileId")

	if s.mirror != nil {
		data, ok, err := s.mirror.GetPresence(r.Context(), profileID)
		if err != nil {
			s.logger.Warn("[REDIS] Presence mirror read failed", "profile", profileID, "error", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, data)
			return
		}
	}

	p, err := s.store.FindProfile(r.Context(), profileID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		s.logger.Error("[USER_STATUS_GET]", "profile", profileID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Error")
		return
	}

	writeJSON(w, http.StatusOK, models.PresenceData{
		ProfileID: p.ID,
		Status:    models.PresenceStatus(p.Status),
		LastSeen:  p.LastSeen,
	})
}
