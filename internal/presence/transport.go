package presence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"go-chat-realtime/internal/models"
)

const StatusPath = "/api/users/status"

// beaconTimeout bounds a teardown beacon, which runs detached from any
// caller context.
const beaconTimeout = 5 * time.Second

type statusBody struct {
	Status models.PresenceStatus `json:"status"`
}

// HTTPTransport talks to the authority service's status endpoint.
type HTTPTransport struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger

	beacons sync.WaitGroup
}

func NewHTTPTransport(baseURL, token string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:    strings.TrimRight(baseURL, "/") + StatusPath,
		token:  token,
		client: &http.Client{},
		logger: logger,
	}
}

func (t *HTTPTransport) UpdateStatus(ctx context.Context, status models.PresenceStatus) error {
	return t.send(ctx, http.MethodPatch, status)
}

// Beacon posts status in the background.
func (t *HTTPTransport) Beacon(status models.PresenceStatus) {
	t.beacons.Add(1)
	go func() {
		defer t.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := t.send(ctx, http.MethodPost, status); err != nil {
			t.logger.Debug("[PRESENCE] Beacon lost", "status", status, "error", err)
		}
	}()
}

// Flush waits up to timeout for outstanding beacons and reports whether
// they all finished.
func (t *HTTPTransport) Flush(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		t.beacons.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (t *HTTPTransport) send(ctx context.Context, method string, status models.PresenceStatus) error {
	body, err := json.Marshal(statusBody{Status: status})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status request: unexpected response %d", resp.StatusCode)
	}
	return nil
}
