package ws

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/protocol"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, auth.NewHMACVerifier(testSecret, ""), 200*time.Millisecond))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func tokenFor(t *testing.T, profileID string) string {
	t.Helper()
	token, err := auth.IssueHMAC(testSecret, "", profileID, time.Hour)
	require.NoError(t, err)
	return token
}

func pollingURL(srv *httptest.Server, token, sid string) string {
	q := url.Values{"transport": {"polling"}, "token": {token}}
	if sid != "" {
		q.Set("sid", sid)
	}
	return srv.URL + "/?" + q.Encode()
}

func getBatch(t *testing.T, u string) []protocol.Frame {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames, err := protocol.DecodeBatch(body)
	require.NoError(t, err)
	return frames
}

func postFrames(t *testing.T, u string, frames ...protocol.Frame) {
	t.Helper()
	var encoded [][]byte
	for _, f := range frames {
		b, err := f.Encode()
		require.NoError(t, err)
		encoded = append(encoded, b)
	}
	resp, err := http.Post(u, "application/json", bytes.NewReader(protocol.EncodeBatch(encoded)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func handshake(t *testing.T, srv *httptest.Server, token string) protocol.OpenData {
	t.Helper()
	frames := getBatch(t, pollingURL(srv, token, ""))
	require.Len(t, frames, 1)
	require.Equal(t, protocol.FrameOpen, frames[0].Type)

	var open protocol.OpenData
	require.NoError(t, json.Unmarshal(frames[0].Data, &open))
	return open
}

func subscribeFrame(id uint64, topic string) protocol.Frame {
	f, _ := protocol.NewEvent(protocol.EventSubscribe, id, topic)
	return f
}

func TestRealtimeEndpointRequiresToken(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/?transport=polling")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownTransport(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/?transport=carrier&token=" + tokenFor(t, "A"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollingSessionRoundTrip(t *testing.T) {
	hub, srv := newTestServer(t)
	token := tokenFor(t, "A")

	open := handshake(t, srv, token)
	assert.NotEmpty(t, open.SID)
	assert.Equal(t, []string{"websocket"}, open.Upgrades)

	u := pollingURL(srv, token, open.SID)
	postFrames(t, u, subscribeFrame(1, models.TopicKey("C1")))

	frames := getBatch(t, u)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.FrameAck, frames[0].Type)
	assert.Equal(t, uint64(1), frames[0].ID)

	require.NoError(t, hub.BroadcastMessage(context.Background(), models.TopicKey("C1"), map[string]string{"content": "hi"}))

	frames = getBatch(t, u)
	require.Len(t, frames, 1)
	assert.Equal(t, "chat:C1:messages", frames[0].Event)
	assert.JSONEq(t, `{"content":"hi"}`, string(frames[0].Data))
}

func TestPollTimesOutWithEmptyBatch(t *testing.T) {
	_, srv := newTestServer(t)
	token := tokenFor(t, "A")
	open := handshake(t, srv, token)

	start := time.Now()
	frames := getBatch(t, pollingURL(srv, token, open.SID))
	assert.Empty(t, frames)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSessionIsBoundToProfile(t *testing.T) {
	_, srv := newTestServer(t)
	open := handshake(t, srv, tokenFor(t, "A"))

	resp, err := http.Get(pollingURL(srv, tokenFor(t, "D"), open.SID))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(pollingURL(srv, tokenFor(t, "A"), "no-such-sid"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func wsURL(srv *httptest.Server, token, sid string) string {
	q := url.Values{"transport": {"websocket"}, "token": {token}}
	if sid != "" {
		q.Set("sid", sid)
	}
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + q.Encode()
}

func readWSFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(msg)
	require.NoError(t, err)
	return f
}

func writeWSFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	b, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestWebsocketSession(t *testing.T) {
	hub, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, tokenFor(t, "A"), ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	open := readWSFrame(t, conn)
	assert.Equal(t, protocol.FrameOpen, open.Type)

	writeWSFrame(t, conn, subscribeFrame(1, models.TopicKey("C1")))
	ack := readWSFrame(t, conn)
	assert.Equal(t, protocol.FrameAck, ack.Type)

	require.NoError(t, hub.BroadcastMessage(context.Background(), models.TopicKey("C1"), map[string]string{"content": "hi"}))
	event := readWSFrame(t, conn)
	assert.Equal(t, "chat:C1:messages", event.Event)
}

func TestUpgradeFromPolling(t *testing.T) {
	hub, srv := newTestServer(t)
	token := tokenFor(t, "A")
	open := handshake(t, srv, token)
	u := pollingURL(srv, token, open.SID)

	postFrames(t, u, subscribeFrame(0, models.TopicKey("C1")))

	pending := make(chan []protocol.Frame, 1)
	go func() {
		resp, err := http.Get(u)
		if err != nil {
			pending <- nil
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		frames, _ := protocol.DecodeBatch(body)
		pending <- frames
	}()
	time.Sleep(50 * time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token, open.SID), nil)
	require.NoError(t, err)
	defer conn.Close()
	writeWSFrame(t, conn, protocol.Frame{Type: protocol.FrameUpgrade})

	select {
	case frames := <-pending:
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.FrameNoop, frames[0].Type)
	case <-time.After(time.Second):
		t.Fatal("pending poll was not released by the upgrade")
	}

	require.Eventually(t, func() bool {
		s := hub.session(open.SID)
		return s != nil && s.Transport() == protocol.TransportWebsocket
	}, time.Second, 10*time.Millisecond)

	// the subscription made over polling survives the upgrade
	require.NoError(t, hub.BroadcastMessage(context.Background(), models.TopicKey("C1"), map[string]string{"content": "after"}))
	event := readWSFrame(t, conn)
	assert.Equal(t, "chat:C1:messages", event.Event)
	assert.JSONEq(t, `{"content":"after"}`, string(event.Data))

	resp, err := http.Get(u)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
