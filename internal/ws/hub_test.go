package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-realtime/internal/metrics"
	"go-chat-realtime/internal/models"
	"go-chat-realtime/internal/protocol"
)

func newTestSession(h *Hub, id, profileID string) *Session {
	s := newSession(id, h, profileID, protocol.TransportPolling)
	h.register(s)
	return s
}

func receiveFrame(t *testing.T, s *Session) protocol.Frame {
	t.Helper()
	select {
	case b := <-s.send:
		f, err := protocol.Decode(b)
		require.NoError(t, err)
		return f
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("expected a frame for session %s", s.id)
		return protocol.Frame{}
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case b := <-s.send:
		t.Fatalf("session %s received unexpected frame %s", s.id, b)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestBroadcastReachesEverySubscriberIncludingSender covers the conversation
// scenario: A and B follow C1, A posts, both get the exact payload and D,
// who follows another conversation, gets nothing.
func TestBroadcastReachesEverySubscriberIncludingSender(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	topic := models.TopicKey("C1")

	a := newTestSession(hub, "sa", "A")
	b := newTestSession(hub, "sb", "B")
	d := newTestSession(hub, "sd", "D")
	require.NoError(t, hub.Subscribe(ctx, a, topic))
	require.NoError(t, hub.Subscribe(ctx, b, topic))
	require.NoError(t, hub.Subscribe(ctx, d, models.TopicKey("C2")))

	payload := models.MessageCreatedData{ID: "m1", Content: "hi", ProfileID: "A", ConversationID: "C1"}
	require.NoError(t, hub.BroadcastMessage(ctx, topic, payload))
	want, err := json.Marshal(payload)
	require.NoError(t, err)

	for _, s := range []*Session{a, b} {
		f := receiveFrame(t, s)
		assert.Equal(t, protocol.FrameEvent, f.Type)
		assert.Equal(t, "chat:C1:messages", f.Event)
		assert.JSONEq(t, string(want), string(f.Data))
	}
	assertNoFrame(t, d)
}

func TestBroadcastWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()

	sent := hub.Deliver(&models.BroadcastMessage{Topic: models.TopicKey("empty"), Payload: []byte(`{}`)})
	assert.Equal(t, 0, sent)
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	topic := models.TopicKey("C1")

	early := newTestSession(hub, "s1", "A")
	require.NoError(t, hub.Subscribe(ctx, early, topic))
	require.NoError(t, hub.BroadcastMessage(ctx, topic, map[string]string{"content": "first"}))

	late := newTestSession(hub, "s2", "B")
	require.NoError(t, hub.Subscribe(ctx, late, topic))

	receiveFrame(t, early)
	assertNoFrame(t, late)
}

func TestSubscribeRequiresExactTopicKey(t *testing.T) {
	hub := NewHub()
	s := newTestSession(hub, "s1", "A")

	for _, topic := range []string{"chat:*:messages", "chat:C1", "C1"} {
		err := hub.Subscribe(context.Background(), s, topic)
		assert.ErrorIs(t, err, models.ErrInvalidTopic, topic)
	}
}

func TestSubscribeAuthorizer(t *testing.T) {
	hub := NewHub(WithAuthorizer(func(ctx context.Context, profileID, conversationID string) (bool, error) {
		if conversationID == "broken" {
			return false, errors.New("db down")
		}
		return profileID == "A" && conversationID == "C1", nil
	}))
	a := newTestSession(hub, "sa", "A")
	d := newTestSession(hub, "sd", "D")
	ctx := context.Background()

	assert.NoError(t, hub.Subscribe(ctx, a, models.TopicKey("C1")))
	assert.ErrorIs(t, hub.Subscribe(ctx, d, models.TopicKey("C1")), ErrForbidden)
	assert.Error(t, hub.Subscribe(ctx, a, models.TopicKey("broken")))
	assert.Equal(t, []string{"A"}, hub.Subscribers(models.TopicKey("C1")))
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	m := metrics.New()
	hub := NewHub(WithMetrics(m))
	ctx := context.Background()
	topic := models.TopicKey("C1")

	slow := newTestSession(hub, "slow", "A")
	fast := newTestSession(hub, "fast", "B")
	require.NoError(t, hub.Subscribe(ctx, slow, topic))
	require.NoError(t, hub.Subscribe(ctx, fast, topic))

	for i := 0; i < sendBuffer; i++ {
		require.True(t, slow.enqueue([]byte(`{"type":"noop"}`)))
	}

	sent := hub.Deliver(&models.BroadcastMessage{Topic: topic, Payload: []byte(`{"content":"hi"}`)})
	assert.Equal(t, 1, sent)
	assert.True(t, slow.isClosed())
	assert.Equal(t, []string{"B"}, hub.Subscribers(topic))
	assert.Equal(t, 1, hub.SessionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
	receiveFrame(t, fast)
}

func TestRemoveCleansEveryTopic(t *testing.T) {
	m := metrics.New()
	hub := NewHub(WithMetrics(m))
	ctx := context.Background()
	s := newTestSession(hub, "s1", "A")
	require.NoError(t, hub.Subscribe(ctx, s, models.TopicKey("C1")))
	require.NoError(t, hub.Subscribe(ctx, s, models.TopicKey("C2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscriptions))

	hub.remove(s)
	hub.remove(s)

	assert.Empty(t, hub.Subscribers(models.TopicKey("C1")))
	assert.Empty(t, hub.Subscribers(models.TopicKey("C2")))
	assert.Equal(t, 0, hub.SessionCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Subscriptions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sessions.WithLabelValues(protocol.TransportPolling)))
	assert.ErrorIs(t, hub.Subscribe(ctx, s, models.TopicKey("C1")), errSessionClosed)
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	s := newTestSession(hub, "s1", "A")
	topic := models.TopicKey("C1")
	require.NoError(t, hub.Subscribe(context.Background(), s, topic))

	hub.Unsubscribe(s, topic)
	hub.Deliver(&models.BroadcastMessage{Topic: topic, Payload: []byte(`{}`)})

	assertNoFrame(t, s)
}

func TestReapIdlePollingSessions(t *testing.T) {
	hub := NewHub(WithPollIdleTimeout(time.Minute))
	idle := newTestSession(hub, "idle", "A")
	busy := newTestSession(hub, "busy", "B")
	require.True(t, busy.beginPoll())

	hub.reapIdle(time.Now().Add(2 * time.Minute))

	assert.True(t, idle.isClosed())
	assert.False(t, busy.isClosed())
	assert.Equal(t, 1, hub.SessionCount())
}

func TestRunClosesSessionsOnShutdown(t *testing.T) {
	hub := NewHub()
	s := newTestSession(hub, "s1", "A")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	hub.requestUnregister(newTestSession(hub, "s2", "B"))
	cancel()
	<-done

	assert.True(t, s.isClosed())
	assert.Equal(t, 0, hub.SessionCount())
}

func TestPingCheckIsAcked(t *testing.T) {
	hub := NewHub()
	s := newTestSession(hub, "s1", "A")

	s.handleFrame(context.Background(), protocol.Frame{Type: protocol.FrameEvent, Event: protocol.EventPingCheck, ID: 42})

	f := receiveFrame(t, s)
	assert.Equal(t, protocol.FrameAck, f.Type)
	assert.Equal(t, uint64(42), f.ID)
	assert.Empty(t, f.Data)
}

func TestSubscribeEventAcksResult(t *testing.T) {
	hub := NewHub()
	s := newTestSession(hub, "s1", "A")
	ctx := context.Background()

	s.handleFrame(ctx, protocol.Frame{Type: protocol.FrameEvent, Event: protocol.EventSubscribe, ID: 1, Data: []byte(`"chat:C1:messages"`)})
	f := receiveFrame(t, s)
	assert.JSONEq(t, `{"ok":true}`, string(f.Data))

	s.handleFrame(ctx, protocol.Frame{Type: protocol.FrameEvent, Event: protocol.EventSubscribe, ID: 2, Data: []byte(`"bogus"`)})
	f = receiveFrame(t, s)
	assert.Equal(t, uint64(2), f.ID)
	assert.Contains(t, string(f.Data), "invalid topic key")
}
