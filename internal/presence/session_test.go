package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-realtime/internal/models"
)

type fakeSource struct {
	mu           sync.Mutex
	onSignal     func(SignalKind)
	onVisibility func(bool)
	released     bool
}

func (f *fakeSource) Subscribe(onSignal func(SignalKind), onVisibility func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSignal = onSignal
	f.onVisibility = onVisibility
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released = true
	}
}

func (f *fakeSource) visibility(v bool) {
	f.mu.Lock()
	fn := f.onVisibility
	f.mu.Unlock()
	fn(v)
}

func (f *fakeSource) isReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeSource) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onSignal != nil
}

func startSession(t *testing.T, ctx context.Context, opts ...SessionOption) (*Session, *manualClock, *recordingTransport, chan error) {
	t.Helper()
	clock := newManualClock()
	transport := newRecordingTransport(clock)
	s := NewSession(testPresenceConfig(), transport, append([]SessionOption{WithClock(clock)}, opts...)...)

	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status() == models.StatusOnline }, time.Second, 5*time.Millisecond)
	return s, clock, transport, result
}

func TestSessionLifecycle(t *testing.T) {
	src := &fakeSource{}
	var mu sync.Mutex
	var seen []models.PresenceStatus
	listener := func(st models.PresenceStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	}

	s, clock, transport, result := startSession(t, context.Background(), WithInputSources(src), WithStatusListener(listener))
	require.True(t, src.subscribed())

	clock.Advance(15 * time.Second)
	src.visibility(false)
	require.Eventually(t, func() bool { return s.Status() == models.StatusIdle }, time.Second, 5*time.Millisecond)

	s.Close()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	<-s.Done()
	assert.True(t, src.isReleased())
	assert.Equal(t, models.StatusOffline, s.Status())
	assert.Equal(t, 1, transport.count(models.StatusOffline))
	calls := transport.Calls()
	assert.True(t, calls[len(calls)-1].Beacon)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.PresenceStatus{models.StatusOnline, models.StatusIdle, models.StatusOffline}, seen)
}

func TestSessionContextCancelTearsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, _, transport, result := startSession(t, ctx)

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, transport.count(models.StatusOffline))
	assert.ErrorIs(t, s.SetStatus(models.StatusDND), ErrSessionClosed)
}

func TestSessionSetStatus(t *testing.T) {
	s, clock, _, _ := startSession(t, context.Background())
	defer s.Close()

	assert.Error(t, s.SetStatus(models.StatusOffline))
	assert.Error(t, s.SetStatus("AWAY"))

	clock.Advance(10 * time.Second)
	require.NoError(t, s.SetStatus(models.StatusDND))
	require.Eventually(t, func() bool { return s.Status() == models.StatusDND }, time.Second, 5*time.Millisecond)
}

func TestSessionActivityPromotesFromIdle(t *testing.T) {
	s, clock, _, _ := startSession(t, context.Background())
	defer s.Close()

	clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return s.Status() == models.StatusIdle }, time.Second, 5*time.Millisecond)

	clock.Advance(20 * time.Second)
	s.Activity()
	require.Eventually(t, func() bool {
		return s.Record().LastActivityAt.Equal(clock.Now())
	}, time.Second, 5*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return s.Status() == models.StatusOnline }, time.Second, 5*time.Millisecond)
}
