package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
)

var errDial = errors.New("dial tcp: connection refused")

// fakeFeed returns scripted Connect results and emits a connected event
// on every success.
type fakeFeed struct {
	mu          sync.Mutex
	events      chan domain.FeedEvent
	results     []error
	fallback    error
	calls       int
	disconnects int
}

func newFakeFeed(results ...error) *fakeFeed {
	return &fakeFeed{events: make(chan domain.FeedEvent, 64), results: results}
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	err := f.fallback
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if err == nil {
		f.events <- domain.NewConnectedEvent("room-1")
	}
	return err
}

func (f *fakeFeed) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) Events() <-chan domain.FeedEvent { return f.events }

func (f *fakeFeed) connectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTimers records timers instead of scheduling them.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	owner   *fakeTimers
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) isStopped() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.stopped
}

func (c *fakeTimers) afterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{owner: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeTimers) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeTimers) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

// fire runs the single pending timer.
func (c *fakeTimers) fire(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.pending()) == 1 }, time.Second, time.Millisecond)

	c.mu.Lock()
	var target *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			target = tm
		}
	}
	target.fired = true
	c.mu.Unlock()

	target.fn()
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.FeedEvent
}

func (r *sinkRecorder) sink(evt domain.FeedEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *sinkRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

func newTestSession(feed *fakeFeed, maxAttempts int) (*Session, *fakeTimers, *sinkRecorder) {
	rec := &sinkRecorder{}
	cfg := DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	s := NewSession(feed, rec.sink, cfg)
	timers := &fakeTimers{}
	s.afterFunc = timers.afterFunc
	return s, timers, rec
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want }, time.Second, time.Millisecond,
		"want state %s, have %s", want, s.Snapshot().State)
}

func TestSession_ConnectSuccessForwardsConnected(t *testing.T) {
	feed := newFakeFeed(nil)
	s, _, rec := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitState(t, s, StateConnected)
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, []string{domain.FeedEventConnected}, rec.names())
	assert.Equal(t, 0, snap.Attempt)
	assert.Equal(t, "room-1", snap.RoomID)
	assert.Nil(t, snap.NextRetryAt)
}

func TestSession_SingleTimerInvariant(t *testing.T) {
	s, timers, _ := newTestSession(newFakeFeed(), 5)

	s.mu.Lock()
	s.scheduleRetryLocked(time.Second)
	s.scheduleRetryLocked(2 * time.Second)
	s.mu.Unlock()

	require.Len(t, timers.timers, 2)
	assert.True(t, timers.timers[0].isStopped())
	pending := timers.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 2*time.Second, pending[0].delay)
	assert.Equal(t, StateReconnectScheduled, s.Snapshot().State)
}

func TestSession_SupersededTimerDoesNotReconnect(t *testing.T) {
	feed := newFakeFeed()
	s, timers, _ := newTestSession(feed, 5)

	s.mu.Lock()
	s.scheduleRetryLocked(time.Second)
	first := timers.timers[0]
	s.scheduleRetryLocked(time.Second)
	s.mu.Unlock()

	// The runtime may already have started the first callback.
	first.fn()

	assert.Zero(t, feed.connectCalls())
	assert.Equal(t, StateReconnectScheduled, s.Snapshot().State)
}

func TestSession_ReconnectCeiling(t *testing.T) {
	feed := newFakeFeed()
	feed.fallback = errDial
	s, timers, _ := newTestSession(feed, 3)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	timers.fire(t)
	timers.fire(t)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateDisconnected && snap.Attempt == 3
	}, time.Second, time.Millisecond)

	// Give a stray attempt the chance to show up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, feed.connectCalls())
	assert.Empty(t, timers.pending())
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, timers.delays())
}

func TestSession_InitialFailureThenSuccessResetsAttempts(t *testing.T) {
	feed := newFakeFeed(errDial, errDial, nil)
	s, timers, rec := newTestSession(feed, 10)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	timers.fire(t)
	timers.fire(t)

	waitState(t, s, StateConnected)
	assert.Equal(t, 0, s.Snapshot().Attempt)
	assert.Equal(t, 3, feed.connectCalls())
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, time.Millisecond)
}

func TestSession_DisconnectEventSchedulesRetry(t *testing.T) {
	feed := newFakeFeed(nil, nil)
	s, timers, rec := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitState(t, s, StateConnected)

	feed.events <- domain.NewDisconnectedEvent()

	waitState(t, s, StateReconnectScheduled)
	assert.Equal(t, 1, s.Snapshot().Attempt)
	assert.NotNil(t, s.Snapshot().NextRetryAt)
	require.Len(t, timers.pending(), 1)
	assert.Equal(t, time.Second, timers.pending()[0].delay)

	timers.fire(t)
	waitState(t, s, StateConnected)
	assert.Equal(t, 0, s.Snapshot().Attempt)

	require.Eventually(t, func() bool { return len(rec.names()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connected", "disconnected", "connected"}, rec.names())
}

func TestSession_ForwardsEveryEventInOrder(t *testing.T) {
	feed := newFakeFeed(nil)
	s, _, rec := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitState(t, s, StateConnected)

	for _, name := range []string{"chat", "gift", "member", "error", "like"} {
		feed.events <- domain.NewFeedEvent(name, []byte(`{}`))
	}

	require.Eventually(t, func() bool { return len(rec.names()) == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"connected", "chat", "gift", "member", "error", "like"}, rec.names())
	assert.Equal(t, StateConnected, s.Snapshot().State)
}

func TestSession_StopCancelsPendingRetry(t *testing.T) {
	feed := newFakeFeed(errDial)
	s, timers, _ := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, StateReconnectScheduled)
	pending := timers.pending()
	require.Len(t, pending, 1)

	s.Stop()

	assert.True(t, pending[0].isStopped())
	assert.Empty(t, timers.pending())
	assert.Equal(t, StateStopped, s.Snapshot().State)
	assert.Equal(t, 1, feed.disconnects)

	// The callback may still run after Stop; it must be inert.
	pending[0].fn()
	assert.Equal(t, 1, feed.connectCalls())

	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionStopped)
	assert.ErrorIs(t, s.Restart(), ErrSessionStopped)
	s.Stop()
}

func TestSession_EventsAfterStopAreDropped(t *testing.T) {
	feed := newFakeFeed(nil)
	s, _, rec := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, StateConnected)
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, time.Second, time.Millisecond)
	s.Stop()

	s.handleEvent(domain.NewFeedEvent("chat", []byte(`{}`)))
	assert.Len(t, rec.names(), 1)
}

func TestSession_RestartAfterExhaustion(t *testing.T) {
	feed := newFakeFeed(errDial, nil)
	s, _, _ := newTestSession(feed, 1)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.State == StateDisconnected && snap.Attempt == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Restart())
	waitState(t, s, StateConnected)
	assert.Equal(t, 2, feed.connectCalls())
	assert.ErrorIs(t, s.Restart(), ErrNotExhausted)
}

func TestSession_ErrorEventKeepsState(t *testing.T) {
	feed := newFakeFeed(nil)
	s, timers, rec := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitState(t, s, StateConnected)

	feed.events <- domain.NewErrorEvent("websocket: bad handshake")

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, s.Snapshot().State)
	assert.Empty(t, timers.pending())
}

func TestSession_HaltKeepsUpstreamOpen(t *testing.T) {
	feed := newFakeFeed(errDial)
	s, timers, _ := newTestSession(feed, 5)

	require.NoError(t, s.Start(context.Background()))
	waitState(t, s, StateReconnectScheduled)
	pending := timers.pending()
	require.Len(t, pending, 1)

	s.Halt()

	assert.True(t, pending[0].isStopped())
	assert.Equal(t, StateStopped, s.Snapshot().State)
	assert.Nil(t, s.Snapshot().NextRetryAt)
	assert.Zero(t, feed.disconnects)
	assert.ErrorIs(t, s.Restart(), ErrSessionStopped)

	s.Stop()
	s.Stop()
	assert.Equal(t, 1, feed.disconnects)
}

func TestSession_RestartBeforeStart(t *testing.T) {
	s, _, _ := newTestSession(newFakeFeed(nil), 5)

	assert.ErrorIs(t, s.Restart(), ErrNotStarted)
	assert.Equal(t, StateDisconnected, s.Snapshot().State)
}
