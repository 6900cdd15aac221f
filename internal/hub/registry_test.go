package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/relay-service/internal/domain"
)

// fakeConn records every frame and probe it receives.
type fakeConn struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	pings    int
	closed   bool
	sendErr  error
	pingErr  error
	failFrom int // fail sends once this many frames were accepted; 0 disables
	onPing   func()
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClientClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.failFrom > 0 && len(f.frames) >= f.failFrom {
		return ErrSendBufferFull
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Ping() error {
	f.mu.Lock()
	f.pings++
	err := f.pingErr
	cb := f.onPing
	f.mu.Unlock()
	if err == nil && cb != nil {
		cb()
	}
	return err
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) types(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		var m struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(fr, &m))
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func chatMessage(text string) domain.OutboundMessage {
	return domain.NewOutboundMessage(domain.MsgTypeChat, time.Now(),
		domain.Field{Key: "username", Value: "u"},
		domain.Field{Key: "message", Value: text},
	)
}

func TestRegistry_AddSendsConnectionAck(t *testing.T) {
	r := NewRegistry()
	r.now = func() time.Time { return time.UnixMilli(1234) }
	c := newFakeConn("a")

	require.NoError(t, r.Add(c))

	assert.True(t, r.Contains(c))
	require.Len(t, c.frames, 1)
	assert.JSONEq(t, `{"type":"connection","status":"connected","timestamp":1234}`, string(c.frames[0]))
}

func TestRegistry_AddRemovesWhenAckFails(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("a")
	c.sendErr = errors.New("broken pipe")

	err := r.Add(c)

	assert.Error(t, err)
	assert.False(t, r.Contains(c))
	assert.Zero(t, r.Count())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	var removals int
	r.OnRemove(func(Conn, string) { removals++ })

	assert.True(t, r.Remove(a))
	assert.False(t, r.Remove(a))

	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, removals)
	assert.True(t, r.Contains(b))
}

func TestRegistry_RemoveIgnoresStaleHandleWithSameID(t *testing.T) {
	r := NewRegistry()
	old, current := newFakeConn("dup"), newFakeConn("dup")
	require.NoError(t, r.Add(old))
	require.NoError(t, r.Add(current))

	assert.False(t, r.Remove(old))
	assert.True(t, r.Contains(current))
}

func TestRegistry_BroadcastIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	for _, conn := range []*fakeConn{a, b, c} {
		require.NoError(t, r.Add(conn))
	}

	var reasons []string
	r.OnRemove(func(conn Conn, reason string) { reasons = append(reasons, conn.ID()+":"+reason) })
	b.sendErr = errors.New("write: connection reset")

	delivered, err := r.Broadcast(chatMessage("hello"))
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"connection", "chat"}, a.types(t))
	assert.Equal(t, []string{"connection", "chat"}, c.types(t))
	assert.False(t, r.Contains(b))
	require.Eventually(t, b.isClosed, time.Second, 5*time.Millisecond)
	assert.True(t, r.Contains(a))
	assert.True(t, r.Contains(c))
	assert.Equal(t, []string{"b:" + ReasonSendFailed}, reasons)
}

func TestRegistry_BroadcastPreservesOrder(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("a")
	require.NoError(t, r.Add(a))

	for i := 0; i < 50; i++ {
		_, err := r.Broadcast(chatMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.frames, 51)
	for i, fr := range a.frames[1:] {
		var m struct {
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(fr, &m))
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Message)
	}
}

func TestRegistry_BroadcastToEmptySet(t *testing.T) {
	r := NewRegistry()
	delivered, err := r.Broadcast(chatMessage("nobody"))
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestRegistry_ConcurrentMutationDuringBroadcast(t *testing.T) {
	r := NewRegistry()
	stable := newFakeConn("stable")
	require.NoError(t, r.Add(stable))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := newFakeConn(fmt.Sprintf("c%d-%d", i, j))
				_ = r.Add(c)
				r.Remove(c)
				r.Remove(c)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = r.Broadcast(chatMessage("x"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	stable.mu.Lock()
	defer stable.mu.Unlock()
	assert.Len(t, stable.frames, 1+4*50)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	r.CloseAll()

	assert.Zero(t, r.Count())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}
