package crisischat

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindwell-health/crisis-chat/pkg/logging"
)

// fakeConn is a scripted transport. Frames and errors are fed through the
// inbound channel; writes are recorded.
type fakeConn struct {
	inbound chan fakeRead

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

type fakeRead struct {
	data []byte
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeRead, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.inbound
	if !ok {
		return 0, nil, io.ErrClosedPipe
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	return websocket.TextMessage, r.data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) feed(frame string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbound <- fakeRead{data: []byte(frame)}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inbound <- fakeRead{err: err}
}

func (c *fakeConn) recordedWrites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

// fakeDialer hands out fakeConns in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeMemory struct {
	mu      sync.Mutex
	entries []string
}

func (m *fakeMemory) AddAsync(category, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, category+"|"+content)
}

func (m *fakeMemory) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

func newTestSession(t *testing.T, dialer Dialer, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		UserID:   "u1",
		Username: "User One",
		Dialer:   dialer,
		Logger:   logging.New("error"),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// immediateTimers records backoff delays and runs callbacks right away.
func immediateTimers(s *Session, mu *sync.Mutex, delays *[]time.Duration) {
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		go f()
		return time.NewTimer(time.Hour)
	}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitForStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	for {
		ev := nextEvent(t, s)
		if st, ok := ev.(StatusEvent); ok && st.Status == want {
			return
		}
	}
}

func expectNoEvent(t *testing.T, s *Session, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(wait):
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	var dials int32
	dialer := func(_ context.Context, _ string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	var mu sync.Mutex
	var delays []time.Duration
	s := newTestSession(t, dialer)
	immediateTimers(s, &mu, &delays)

	require.NoError(t, s.Open(context.Background()))

	var failed FailedEvent
	for {
		ev := nextEvent(t, s)
		if f, ok := ev.(FailedEvent); ok {
			failed = f
			break
		}
	}

	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, FallbackResources, failed.Resources,
		"terminal failure must carry fallback crisis contacts")

	// Initial dial plus five automatic reconnects, then nothing.
	assert.EqualValues(t, 6, atomic.LoadInt32(&dials))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 6, atomic.LoadInt32(&dials), "no dials after terminal failure")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		6 * time.Second,
		8 * time.Second,
		10 * time.Second,
	}, delays, "backoff grows linearly with attempt count")
}

func TestOpenSendAndMemorySideChannel(t *testing.T) {
	dialer := &fakeDialer{}
	mem := &fakeMemory{}
	s := newTestSession(t, dialer.dial, func(cfg *Config) { cfg.Memory = mem })

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	require.NoError(t, s.Send("I need help"))

	writes := dialer.conn(0).recordedWrites()
	require.Len(t, writes, 1)
	assert.JSONEq(t,
		`{"type":"chat_message","message":"I need help","include_memory":true,"use_rag":true}`,
		writes[0])

	entries := mem.recorded()
	require.Len(t, entries, 1)
	assert.Equal(t, "crisis_chat|User message: I need help", entries[0])

	// The assistant typing indicator is raised optimistically after a send.
	ev := nextEvent(t, s)
	typing, ok := ev.(TypingEvent)
	require.True(t, ok, "expected TypingEvent, got %#v", ev)
	assert.True(t, typing.Active)
	assert.Equal(t, "AI Assistant", typing.Username)
}

func TestSendPreconditions(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial)

	// Not yet opened.
	assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	// Empty after trimming.
	assert.ErrorIs(t, s.Send("   "), ErrEmptyMessage)
	assert.Empty(t, dialer.conn(0).recordedWrites(), "no frame for rejected sends")

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send("hello"), ErrNotConnected)
	assert.Empty(t, dialer.conn(0).recordedWrites())
}

func TestStaleSocketDoesNotDispatch(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	conn := dialer.conn(0)
	require.NoError(t, s.Close())

	// A frame still in flight on the superseded socket must not surface.
	conn.feed(`{"type":"ai_response","message":{"content":"late","created_at":"2024-01-01T00:00:00Z"}}`)
	expectNoEvent(t, s, 150*time.Millisecond)
}

func TestReconnectReplacesSocket(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	var delays []time.Duration
	s := newTestSession(t, dialer.dial)
	immediateTimers(s, &mu, &delays)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	dialer.conn(0).fail(io.ErrUnexpectedEOF)
	waitForStatus(t, s, StatusOpen)
	require.Equal(t, 2, dialer.dialCount())

	// Traffic flows over the replacement socket.
	dialer.conn(1).feed(`{"type":"chat_message","message":{"content":"hang in there","created_at":"2024-01-01T00:00:00Z","sender":{"id":"peer-9","username":"Peer"}}}`)

	var msg MessageEvent
	for {
		ev := nextEvent(t, s)
		if m, ok := ev.(MessageEvent); ok {
			msg = m
			break
		}
	}
	assert.Equal(t, "hang in there", msg.Content)

	require.NoError(t, s.Send("thanks"))
	assert.Empty(t, dialer.conn(0).recordedWrites(), "old socket sees no writes")
	assert.Len(t, dialer.conn(1).recordedWrites(), 1)
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	var dials int32
	dialer := func(_ context.Context, _ string) (Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.ReconnectBaseDelay = 20 * time.Millisecond
	})

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusClosed)
	require.NoError(t, s.Close())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials),
		"a reconnect timer pending at close must never fire")
}

func TestCloseIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StatusClosed, s.Status())
}

func TestTypingFrames(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial)

	// Before the session opens, typing signals go nowhere.
	s.SetTyping(true)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	s.SetTyping(true)
	s.SetTyping(true)
	s.SetTyping(false)

	writes := dialer.conn(0).recordedWrites()
	require.Len(t, writes, 3, "unthrottled by default: one frame per input change")
	assert.JSONEq(t, `{"type":"typing","is_typing":true}`, writes[0])
	assert.JSONEq(t, `{"type":"typing","is_typing":false}`, writes[2])
}

func TestTypingDebounce(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial, func(cfg *Config) {
		cfg.TypingDebounce = time.Hour
	})

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	s.SetTyping(true)
	s.SetTyping(true) // unchanged value inside the window: suppressed
	s.SetTyping(false)

	writes := dialer.conn(0).recordedWrites()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"type":"typing","is_typing":true}`, writes[0])
	assert.JSONEq(t, `{"type":"typing","is_typing":false}`, writes[1])
}

func TestOpenTwiceFails(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer.dial)

	require.NoError(t, s.Open(context.Background()))
	assert.Error(t, s.Open(context.Background()))
}

func TestReopenAfterTerminalFailure(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	real := &fakeDialer{}
	dialer := func(ctx context.Context, url string) (Conn, error) {
		if failing.Load() {
			return nil, errors.New("connection refused")
		}
		return real.dial(ctx, url)
	}

	var mu sync.Mutex
	var delays []time.Duration
	s := newTestSession(t, dialer)
	immediateTimers(s, &mu, &delays)

	require.NoError(t, s.Open(context.Background()))
	for {
		if _, ok := nextEvent(t, s).(FailedEvent); ok {
			break
		}
	}

	// Manual retry restarts with a fresh budget.
	failing.Store(false)
	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)
	require.NoError(t, s.Send("back online"))
}
