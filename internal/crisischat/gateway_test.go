package crisischat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindwell-health/crisis-chat/pkg/logging"
)

// fakeGateway upgrades connections and answers every chat frame with a
// scripted ai_response.
type fakeGateway struct {
	upgrader websocket.Upgrader
	path     atomic.Value
	received chan string
	reply    string
}

func newFakeGateway(reply string) *fakeGateway {
	return &fakeGateway{
		received: make(chan string, 8),
		reply:    reply,
	}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.path.Store(r.URL.Path)
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		g.received <- string(data)
		if err := ws.WriteMessage(websocket.TextMessage, []byte(g.reply)); err != nil {
			return
		}
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	gw := newFakeGateway(`{"type":"ai_response","message":{"content":"I'm here with you.","created_at":"2024-01-01T00:00:00Z"}}`)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	s, err := New(Config{
		GatewayURL: srv.URL,
		UserID:     "u1",
		Username:   "User One",
		Logger:     logging.New("error"),
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)
	require.NoError(t, s.Send("I need help"))

	select {
	case frame := <-gw.received:
		assert.JSONEq(t,
			`{"type":"chat_message","message":"I need help","include_memory":true,"use_rag":true}`,
			frame)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the message")
	}
	assert.Equal(t, "/ws/crisis/u1/", gw.path.Load())

	// Optimistic assistant typing, then the reply clears it.
	ev := nextEvent(t, s)
	typing, ok := ev.(TypingEvent)
	require.True(t, ok, "expected TypingEvent, got %#v", ev)
	assert.True(t, typing.Active)

	var msg MessageEvent
	sawTypingCleared := false
	for {
		ev := nextEvent(t, s)
		if ty, ok := ev.(TypingEvent); ok && !ty.Active {
			sawTypingCleared = true
			continue
		}
		if m, ok := ev.(MessageEvent); ok {
			msg = m
			break
		}
		t.Fatalf("unexpected event: %#v", ev)
	}
	assert.True(t, sawTypingCleared, "bot reply must clear the typing indicator")
	assert.True(t, msg.FromBot)
	assert.Equal(t, "I'm here with you.", msg.Content)
	assert.Equal(t, "AI Assistant", msg.Sender)
}

func TestGatewayCloseDuringConversation(t *testing.T) {
	gw := newFakeGateway(`{"type":"ai_response","message":{"content":"ok","created_at":"2024-01-01T00:00:00Z"}}`)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	s, err := New(Config{
		GatewayURL: srv.URL,
		UserID:     "u1",
		Logger:     logging.New("error"),
	})
	require.NoError(t, err)

	require.NoError(t, s.Open(context.Background()))
	waitForStatus(t, s, StatusOpen)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send("too late"), ErrNotConnected)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not signalled after Close")
	}
}
