// Package crisischat implements the client side of the MindWell crisis
// support chat: a WebSocket session with bounded reconnects and a typed
// event stream over the gateway's JSON frame protocol.
package crisischat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindwell-health/crisis-chat/internal/observability/metrics"
	"github.com/mindwell-health/crisis-chat/pkg/logging"
)

// Errors returned by Send.
var (
	ErrEmptyMessage = errors.New("crisischat: message is empty")
	ErrNotConnected = errors.New("crisischat: not connected")
)

// Conn is the minimal transport surface the session needs. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to the gateway. Tests inject one to feed
// synthetic frames without a real socket.
type Dialer func(ctx context.Context, url string) (Conn, error)

// MemoryLogger is the best-effort side channel notified about outbound
// messages. Implementations must never block the chat path.
type MemoryLogger interface {
	AddAsync(category, content string)
}

// Config controls a Session.
type Config struct {
	// GatewayURL is the gateway base URL. http and https schemes are
	// rewritten to ws/wss, mirroring how the widget follows the page's
	// transport security.
	GatewayURL string

	// UserID scopes the connection path. Defaults to "demo" when no
	// authenticated identity exists.
	UserID string

	// Username is the local display name, used for self-echo suppression.
	Username string

	MaxReconnectAttempts int           // default 5
	ReconnectBaseDelay   time.Duration // default 2s; delay grows linearly per attempt
	HandshakeTimeout     time.Duration // default 10s

	// TypingDebounce suppresses repeat typing frames carrying an unchanged
	// value inside the window. Zero sends one frame per input change.
	TypingDebounce time.Duration

	EventBuffer int // default 64

	Dialer  Dialer
	Logger  *logging.Logger
	Metrics *metrics.ChatMetrics
	Memory  MemoryLogger
}

// Session owns one logical crisis-chat conversation: its transport,
// reconnect lifecycle, frame dispatch, and outbound sends. At most one
// transport is live at a time; a reconnect fully supersedes the prior
// socket.
type Session struct {
	url           string
	userID        string
	username      string
	maxReconnects int
	baseDelay     time.Duration
	debounce      time.Duration

	dialer  Dialer
	logger  *logging.Logger
	metrics *metrics.ChatMetrics
	memory  MemoryLogger

	events chan Event
	done   chan struct{}

	// afterFunc is swapped in tests to observe backoff delays.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu             sync.Mutex
	status         Status
	conn           Conn
	gen            uint64 // socket generation; stale handlers check it and bail
	attempts       int
	reconnectTimer *time.Timer
	closed         bool
	ctx            context.Context

	typingMu     sync.Mutex
	typingActive bool
	typingSentAt time.Time
}

// New creates an idle Session. Call Open to connect.
func New(cfg Config) (*Session, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		userID = "demo"
	}
	username := cfg.Username
	if username == "" {
		username = "You"
	}

	var wsURL string
	if cfg.GatewayURL != "" {
		u, err := SessionURL(cfg.GatewayURL, userID)
		if err != nil {
			return nil, err
		}
		wsURL = u
	}

	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		if wsURL == "" {
			return nil, errors.New("crisischat: gateway URL is required")
		}
		dialer = webSocketDialer(handshake)
	}

	maxReconnects := cfg.MaxReconnectAttempts
	if maxReconnects <= 0 {
		maxReconnects = 5
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Session{
		url:           wsURL,
		userID:        userID,
		username:      username,
		maxReconnects: maxReconnects,
		baseDelay:     baseDelay,
		debounce:      cfg.TypingDebounce,
		dialer:        dialer,
		logger:        logger,
		metrics:       cfg.Metrics,
		memory:        cfg.Memory,
		events:        make(chan Event, buffer),
		done:          make(chan struct{}),
		afterFunc:     time.AfterFunc,
		status:        StatusIdle,
	}, nil
}

// SessionURL builds the per-user gateway path from a base URL.
func SessionURL(base, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("crisischat: parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("crisischat: unsupported gateway scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/crisis/" + url.PathEscape(userID) + "/"
	return u.String(), nil
}

// Open starts the session. It returns immediately; connection progress is
// reported on Events. A session in the terminal failed state may be opened
// again, which restarts with a fresh retry budget.
func (s *Session) Open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("crisischat: session is closed")
	}
	if s.status != StatusIdle && s.status != StatusFailed {
		s.mu.Unlock()
		return errors.New("crisischat: session already started")
	}
	s.ctx = ctx
	s.attempts = 0
	s.mu.Unlock()

	s.connect(0)
	return nil
}

// Events delivers session events. Consume it for the life of the session.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send transmits a chat message. The message must be non-empty after
// trimming and the session must be open; otherwise no network action is
// taken and the returned error reports why.
func (s *Session) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		s.metrics.ObserveSend("rejected")
		return ErrEmptyMessage
	}

	s.mu.Lock()
	conn := s.conn
	open := s.status == StatusOpen && conn != nil
	s.mu.Unlock()
	if !open {
		s.metrics.ObserveSend("rejected")
		return ErrNotConnected
	}

	// Best-effort context logging; never gates the send path.
	if s.memory != nil {
		s.memory.AddAsync("crisis_chat", "User message: "+text)
	}

	payload, err := json.Marshal(chatEnvelope{
		Type:          frameChatMessage,
		Message:       text,
		IncludeMemory: true,
		UseRAG:        true,
	})
	if err != nil {
		s.metrics.ObserveSend("failed")
		return fmt.Errorf("crisischat: marshal message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.metrics.ObserveSend("failed")
		return fmt.Errorf("crisischat: send: %w", err)
	}
	s.metrics.ObserveSend("sent")

	// The input was consumed, so local typing is over.
	s.typingMu.Lock()
	s.typingActive = false
	s.typingMu.Unlock()

	// The assistant starts composing a reply; surface that optimistically.
	s.emit(TypingEvent{Active: true, Username: assistantUsername})
	return nil
}

// SetTyping reports whether the local input currently has content. Frames
// are only sent while the session is open.
func (s *Session) SetTyping(active bool) {
	s.mu.Lock()
	conn := s.conn
	open := s.status == StatusOpen && conn != nil
	s.mu.Unlock()
	if !open {
		return
	}

	s.typingMu.Lock()
	if s.debounce > 0 && active == s.typingActive && time.Since(s.typingSentAt) < s.debounce {
		s.typingMu.Unlock()
		return
	}
	s.typingActive = active
	s.typingSentAt = time.Now()
	s.typingMu.Unlock()

	payload, err := json.Marshal(typingEnvelope{Type: frameTyping, IsTyping: active})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Debug("crisischat: typing frame failed", "error", err)
	}
}

// Close tears the session down: the transport is closed, any pending
// reconnect timer is cancelled, and no further events are delivered.
// Closing an already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++ // neutralize any in-flight dial or read loop
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.status = StatusClosed
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// connect begins one connection attempt. attempt is 0 for the initial dial
// and 1..maxReconnects for retries.
func (s *Session) connect(attempt int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.status = StatusConnecting
	ctx := s.ctx
	s.mu.Unlock()

	if attempt > 0 {
		s.emit(StatusEvent{
			Status:  StatusConnecting,
			Attempt: attempt,
			Detail:  fmt.Sprintf("Reconnecting... (%d/%d)", attempt, s.maxReconnects),
		})
	} else {
		s.emit(StatusEvent{Status: StatusConnecting, Detail: "Connecting..."})
	}

	go s.dial(ctx, gen)
}

func (s *Session) dial(ctx context.Context, gen uint64) {
	start := time.Now()
	conn, err := s.dialer(ctx, s.url)
	if err != nil {
		s.logger.Warn("crisischat: dial failed", "url", s.url, "error", err)
		s.disconnected(gen, err)
		return
	}
	s.metrics.ObserveConnectLatency(time.Since(start).Seconds())

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.status = StatusOpen
	s.attempts = 0
	s.mu.Unlock()

	s.logger.Info("crisischat: connected", "user_id", s.userID)
	s.emit(StatusEvent{Status: StatusOpen, Detail: "Connected securely"})

	go s.readLoop(conn, gen)
}

func (s *Session) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.disconnected(gen, err)
			return
		}
		if !s.live(gen) {
			// A superseded socket must not feed the dispatcher.
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && gen == s.gen
}

// disconnected handles transport loss for the socket identified by gen.
// Stale sockets are ignored.
func (s *Session) disconnected(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	if s.attempts >= s.maxReconnects {
		s.status = StatusFailed
		s.mu.Unlock()
		s.logger.Error("crisischat: reconnect budget exhausted",
			"attempts", s.maxReconnects, "error", cause)
		s.emit(StatusEvent{Status: StatusFailed, Detail: "Connection failed"})
		s.emit(FailedEvent{Resources: FallbackResources})
		return
	}

	s.status = StatusClosed
	s.attempts++
	attempt := s.attempts
	delay := time.Duration(attempt) * s.baseDelay
	s.mu.Unlock()

	s.metrics.ObserveReconnect()
	s.logger.Warn("crisischat: disconnected",
		"error", cause, "attempt", attempt, "delay", delay)
	s.emit(StatusEvent{Status: StatusClosed, Detail: "Disconnected"})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = s.afterFunc(delay, func() { s.connect(attempt) })
	s.mu.Unlock()
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
