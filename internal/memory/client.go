// Package memory provides a client for the memory/context logging service.
// Logging chat context is a best-effort side channel: failures are logged
// and never surfaced to the chat path.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/mindwell-health/crisis-chat/pkg/logging"
)

const (
	addPath        = "/chat/memory/add/"
	defaultSource  = "crisis-chat"
	defaultTimeout = 10 * time.Second
)

// AddRequest is the wire body for a memory entry.
type AddRequest struct {
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Metadata Metadata `json:"metadata"`
}

// Metadata annotates a memory entry.
type Metadata struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// Client posts chat context to the memory service.
type Client struct {
	baseURL    string
	source     string
	httpClient *http.Client
	logger     *logging.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSource overrides the metadata source tag.
func WithSource(source string) Option {
	return func(c *Client) {
		c.source = source
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a memory service client. The default HTTP client carries
// a cookie jar so session cookies set by the backend are included on
// subsequent calls.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		source:  defaultSource,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient = &http.Client{Timeout: defaultTimeout, Jar: jar}
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	return c
}

// Add records one memory entry. Returns an error on transport failure or a
// non-2xx response; callers on the chat path should prefer AddAsync.
func (c *Client) Add(ctx context.Context, category, content string) error {
	if c == nil || c.baseURL == "" {
		return nil
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("memory: content is required")
	}
	body, err := json.Marshal(AddRequest{
		Content:  content,
		Category: category,
		Metadata: Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Source:    c.source,
		},
	})
	if err != nil {
		return fmt.Errorf("memory: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+addPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("memory: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory: add: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("memory: add: http status %d", resp.StatusCode)
	}
	return nil
}

// AddAsync records a memory entry in the background. Failures are logged at
// debug level and never propagate.
func (c *Client) AddAsync(category, content string) {
	if c == nil || c.baseURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if err := c.Add(ctx, category, content); err != nil {
			c.logger.Debug("memory: add failed", "category", category, "error", err)
		}
	}()
}
