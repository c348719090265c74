package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yatharthsameer/Say-Flow/internal/auth"
)

// Client opens realtime sessions and keeps at most one active per process.
// Opening a new session tears down the previous one first.
type Client struct {
	url           string
	tokens        auth.TokenSource
	commitTimeout time.Duration
	dialer        *websocket.Dialer
	log           *slog.Logger

	mu     sync.Mutex
	active *Session
}

func NewClient(url string, tokens auth.TokenSource, commitTimeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		url:           url,
		tokens:        tokens,
		commitTimeout: commitTimeout,
		dialer:        websocket.DefaultDialer,
		log:           log,
	}
}

// Open creates a session bound to model and language and connects it. On
// failure the session is closed and the error returned.
func (c *Client) Open(ctx context.Context, model, language string) (*Session, error) {
	s := NewSession(Options{
		URL:           c.url,
		Model:         model,
		Language:      language,
		Tokens:        c.tokens,
		CommitTimeout: c.commitTimeout,
		Dialer:        c.dialer,
	}, c.log)
	s.onClose = c.release

	c.mu.Lock()
	prev := c.active
	c.active = s
	c.mu.Unlock()
	if prev != nil {
		c.log.Warn("replacing active realtime session")
		prev.Close()
	}

	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Active returns the current session, if any.
func (c *Client) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CloseActive tears down the current session.
func (c *Client) CloseActive() {
	if s := c.Active(); s != nil {
		s.Close()
	}
}

func (c *Client) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
}
