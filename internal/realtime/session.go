package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yatharthsameer/Say-Flow/internal/auth"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateCommitting
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotReady = errors.New("realtime session not ready")
	ErrClosed   = errors.New("realtime session closed")
)

const (
	DefaultModel         = "gpt-4o-mini-transcribe"
	defaultLanguage      = "en"
	defaultCommitTimeout = 3 * time.Second
	writeTimeout         = 5 * time.Second
	eventBuffer          = 64
)

// Options configures one session.
type Options struct {
	URL           string
	Model         string
	Language      string
	Tokens        auth.TokenSource
	CommitTimeout time.Duration
	Dialer        *websocket.Dialer
}

// Session is one realtime transcription connection. It is created Idle,
// becomes Ready on session_ready and resolves exactly one transcript per
// Commit.
type Session struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	transcript string
	waiter     chan string
	err        error

	writeMu    sync.Mutex
	events     chan Event
	eventsOnce sync.Once
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	closeOnce  sync.Once
	onClose    func(*Session)

	tracer  trace.Tracer
	metrics *sessionMetrics
}

type sessionMetrics struct {
	chunksSent    metric.Int64Counter
	chunksDropped metric.Int64Counter
	connectMS     metric.Float64Histogram
	commitMS      metric.Float64Histogram
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter("github.com/yatharthsameer/Say-Flow/realtime")
	m := &sessionMetrics{}
	m.chunksSent, _ = meter.Int64Counter("sayflow.realtime.chunks_sent", metric.WithDescription("Audio chunks sent over realtime sessions"))
	m.chunksDropped, _ = meter.Int64Counter("sayflow.realtime.chunks_dropped", metric.WithDescription("Audio chunks dropped because the session was not ready"))
	m.connectMS, _ = meter.Float64Histogram("sayflow.realtime.connect_ms", metric.WithDescription("Time from dial to session_ready"))
	m.commitMS, _ = meter.Float64Histogram("sayflow.realtime.commit_ms", metric.WithDescription("Time from commit to resolved transcript"))
	return m
}

// NewSession returns an Idle session.
func NewSession(opts Options, log *slog.Logger) *Session {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Language == "" {
		opts.Language = defaultLanguage
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = defaultCommitTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Session{
		opts:    opts,
		log:     log.With(slog.String("component", "realtime-session")),
		events:  make(chan Event, eventBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		tracer:  otel.Tracer("github.com/yatharthsameer/Say-Flow/realtime"),
		metrics: newSessionMetrics(),
	}
}

// Events delivers forwarded server messages. The channel is closed once the
// connection ends.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the accumulated transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Err returns the error that moved the session to Errored, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Connect dials the endpoint and blocks until session_ready, a connection
// error or ctx expiry.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "realtime.connect",
		trace.WithAttributes(attribute.String("model", s.opts.Model), attribute.String("language", s.opts.Language)))
	defer span.End()

	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect from state %s", st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	endpoint, err := s.endpoint()
	if err != nil {
		s.fail(err)
		s.closeEvents()
		return err
	}
	header := http.Header{}
	if s.opts.Tokens != nil {
		token, err := s.opts.Tokens.AccessToken(ctx)
		if err != nil {
			s.log.Warn("access token unavailable", slogError(err))
		} else if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	s.log.Info("connecting to realtime endpoint", slog.String("model", s.opts.Model), slog.String("language", s.opts.Language))
	conn, resp, err := s.opts.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial realtime endpoint: %w (HTTP %d)", err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial realtime endpoint: %w", err)
		}
		s.fail(err)
		s.emit(Event{Type: EventError, Error: err.Error()})
		s.closeEvents()
		span.RecordError(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		s.closeEvents()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	select {
	case <-s.ready:
		elapsed := time.Since(start)
		s.metrics.connectMS.Record(ctx, float64(elapsed.Milliseconds()))
		s.log.Info("realtime session ready", slog.Int64("elapsed_ms", elapsed.Milliseconds()))
		return nil
	case <-s.done:
		select {
		case <-s.ready:
			return nil
		default:
		}
		err := s.Err()
		if err == nil {
			err = ErrClosed
		}
		span.RecordError(err)
		return err
	case <-ctx.Done():
		err := fmt.Errorf("await session_ready: %w", ctx.Err())
		s.fail(err)
		_ = conn.Close()
		<-s.done
		span.RecordError(err)
		return err
	}
}

func (s *Session) endpoint() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", s.opts.Model)
	q.Set("language", s.opts.Language)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio sends one PCM16 chunk. Chunks are written in call order. Audio
// is dropped while the session is not Ready or Streaming.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.state = StateStreaming
	case StateStreaming:
	default:
		st := s.state
		s.mu.Unlock()
		s.metrics.chunksDropped.Add(context.Background(), 1)
		s.log.Debug("dropping audio chunk", slog.String("state", st.String()), slog.Int("bytes", len(pcm)))
		return ErrNotReady
	}
	conn := s.conn
	s.mu.Unlock()

	msg := outbound{Type: msgAudioChunk, Data: base64.StdEncoding.EncodeToString(pcm)}
	if err := s.write(conn, msg); err != nil {
		s.log.Warn("failed to send audio chunk", slogError(err))
		return err
	}
	s.metrics.chunksSent.Add(context.Background(), 1)
	return nil
}

// Commit asks for the final transcript and waits for transcript_final or
// transcript_completed, the commit timeout, or the connection ending. It
// always returns the best transcript available.
func (s *Session) Commit(ctx context.Context) string {
	ctx, span := s.tracer.Start(ctx, "realtime.commit")
	defer span.End()

	s.mu.Lock()
	if s.state != StateReady && s.state != StateStreaming {
		st, text := s.state, s.transcript
		s.mu.Unlock()
		s.log.Warn("commit without an open session", slog.String("state", st.String()))
		return text
	}
	waiter := make(chan string, 1)
	s.waiter = waiter
	s.state = StateCommitting
	conn := s.conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.waiter == waiter {
			s.waiter = nil
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := s.write(conn, outbound{Type: msgCommit}); err != nil {
		s.log.Warn("failed to send commit", slogError(err))
		return s.Transcript()
	}

	timer := time.NewTimer(s.opts.CommitTimeout)
	defer timer.Stop()

	var (
		text   string
		source string
	)
	select {
	case text = <-waiter:
		source = "server"
	case <-timer.C:
		text, source = s.Transcript(), "timeout"
	case <-s.done:
		text, source = s.Transcript(), "closed"
	case <-ctx.Done():
		text, source = s.Transcript(), "cancelled"
	}
	elapsed := time.Since(start)
	s.metrics.commitMS.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("source", source)))
	s.log.Info("commit resolved", slog.String("source", source),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()), slog.Int("transcript_len", len(text)))
	return text
}

// Cancel tells the server to discard buffered audio. It does not close the
// session and is a no-op when not connected.
func (s *Session) Cancel() {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateReady || s.state == StateStreaming || s.state == StateCommitting
	s.mu.Unlock()
	if !connected || conn == nil {
		return
	}
	if err := s.write(conn, outbound{Type: msgCancel}); err != nil {
		s.log.Warn("failed to send cancel", slogError(err))
	}
}

// Close tears down the connection and clears the transcript. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.transcript = ""
		s.state = StateClosed
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
			<-s.done
		} else if prev != StateConnecting {
			s.closeEvents()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		s.log.Debug("realtime session closed")
	})
}

func (s *Session) write(conn *websocket.Conn, msg outbound) error {
	if conn == nil {
		return ErrNotReady
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.done)
	defer s.closeEvents()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			err = fmt.Errorf("realtime connection lost: %w", err)
			if s.fail(err) {
				s.log.Warn("realtime socket error", slogError(err))
				s.emit(Event{Type: EventError, Error: err.Error()})
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("ignoring malformed realtime message", slogError(err))
		return
	}

	switch ev.Type {
	case EventSessionReady:
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
	case EventTranscriptDelta:
		s.mu.Lock()
		if ev.Transcript != "" {
			s.transcript = ev.Transcript
		}
		s.mu.Unlock()
	case EventTranscriptCompleted, EventTranscriptFinal:
		s.mu.Lock()
		if ev.Transcript != "" {
			s.transcript = ev.Transcript
		}
		if s.waiter != nil {
			s.waiter <- s.transcript
			s.waiter = nil
		}
		s.mu.Unlock()
	case EventSpeechStarted, EventSpeechStopped:
	case EventError:
		if ev.Error == "" {
			ev.Error = "unknown realtime error"
		}
		s.log.Warn("realtime server error", slog.String("error", ev.Error))
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateErrored
			s.err = errors.New(ev.Error)
			conn := s.conn
			s.mu.Unlock()
			s.emit(ev)
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		s.mu.Unlock()
	default:
		s.log.Debug("ignoring unknown realtime message", slog.String("type", string(ev.Type)))
		return
	}
	s.emit(ev)
}

// fail moves a live session to Errored, reporting whether it did.
func (s *Session) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateErrored {
		return false
	}
	s.state = StateErrored
	s.err = err
	return true
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug("event buffer full, dropping event", slog.String("type", string(ev.Type)))
	}
}

func (s *Session) closeEvents() {
	s.eventsOnce.Do(func() { close(s.events) })
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
