package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yatharthsameer/Say-Flow/internal/auth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type handshake struct {
	mu       sync.Mutex
	auth     string
	model    string
	language string
}

func serve(t *testing.T, hs *handshake, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hs != nil {
			hs.mu.Lock()
			hs.auth = r.Header.Get("Authorization")
			hs.model = r.URL.Query().Get("model")
			hs.language = r.URL.Query().Get("language")
			hs.mu.Unlock()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime/transcribe"
}

func readUntilClosed(conn *websocket.Conn, on func(outbound)) {
	for {
		var msg outbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		on(msg)
	}
}

func newTestSession(url string, timeout time.Duration) *Session {
	return NewSession(Options{
		URL:           url,
		Model:         "gpt-4o-mini-transcribe",
		Language:      "en",
		Tokens:        auth.Static("secret"),
		CommitTimeout: timeout,
	}, newLogger())
}

func TestHappyPathCommitResolvesFinalTranscript(t *testing.T) {
	hs := &handshake{}
	var (
		mu     sync.Mutex
		chunks []string
	)
	url := serve(t, hs, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		readUntilClosed(conn, func(msg outbound) {
			switch msg.Type {
			case msgAudioChunk:
				mu.Lock()
				chunks = append(chunks, msg.Data)
				mu.Unlock()
			case msgCommit:
				_ = conn.WriteJSON(Event{Type: EventTranscriptFinal, Transcript: "test"})
			}
		})
	})

	s := newTestSession(url, 3*time.Second)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}

	payloads := [][]byte{{1, 0}, {2, 0}, {3, 0}}
	for _, p := range payloads {
		if err := s.SendAudio(p); err != nil {
			t.Fatalf("send audio: %v", err)
		}
	}
	if s.State() != StateStreaming {
		t.Fatalf("expected streaming, got %s", s.State())
	}

	start := time.Now()
	if got := s.Commit(context.Background()); got != "test" {
		t.Fatalf("expected transcript %q, got %q", "test", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("commit should resolve on the final message, not the timeout")
	}

	mu.Lock()
	if len(chunks) != 3 {
		mu.Unlock()
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, p := range payloads {
		if chunks[i] != base64.StdEncoding.EncodeToString(p) {
			mu.Unlock()
			t.Fatalf("chunk %d out of order: %s", i, chunks[i])
		}
	}
	mu.Unlock()

	hs.mu.Lock()
	if hs.auth != "Bearer secret" || hs.model != "gpt-4o-mini-transcribe" || hs.language != "en" {
		hs.mu.Unlock()
		t.Fatalf("unexpected handshake: %+v", hs)
	}
	hs.mu.Unlock()

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if s.Transcript() != "" {
		t.Fatalf("expected transcript reset after close, got %q", s.Transcript())
	}
	s.Close()
}

func TestCommitTimeoutReturnsLastTranscript(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		readUntilClosed(conn, func(msg outbound) {
			if msg.Type == msgAudioChunk {
				_ = conn.WriteJSON(Event{Type: EventTranscriptDelta, Delta: "hello", Transcript: "hello"})
				_ = conn.WriteJSON(Event{Type: EventTranscriptDelta, Delta: " world"})
			}
		})
	})

	s := newTestSession(url, 300*time.Millisecond)
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("send: %v", err)
	}

	start := time.Now()
	got := s.Commit(context.Background())
	if got != "hello" {
		t.Fatalf("expected last accumulated transcript, got %q", got)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("commit should resolve at the timeout, took %v", elapsed)
	}
}

func TestCommitTimeoutWithNothingReturnsEmpty(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		readUntilClosed(conn, func(outbound) {})
	})
	s := newTestSession(url, 200*time.Millisecond)
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := s.Commit(context.Background()); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
}

func TestAudioBeforeReadyIsDropped(t *testing.T) {
	s := newTestSession("ws://127.0.0.1:1/unused", time.Second)
	if err := s.SendAudio([]byte{1, 2}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if got := s.Commit(context.Background()); got != "" {
		t.Fatalf("commit on idle session should return empty, got %q", got)
	}
	s.Cancel()
	s.Close()
	if _, ok := <-s.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

func TestConnectFailsOnRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s := newTestSession("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	t.Cleanup(s.Close)
	err := s.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 connect error, got %v", err)
	}
	if s.State() != StateErrored {
		t.Fatalf("expected errored, got %s", s.State())
	}
}

func TestServerErrorBeforeReadyFailsConnect(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventError, Error: "invalid model"})
		readUntilClosed(conn, func(outbound) {})
	})
	s := newTestSession(url, time.Second)
	t.Cleanup(s.Close)
	err := s.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestMalformedAndUnknownMessagesIgnored(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(map[string]string{"type": "mystery"})
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		_ = conn.WriteJSON(Event{Type: EventSpeechStarted})
		readUntilClosed(conn, func(outbound) {})
	})
	s := newTestSession(url, time.Second)
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	seen := map[EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventSpeechStarted] {
		select {
		case ev := <-s.Events():
			seen[ev.Type] = true
		case <-deadline:
			t.Fatal("speech_started not forwarded")
		}
	}
	if seen["mystery"] {
		t.Fatal("unknown message type must not be forwarded")
	}
	if s.State() != StateReady {
		t.Fatalf("bad messages must not tear down the session, state %s", s.State())
	}
}

func TestMidSessionDisconnectSurfacesError(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		var msg outbound
		_ = conn.ReadJSON(&msg)
	})
	s := newTestSession(url, 3*time.Second)
	t.Cleanup(s.Close)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = s.SendAudio([]byte{0, 0})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatal("events closed without an error event")
			}
			if ev.Type == EventError {
				if s.State() != StateErrored {
					t.Fatalf("expected errored, got %s", s.State())
				}
				start := time.Now()
				_ = s.Commit(context.Background())
				if time.Since(start) > time.Second {
					t.Fatal("commit on a dead session must return promptly")
				}
				return
			}
		case <-deadline:
			t.Fatal("no error event after disconnect")
		}
	}
}

func TestClientKeepsSingleActiveSession(t *testing.T) {
	url := serve(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Type: EventSessionReady})
		readUntilClosed(conn, func(outbound) {})
	})
	c := NewClient(url, auth.Static(""), time.Second, newLogger())

	first, err := c.Open(context.Background(), "", "")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := c.Open(context.Background(), "", "")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("previous session should be closed, got %s", first.State())
	}
	if c.Active() != second {
		t.Fatal("expected second session active")
	}
	second.Close()
	if c.Active() != nil {
		t.Fatal("closing the active session should release it")
	}
}
