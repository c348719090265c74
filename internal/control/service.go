// Package control exposes the recording orchestrator to the widget and the
// hotkey listener: NATS subjects for hotkey events and a local HTTP API.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/yatharthsameer/Say-Flow/internal/backend"
	"github.com/yatharthsameer/Say-Flow/internal/outbox"
	"github.com/yatharthsameer/Say-Flow/internal/protocol"
	"github.com/yatharthsameer/Say-Flow/internal/recording"
	"github.com/yatharthsameer/Say-Flow/internal/settings"
)

type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) recording.Outcome
	Cancel()
	Mode() settings.Mode
	Recording() (bool, settings.Mode)
	RetryItem(ctx context.Context, id string) (recording.Outcome, error)
	RetryAll(ctx context.Context) ([]recording.Outcome, error)
}

type Outbox interface {
	Snapshot(ctx context.Context) (outbox.Document, error)
	Get(ctx context.Context, id string) (outbox.Item, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type Copier interface {
	CopyText(text string) error
}

type StatsFetcher interface {
	FetchStats(ctx context.Context, rangeName string) (backend.Stats, error)
}

type Preferences interface {
	Current() settings.Settings
	Update(fn func(*settings.Settings) error) (settings.Settings, error)
	Reset() (settings.Settings, error)
}

// ModeAnnouncer tells the widget when the transcription mode changes.
type ModeAnnouncer interface {
	ModeChanged(mode string)
}

type Deps struct {
	Recorder Recorder
	Outbox   Outbox
	Settings Preferences
	Copier   Copier
	Stats    StatsFetcher
	Modes    ModeAnnouncer
	Logger   *slog.Logger
}

type Service struct {
	recorder Recorder
	outbox   Outbox
	prefs    Preferences
	copier   Copier
	stats    StatsFetcher
	modes    ModeAnnouncer
	log      *slog.Logger

	// serializes settings writes with their mode announcement
	prefsMu sync.Mutex

	// base outlives individual requests so uploads finish after a client
	// disconnects.
	base context.Context
	subs []*nats.Subscription
}

func New(base context.Context, deps Deps) *Service {
	return &Service{
		recorder: deps.Recorder,
		outbox:   deps.Outbox,
		prefs:    deps.Settings,
		copier:   deps.Copier,
		stats:    deps.Stats,
		modes:    deps.Modes,
		log:      deps.Logger.With(slog.String("component", "control")),
		base:     base,
	}
}

// Subscribe listens for hotkey and cancel events. Events arrive on one
// subscription so hotkey-down is always handled before its hotkey-up.
func (s *Service) Subscribe(nc *nats.Conn) error {
	hotkeys, err := nc.Subscribe("sayflow.hotkey.*", s.handleHotkey)
	if err != nil {
		return err
	}
	cancel, err := nc.Subscribe(protocol.SubjectRecordingCancel, func(*nats.Msg) {
		s.recorder.Cancel()
	})
	if err != nil {
		_ = hotkeys.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, hotkeys, cancel)
	s.log.Info("control subscriptions active")
	return nil
}

// Unsubscribe drops the NATS subscriptions.
func (s *Service) Unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) handleHotkey(msg *nats.Msg) {
	var ev protocol.HotkeyEvent
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.log.Debug("ignoring malformed hotkey payload", slogError(err))
		}
	}
	switch msg.Subject {
	case protocol.SubjectHotkeyDown:
		if err := s.recorder.Start(s.base); err != nil {
			s.log.Warn("hotkey start failed", slog.String("source", ev.Source), slogError(err))
		}
	case protocol.SubjectHotkeyUp:
		go s.recorder.Stop(s.base)
	default:
		s.log.Debug("unknown hotkey subject", slog.String("subject", msg.Subject))
	}
}

// Register mounts the API routes on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/mode", s.handleMode)
	mux.HandleFunc("POST /v1/recording/start", s.handleStart)
	mux.HandleFunc("POST /v1/recording/stop", s.handleStop)
	mux.HandleFunc("POST /v1/recording/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/outbox", s.handleOutbox)
	mux.HandleFunc("POST /v1/outbox/retry", s.handleRetryAll)
	mux.HandleFunc("GET /v1/outbox/{id}", s.handleGetItem)
	mux.HandleFunc("DELETE /v1/outbox/{id}", s.handleDeleteItem)
	mux.HandleFunc("POST /v1/outbox/{id}/retry", s.handleRetryItem)
	mux.HandleFunc("POST /v1/outbox/{id}/copy", s.handleCopyItem)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /v1/settings", s.handlePatchSettings)
	mux.HandleFunc("POST /v1/settings/reset", s.handleResetSettings)
}

func (s *Service) handleMode(w http.ResponseWriter, _ *http.Request) {
	recording, active := s.recorder.Recording()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      s.recorder.Mode(),
		"recording": recording,
		"active":    active,
	})
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Start(s.detach(r)); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	recording, mode := s.recorder.Recording()
	writeJSON(w, http.StatusOK, map[string]any{"recording": recording, "mode": mode})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Stop(s.detach(r)))
}

func (s *Service) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.recorder.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleOutbox(w http.ResponseWriter, r *http.Request) {
	doc, err := s.outbox.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Service) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.outbox.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Service) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	removed, err := s.outbox.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, outbox.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	out, err := s.recorder.RetryItem(s.detach(r), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.recorder.RetryAll(s.detach(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func (s *Service) handleCopyItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.outbox.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if item.Status != outbox.StatusSuccess || item.TranscriptText == "" {
		writeError(w, http.StatusConflict, errors.New("item has no transcript"))
		return
	}
	if err := s.copier.CopyText(item.TranscriptText); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"copied": true})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	rangeName := r.URL.Query().Get("range")
	switch rangeName {
	case "", "today", "7d", "30d":
	default:
		writeError(w, http.StatusBadRequest, errors.New("range must be one of today|7d|30d"))
		return
	}
	stats, err := s.stats.FetchStats(r.Context(), rangeName)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prefs.Current())
}

// handlePatchSettings merges the JSON body over the current settings.
func (s *Service) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.applySettings(w, func() (settings.Settings, error) {
		return s.prefs.Update(func(cur *settings.Settings) error {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.DisallowUnknownFields()
			if err := dec.Decode(cur); err != nil {
				return fmt.Errorf("%w: %v", settings.ErrInvalid, err)
			}
			return nil
		})
	})
}

func (s *Service) handleResetSettings(w http.ResponseWriter, _ *http.Request) {
	s.applySettings(w, s.prefs.Reset)
}

func (s *Service) applySettings(w http.ResponseWriter, apply func() (settings.Settings, error)) {
	s.prefsMu.Lock()
	defer s.prefsMu.Unlock()
	before := s.prefs.Current().Transcription.Mode
	next, err := apply()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, settings.ErrInvalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	if mode := next.Transcription.Mode; mode != before {
		s.log.Info("transcription mode changed", slog.String("from", string(before)), slog.String("to", string(mode)))
		if s.modes != nil {
			s.modes.ModeChanged(string(mode))
		}
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Service) detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recording.ErrNotRetryable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
