// Package recording coordinates one dictation attempt at a time: it picks
// the pipeline at hotkey-down, feeds captured audio into an upload or a
// realtime session, and reconciles the result into the outbox, the paste
// collaborator and UI notifications.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yatharthsameer/Say-Flow/internal/audiofile"
	"github.com/yatharthsameer/Say-Flow/internal/backend"
	"github.com/yatharthsameer/Say-Flow/internal/capture"
	"github.com/yatharthsameer/Say-Flow/internal/notify"
	"github.com/yatharthsameer/Say-Flow/internal/outbox"
	"github.com/yatharthsameer/Say-Flow/internal/paste"
	"github.com/yatharthsameer/Say-Flow/internal/realtime"
	"github.com/yatharthsameer/Say-Flow/internal/settings"
)

var ErrNotRetryable = errors.New("outbox item is not in failed state")

const frameQueueSize = 64

// Capture routes microphone samples to one consumer at a time.
type Capture interface {
	Attach(consumer capture.Consumer) error
	Detach(consumer capture.Consumer)
}

type ClipRecorder interface {
	capture.Consumer
	Start()
	Stop() (capture.Clip, bool, error)
}

type Framer interface {
	capture.Consumer
	Start(emit func([]int16))
	Stop()
}

// Session is a connected realtime transcription session.
type Session interface {
	SendAudio(pcm []byte) error
	Commit(ctx context.Context) string
	Cancel()
	Close()
	Events() <-chan realtime.Event
}

// SessionOpener connects a fresh session, replacing any active one.
type SessionOpener func(ctx context.Context, model, language string) (Session, error)

type Uploader interface {
	Transcribe(ctx context.Context, up backend.Upload) backend.Result
}

type Outbox interface {
	Add(ctx context.Context, item outbox.Item) error
	Get(ctx context.Context, id string) (outbox.Item, error)
	Failed(ctx context.Context) ([]outbox.Item, error)
	MarkSuccess(ctx context.Context, id, text string) (outbox.Item, error)
	MarkFailed(ctx context.Context, id, lastError string) (outbox.Item, error)
	MarkPending(ctx context.Context, id string) (outbox.Item, error)
}

type AudioFiles interface {
	Save(id string, data []byte) (audiofile.Saved, error)
	Delete(path string) bool
	Read(path string) ([]byte, error)
}

type Paster interface {
	Paste(ctx context.Context, text string, opts paste.Options) paste.Result
}

type Deps struct {
	Capture        Capture
	Clip           ClipRecorder
	Framer         Framer
	OpenSession    SessionOpener
	Uploader       Uploader
	Outbox         Outbox
	Audio          AudioFiles
	Paster         Paster
	Notifier       notify.Notifier
	Settings       settings.Source
	RealtimeModel  string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
	StatusCancelled Status = "cancelled"
	StatusIgnored   Status = "ignored"
)

// Outcome describes how an attempt ended.
type Outcome struct {
	AttemptID string        `json:"attemptId,omitempty"`
	Mode      settings.Mode `json:"mode,omitempty"`
	Status    Status        `json:"status"`
	Text      string        `json:"text,omitempty"`
	Error     string        `json:"error,omitempty"`
	Pasted    bool          `json:"pasted"`
}

type attempt struct {
	id       string
	mode     settings.Mode
	settings settings.Settings
	started  time.Time
	ready    chan struct{}
	startErr error
	stopping bool

	session    Session
	frames     chan []byte
	pumpDone   chan struct{}
	eventsDone chan struct{}
	dropped    int

	errMu      sync.Mutex
	sessionErr string
}

func (a *attempt) setSessionErr(msg string) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.sessionErr == "" {
		a.sessionErr = msg
	}
}

func (a *attempt) sessionError() string {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.sessionErr
}

// Orchestrator is the single owner of recording state.
type Orchestrator struct {
	deps Deps
	log  *slog.Logger

	tracer   trace.Tracer
	attempts metric.Int64Counter
	latency  metric.Float64Histogram

	mu      sync.Mutex
	current *attempt
}

func New(deps Deps) *Orchestrator {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.RealtimeModel == "" {
		deps.RealtimeModel = realtime.DefaultModel
	}
	if deps.ConnectTimeout <= 0 {
		deps.ConnectTimeout = 10 * time.Second
	}
	meter := otel.Meter("github.com/yatharthsameer/Say-Flow/recording")
	attempts, _ := meter.Int64Counter("sayflow.recording.attempts", metric.WithDescription("Recording attempts by mode and outcome"))
	latency, _ := meter.Float64Histogram("sayflow.recording.finalize_ms", metric.WithDescription("Time from hotkey-up to outcome"))
	return &Orchestrator{
		deps:     deps,
		log:      deps.Logger.With(slog.String("component", "recording")),
		tracer:   otel.Tracer("github.com/yatharthsameer/Say-Flow/recording"),
		attempts: attempts,
		latency:  latency,
	}
}

// Recording reports whether an attempt is in progress and its mode.
func (o *Orchestrator) Recording() (bool, settings.Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return false, ""
	}
	return true, o.current.mode
}

// Mode is the pipeline the next hotkey-down will use.
func (o *Orchestrator) Mode() settings.Mode {
	mode := o.deps.Settings.Current().Transcription.Mode
	if mode == "" {
		return settings.ModeStandard
	}
	return mode
}

// Start begins a recording in the mode configured right now. Starting while
// a recording is in progress does nothing.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		o.log.Info("start ignored, already recording")
		return nil
	}
	cur := o.deps.Settings.Current()
	a := &attempt{
		id:       uuid.NewString(),
		mode:     cur.Transcription.Mode,
		settings: cur,
		started:  time.Now(),
		ready:    make(chan struct{}),
	}
	if a.mode != settings.ModeRealtime {
		a.mode = settings.ModeStandard
	}
	o.current = a
	o.mu.Unlock()

	var err error
	if a.mode == settings.ModeRealtime {
		err = o.startRealtime(ctx, a)
	} else {
		err = o.startStandard(a)
	}
	if err != nil {
		a.startErr = err
		o.mu.Lock()
		if o.current == a {
			o.current = nil
		}
		o.mu.Unlock()
		close(a.ready)
		o.log.Error("recording failed to start", slog.String("attempt", a.id), slog.String("mode", string(a.mode)), slogError(err))
		o.record(ctx, a.mode, StatusFailed)
		o.deps.Notifier.Notify(notify.Event{Kind: notify.KindError, AttemptID: a.id, Mode: string(a.mode), Error: err.Error()})
		return err
	}
	close(a.ready)
	o.log.Info("recording started", slog.String("attempt", a.id), slog.String("mode", string(a.mode)))
	return nil
}

func (o *Orchestrator) startStandard(a *attempt) error {
	o.deps.Clip.Start()
	if err := o.deps.Capture.Attach(o.deps.Clip); err != nil {
		_, _, _ = o.deps.Clip.Stop()
		return err
	}
	return nil
}

func (o *Orchestrator) startRealtime(ctx context.Context, a *attempt) error {
	model := o.deps.RealtimeModel
	if a.settings.Transcription.Provider == settings.ProviderOpenAI && a.settings.Transcription.Model != "" {
		model = a.settings.Transcription.Model
	}
	language := a.settings.Language

	connectCtx, cancel := context.WithTimeout(ctx, o.deps.ConnectTimeout)
	defer cancel()
	start := time.Now()
	session, err := o.deps.OpenSession(connectCtx, model, language)
	if err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}
	o.log.Info("realtime session ready",
		slog.String("attempt", a.id),
		slog.String("model", model),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	a.session = session
	a.frames = make(chan []byte, frameQueueSize)
	a.pumpDone = make(chan struct{})
	a.eventsDone = make(chan struct{})
	go o.pump(a)
	go o.watchEvents(a)

	o.deps.Framer.Start(func(frame []int16) {
		select {
		case a.frames <- capture.EncodePCM16(frame):
		default:
			a.dropped++
		}
	})
	if err := o.deps.Capture.Attach(o.deps.Framer); err != nil {
		o.teardownRealtime(a, false)
		return err
	}
	return nil
}

// pump sends frames in production order.
func (o *Orchestrator) pump(a *attempt) {
	defer close(a.pumpDone)
	for pcm := range a.frames {
		if err := a.session.SendAudio(pcm); err != nil && !errors.Is(err, realtime.ErrNotReady) {
			o.log.Debug("audio chunk not sent", slogError(err))
		}
	}
}

func (o *Orchestrator) watchEvents(a *attempt) {
	defer close(a.eventsDone)
	for ev := range a.session.Events() {
		switch ev.Type {
		case realtime.EventTranscriptDelta, realtime.EventTranscriptCompleted, realtime.EventTranscriptFinal:
			text := ev.Transcript
			if text == "" {
				text = ev.Delta
			}
			if text != "" {
				o.deps.Notifier.Notify(notify.Event{Kind: notify.KindPartial, AttemptID: a.id, Mode: string(a.mode), Text: text})
			}
		case realtime.EventError:
			o.log.Warn("realtime session error", slog.String("attempt", a.id), slog.String("error", ev.Error))
			a.setSessionErr(ev.Error)
		}
	}
}

// teardownRealtime stops the framer and pump, then closes the session.
func (o *Orchestrator) teardownRealtime(a *attempt, cancel bool) {
	o.deps.Capture.Detach(o.deps.Framer)
	o.deps.Framer.Stop()
	close(a.frames)
	<-a.pumpDone
	if a.dropped > 0 {
		o.log.Warn("audio frames dropped", slog.String("attempt", a.id), slog.Int("frames", a.dropped))
	}
	if cancel {
		a.session.Cancel()
	}
	a.session.Close()
	<-a.eventsDone
}

// Stop ends the current recording and returns its outcome. Stopping while
// idle does nothing.
func (o *Orchestrator) Stop(ctx context.Context) Outcome {
	a := o.claim("stop")
	if a == nil {
		return Outcome{Status: StatusIgnored}
	}
	<-a.ready
	if a.startErr != nil {
		return Outcome{AttemptID: a.id, Mode: a.mode, Status: StatusIgnored}
	}

	ctx, span := o.tracer.Start(ctx, "recording.stop",
		trace.WithAttributes(attribute.String("attempt", a.id), attribute.String("mode", string(a.mode))))
	defer span.End()

	stopped := time.Now()
	var out Outcome
	if a.mode == settings.ModeRealtime {
		out = o.finishRealtime(ctx, a)
		o.release(a)
	} else {
		out = o.finishStandard(ctx, a)
	}
	o.latency.Record(ctx, float64(time.Since(stopped).Milliseconds()), metric.WithAttributes(attribute.String("mode", string(a.mode))))
	o.record(ctx, a.mode, out.Status)
	span.SetAttributes(attribute.String("status", string(out.Status)))
	o.log.Info("recording finished",
		slog.String("attempt", out.AttemptID),
		slog.String("mode", string(a.mode)),
		slog.String("status", string(out.Status)),
		slog.Int64("total_ms", time.Since(a.started).Milliseconds()))
	return out
}

// Cancel abandons the current recording without transcribing it.
func (o *Orchestrator) Cancel() {
	a := o.claim("cancel")
	if a == nil {
		return
	}
	<-a.ready
	if a.startErr != nil {
		return
	}
	if a.mode == settings.ModeRealtime {
		o.teardownRealtime(a, true)
		o.release(a)
	} else {
		o.deps.Capture.Detach(o.deps.Clip)
		_, _, _ = o.deps.Clip.Stop()
		o.release(a)
	}
	o.record(context.Background(), a.mode, StatusCancelled)
	o.log.Info("recording cancelled", slog.String("attempt", a.id))
}

// claim marks the current attempt as stopping. The attempt keeps the guard
// until its capture is torn down: standard attempts release it once the clip
// recorder has stopped, before saving and uploading; realtime attempts hold
// it until the session is closed.
func (o *Orchestrator) claim(op string) *attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	a := o.current
	if a == nil || a.stopping {
		o.log.Info(op+" ignored, not recording")
		return nil
	}
	a.stopping = true
	return a
}

func (o *Orchestrator) release(a *attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == a {
		o.current = nil
	}
}

func (o *Orchestrator) finishStandard(ctx context.Context, a *attempt) Outcome {
	o.deps.Capture.Detach(o.deps.Clip)
	clip, ok, err := o.deps.Clip.Stop()
	o.release(a)
	if err != nil {
		return o.fail(a, a.id, fmt.Errorf("finalize recording: %w", err))
	}
	if !ok {
		o.log.Info("recording too short, discarded", slog.String("attempt", a.id), slog.Int64("duration_ms", clip.DurationMS))
		return Outcome{AttemptID: a.id, Mode: a.mode, Status: StatusDiscarded}
	}

	saveStart := time.Now()
	saved, err := o.deps.Audio.Save(a.id, clip.Data)
	if err != nil {
		return o.fail(a, a.id, fmt.Errorf("save audio: %w", err))
	}
	o.log.Info("audio saved", slog.String("id", saved.ID), slog.Int64("elapsed_ms", time.Since(saveStart).Milliseconds()))

	item := outbox.Item{
		ID:          saved.ID,
		CreatedAt:   time.Now().UTC(),
		AudioPath:   saved.Path,
		DurationMS:  clip.DurationMS,
		AudioFormat: clip.Format,
		Language:    a.settings.Language,
		Status:      outbox.StatusPending,
	}
	if err := o.deps.Outbox.Add(ctx, item); err != nil {
		o.deps.Audio.Delete(saved.Path)
		return o.fail(a, saved.ID, fmt.Errorf("record outbox item: %w", err))
	}
	o.deps.Notifier.Notify(notify.Event{Kind: notify.KindProcessing, AttemptID: item.ID, Mode: string(a.mode)})
	return o.upload(ctx, item, a.settings, true)
}

func (o *Orchestrator) finishRealtime(ctx context.Context, a *attempt) Outcome {
	o.deps.Capture.Detach(o.deps.Framer)
	o.deps.Framer.Stop()
	close(a.frames)
	<-a.pumpDone
	if a.dropped > 0 {
		o.log.Warn("audio frames dropped", slog.String("attempt", a.id), slog.Int("frames", a.dropped))
	}

	commitStart := time.Now()
	text := a.session.Commit(ctx)
	o.log.Info("realtime commit resolved",
		slog.String("attempt", a.id),
		slog.Int("transcript_len", len(text)),
		slog.Int64("elapsed_ms", time.Since(commitStart).Milliseconds()))
	a.session.Close()
	<-a.eventsDone

	out := Outcome{AttemptID: a.id, Mode: a.mode, Status: StatusSuccess}
	if strings.TrimSpace(text) == "" {
		if msg := a.sessionError(); msg != "" {
			return o.fail(a, a.id, errors.New(msg))
		}
		o.deps.Notifier.Notify(notify.Event{Kind: notify.KindSuccess, AttemptID: a.id, Mode: string(a.mode)})
		return out
	}

	res := o.deps.Paster.Paste(ctx, text, paste.Options{AutoPaste: a.settings.AutoPaste, RestoreClipboard: a.settings.RestoreClipboard})
	out.Text = text
	out.Pasted = res.Pasted
	o.deps.Notifier.Notify(notify.Event{Kind: notify.KindSuccess, AttemptID: a.id, Mode: string(a.mode), Text: text})
	return out
}

func (o *Orchestrator) fail(a *attempt, id string, err error) Outcome {
	o.log.Error("recording failed", slog.String("attempt", id), slogError(err))
	o.deps.Notifier.Notify(notify.Event{Kind: notify.KindError, AttemptID: id, Mode: string(a.mode), Error: err.Error()})
	return Outcome{AttemptID: id, Mode: a.mode, Status: StatusFailed, Error: err.Error()}
}

// upload submits a pending item and reconciles the result. The audio file is
// removed only on success.
func (o *Orchestrator) upload(ctx context.Context, item outbox.Item, cur settings.Settings, doPaste bool) Outcome {
	out := Outcome{AttemptID: item.ID, Mode: settings.ModeStandard}

	failed := func(msg string) Outcome {
		if _, err := o.deps.Outbox.MarkFailed(ctx, item.ID, msg); err != nil {
			o.log.Error("failed to mark outbox item failed", slog.String("id", item.ID), slogError(err))
		}
		o.deps.Notifier.Notify(notify.Event{Kind: notify.KindError, AttemptID: item.ID, Mode: string(out.Mode), Error: msg})
		out.Status = StatusFailed
		out.Error = msg
		return out
	}

	data, err := o.deps.Audio.Read(item.AudioPath)
	if err != nil {
		return failed(fmt.Sprintf("read audio: %v", err))
	}

	uploadStart := time.Now()
	res := o.deps.Uploader.Transcribe(ctx, backend.Upload{
		Audio:          data,
		Filename:       filepath.Base(item.AudioPath),
		DurationMS:     item.DurationMS,
		AudioFormat:    item.AudioFormat,
		Language:       item.Language,
		Provider:       string(cur.Transcription.Provider),
		Model:          cur.Transcription.Model,
		IdempotencyKey: item.ID,
	})
	o.log.Info("upload complete",
		slog.String("id", item.ID),
		slog.Bool("ok", res.OK),
		slog.Int64("elapsed_ms", time.Since(uploadStart).Milliseconds()))
	if !res.OK {
		return failed(res.Error)
	}

	if _, err := o.deps.Outbox.MarkSuccess(ctx, item.ID, res.Data.Text); err != nil {
		o.log.Error("failed to mark outbox item succeeded", slog.String("id", item.ID), slogError(err))
	}
	if doPaste {
		pasted := o.deps.Paster.Paste(ctx, res.Data.Text, paste.Options{AutoPaste: cur.AutoPaste, RestoreClipboard: cur.RestoreClipboard})
		out.Pasted = pasted.Pasted
	}
	o.deps.Audio.Delete(item.AudioPath)
	o.deps.Notifier.Notify(notify.Event{Kind: notify.KindSuccess, AttemptID: item.ID, Mode: string(out.Mode), Text: res.Data.Text})
	out.Status = StatusSuccess
	out.Text = res.Data.Text
	return out
}

// RetryItem re-submits one failed item through the standard upload path and
// pastes the result.
func (o *Orchestrator) RetryItem(ctx context.Context, id string) (Outcome, error) {
	item, err := o.deps.Outbox.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if item.Status != outbox.StatusFailed {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, item.Status)
	}
	return o.retry(ctx, item, true)
}

// RetryAll re-submits every failed item, oldest first, without pasting.
func (o *Orchestrator) RetryAll(ctx context.Context) ([]Outcome, error) {
	items, err := o.deps.Outbox.Failed(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out, err := o.retry(ctx, items[i], false)
		if err != nil {
			o.log.Warn("retry skipped", slog.String("id", items[i].ID), slogError(err))
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (o *Orchestrator) retry(ctx context.Context, item outbox.Item, doPaste bool) (Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "recording.retry", trace.WithAttributes(attribute.String("id", item.ID)))
	defer span.End()

	pending, err := o.deps.Outbox.MarkPending(ctx, item.ID)
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidTransition) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrNotRetryable, err)
		}
		return Outcome{}, err
	}
	o.log.Info("retrying outbox item", slog.String("id", item.ID))
	o.deps.Notifier.Notify(notify.Event{Kind: notify.KindProcessing, AttemptID: item.ID, Mode: string(settings.ModeStandard)})
	out := o.upload(ctx, pending, o.deps.Settings.Current(), doPaste)
	o.record(ctx, settings.ModeStandard, out.Status)
	return out, nil
}

// Close cancels any recording in progress.
func (o *Orchestrator) Close() {
	o.Cancel()
}

func (o *Orchestrator) record(ctx context.Context, mode settings.Mode, status Status) {
	o.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.String("status", string(status))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
