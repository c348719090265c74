package recording

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yatharthsameer/Say-Flow/internal/audiofile"
	"github.com/yatharthsameer/Say-Flow/internal/backend"
	"github.com/yatharthsameer/Say-Flow/internal/capture"
	"github.com/yatharthsameer/Say-Flow/internal/config"
	"github.com/yatharthsameer/Say-Flow/internal/notify"
	"github.com/yatharthsameer/Say-Flow/internal/outbox"
	"github.com/yatharthsameer/Say-Flow/internal/paste"
	"github.com/yatharthsameer/Say-Flow/internal/realtime"
	"github.com/yatharthsameer/Say-Flow/internal/settings"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCapture struct {
	mu       sync.Mutex
	attached capture.Consumer
	attaches int
	err      error

	// hold, when set, blocks the next Detach until it is closed.
	hold     chan struct{}
	detached chan struct{}
}

func (f *fakeCapture) Attach(c capture.Consumer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.attaches++
	f.attached = c
	return nil
}

func (f *fakeCapture) Detach(c capture.Consumer) {
	f.mu.Lock()
	hold, entered := f.hold, f.detached
	f.hold = nil
	f.mu.Unlock()
	if hold != nil {
		close(entered)
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == c {
		f.attached = nil
	}
}

type fakeClip struct {
	clip    capture.Clip
	ok      bool
	starts  int
	running bool
}

func (f *fakeClip) Write([]float32) {}
func (f *fakeClip) Start()          { f.starts++; f.running = true }
func (f *fakeClip) Stop() (capture.Clip, bool, error) {
	f.running = false
	return f.clip, f.ok, nil
}

type fakeFramer struct {
	mu   sync.Mutex
	emit func([]int16)
}

func (f *fakeFramer) Write([]float32) {}
func (f *fakeFramer) Start(emit func([]int16)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = emit
}
func (f *fakeFramer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = nil
}

func (f *fakeFramer) push(frame []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emit != nil {
		f.emit(frame)
	}
}

type fakeSession struct {
	mu        sync.Mutex
	sent      [][]byte
	text      string
	events    chan realtime.Event
	closeOnce sync.Once
	closed    bool
	cancelled bool
}

func newFakeSession(text string) *fakeSession {
	return &fakeSession{text: text, events: make(chan realtime.Event, 16)}
}

func (f *fakeSession) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeSession) Commit(context.Context) string { return f.text }

func (f *fakeSession) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
}

func (f *fakeSession) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeSession) Events() <-chan realtime.Event { return f.events }

type fakeUploader struct {
	mu      sync.Mutex
	results []backend.Result
	uploads []backend.Upload
}

func (f *fakeUploader) Transcribe(_ context.Context, up backend.Upload) backend.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, up)
	if len(f.results) == 0 {
		return backend.Result{Error: "no result configured"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

type fakePaster struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakePaster) Paste(_ context.Context, text string, opts paste.Options) paste.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return paste.Result{Copied: true, Pasted: opts.AutoPaste}
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(exclude ...notify.Kind) []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
next:
	for _, ev := range r.events {
		for _, k := range exclude {
			if ev.Kind == k {
				continue next
			}
		}
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type staticSettings struct{ s settings.Settings }

func (s staticSettings) Current() settings.Settings { return s.s }

type harness struct {
	orch     *Orchestrator
	capture  *fakeCapture
	clip     *fakeClip
	framer   *fakeFramer
	uploader *fakeUploader
	paster   *fakePaster
	notes    *recorder
	outbox   *outbox.Store
	audioDir string
	session  *fakeSession
	opened   []string
	openErr  error
}

func newHarness(t *testing.T, mode settings.Mode) *harness {
	t.Helper()
	return newHarnessWithClip(t, mode, nil)
}

func newHarnessWithClip(t *testing.T, mode settings.Mode, clip ClipRecorder) *harness {
	t.Helper()
	dir := t.TempDir()
	log := newLogger()
	audio := audiofile.New(filepath.Join(dir, "recordings"), "wav", log)
	store, err := outbox.Open(context.Background(), config.OutboxConfig{Path: filepath.Join(dir, "outbox.db"), MaxItems: 50}, audio, log)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cur := settings.Default()
	cur.Transcription.Mode = mode

	h := &harness{
		capture:  &fakeCapture{},
		clip:     &fakeClip{clip: capture.Clip{Data: []byte("RIFF....WAVE"), DurationMS: 1500, Format: "wav"}, ok: true},
		framer:   &fakeFramer{},
		uploader: &fakeUploader{},
		paster:   &fakePaster{},
		notes:    &recorder{},
		outbox:   store,
		audioDir: filepath.Join(dir, "recordings"),
	}
	if clip == nil {
		clip = h.clip
	}
	h.orch = New(Deps{
		Capture: h.capture,
		Clip:    clip,
		Framer:  h.framer,
		OpenSession: func(ctx context.Context, model, language string) (Session, error) {
			h.opened = append(h.opened, model+"/"+language)
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.session, nil
		},
		Uploader: h.uploader,
		Outbox:   store,
		Audio:    audio,
		Paster:   h.paster,
		Notifier: h.notes,
		Settings: staticSettings{cur},
		Logger:   log,
	})
	return h
}

func (h *harness) audioFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.audioDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read audio dir: %v", err)
	}
	return len(entries)
}

func TestStandardHappyPath(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.uploader.results = []backend.Result{{OK: true, Data: backend.Transcription{Text: "hello world"}}}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec, mode := h.orch.Recording(); !rec || mode != settings.ModeStandard {
		t.Fatalf("expected standard recording, got %v %s", rec, mode)
	}
	out := h.orch.Stop(ctx)
	if out.Status != StatusSuccess || out.Text != "hello world" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	item, err := h.outbox.Get(ctx, out.AttemptID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != outbox.StatusSuccess || item.TranscriptText != "hello world" {
		t.Fatalf("unexpected item %+v", item)
	}
	if h.uploader.uploads[0].IdempotencyKey != item.ID {
		t.Fatalf("idempotency key %q does not match item id %q", h.uploader.uploads[0].IdempotencyKey, item.ID)
	}
	if n := h.audioFiles(t); n != 0 {
		t.Fatalf("expected audio deleted, %d files remain", n)
	}
	if len(h.paster.texts) != 1 || h.paster.texts[0] != "hello world" {
		t.Fatalf("unexpected pastes %v", h.paster.texts)
	}
	kinds := h.notes.kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindProcessing || kinds[1] != notify.KindSuccess {
		t.Fatalf("unexpected notifications %v", kinds)
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle after stop")
	}
}

func TestStandardBackendFailureKeepsAudio(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.uploader.results = []backend.Result{{Error: "HTTP 503: provider unavailable"}}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	out := h.orch.Stop(ctx)
	if out.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
	item, err := h.outbox.Get(ctx, out.AttemptID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != outbox.StatusFailed || !strings.Contains(item.LastError, "503") || item.LastAttemptAt == nil {
		t.Fatalf("unexpected item %+v", item)
	}
	if n := h.audioFiles(t); n != 1 {
		t.Fatalf("expected audio kept, found %d files", n)
	}
	if len(h.paster.texts) != 0 {
		t.Fatal("nothing should be pasted on failure")
	}
	if got := h.notes.kinds(notify.KindProcessing); len(got) != 1 || got[0] != notify.KindError {
		t.Fatalf("expected exactly one error notification, got %v", got)
	}
}

func TestShortRecordingIsDiscarded(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.clip.ok = false
	h.clip.clip = capture.Clip{DurationMS: 120}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	out := h.orch.Stop(ctx)
	if out.Status != StatusDiscarded {
		t.Fatalf("expected discarded, got %+v", out)
	}
	items, err := h.outbox.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 || len(h.uploader.uploads) != 0 || h.audioFiles(t) != 0 {
		t.Fatalf("nothing should be created: items=%d uploads=%d", len(items), len(h.uploader.uploads))
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle")
	}
}

func TestStartWhileRecordingIsNoOp(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if h.clip.starts != 1 || h.capture.attaches != 1 {
		t.Fatalf("second start must not restart capture: starts=%d attaches=%d", h.clip.starts, h.capture.attaches)
	}
	h.orch.Cancel()
	if out := h.orch.Stop(ctx); out.Status != StatusIgnored {
		t.Fatalf("stop while idle should be ignored, got %+v", out)
	}
	if len(h.notes.kinds()) != 0 {
		t.Fatalf("cancel should not notify, got %v", h.notes.kinds())
	}
}

func oneSecond() []float32 {
	samples := make([]float32, 48000)
	for i := range samples {
		samples[i] = 0.25
	}
	return samples
}

func TestStartDuringStandardStopDoesNotClobberClip(t *testing.T) {
	clip := capture.NewClipRecorder(48000, 24000, 100, 200)
	h := newHarnessWithClip(t, settings.ModeStandard, clip)
	h.uploader.results = []backend.Result{{OK: true, Data: backend.Transcription{Text: "first"}}}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	clip.Write(oneSecond())

	h.capture.mu.Lock()
	h.capture.hold = make(chan struct{})
	h.capture.detached = make(chan struct{})
	hold, detached := h.capture.hold, h.capture.detached
	h.capture.mu.Unlock()

	done := make(chan Outcome, 1)
	go func() { done <- h.orch.Stop(ctx) }()
	<-detached

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("overlapping start: %v", err)
	}
	if h.capture.attaches != 1 {
		t.Fatalf("start during teardown should be ignored, attaches=%d", h.capture.attaches)
	}
	close(hold)

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	if out.Status != StatusSuccess || out.Text != "first" {
		t.Fatalf("first recording lost: %+v", out)
	}
	if len(h.uploader.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(h.uploader.uploads))
	}
	if kinds := h.notes.kinds(); len(kinds) != 2 || kinds[1] != notify.KindSuccess {
		t.Fatalf("unexpected notifications %v", kinds)
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle after stop")
	}

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	clip.Write(oneSecond())
	if out := h.orch.Stop(ctx); out.Status != StatusSuccess {
		t.Fatalf("second recording: %+v", out)
	}
}

func TestStartDuringCancelIsIgnored(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.capture.mu.Lock()
	h.capture.hold = make(chan struct{})
	h.capture.detached = make(chan struct{})
	hold, detached := h.capture.hold, h.capture.detached
	h.capture.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.orch.Cancel()
		close(done)
	}()
	<-detached
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("overlapping start: %v", err)
	}
	close(hold)
	<-done

	if h.clip.starts != 1 || h.capture.attaches != 1 {
		t.Fatalf("start during cancel should be ignored, starts=%d attaches=%d", h.clip.starts, h.capture.attaches)
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle after cancel")
	}
}

func TestStandardEventsShareAttemptID(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.uploader.results = []backend.Result{{Error: "HTTP 500: boom"}}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	out := h.orch.Stop(ctx)
	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	for _, ev := range h.notes.events {
		if ev.AttemptID != out.AttemptID {
			t.Fatalf("event %s has attempt %q, outcome has %q", ev.Kind, ev.AttemptID, out.AttemptID)
		}
	}
	if _, err := h.outbox.Get(ctx, out.AttemptID); err != nil {
		t.Fatalf("outbox item should be keyed by attempt id: %v", err)
	}
}

func TestMicrophoneFailureSurfacesError(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.capture.err = errors.New("permission denied")
	if err := h.orch.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("failed start must leave the orchestrator idle")
	}
	if h.clip.running {
		t.Fatal("clip recorder should be stopped after a failed start")
	}
	if got := h.notes.kinds(); len(got) != 1 || got[0] != notify.KindError {
		t.Fatalf("expected one error notification, got %v", got)
	}
}

func TestRealtimeHappyPath(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.session = newFakeSession("test")
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(h.opened) != 1 || h.opened[0] != realtime.DefaultModel+"/en" {
		t.Fatalf("unexpected session open %v", h.opened)
	}
	for i := int16(1); i <= 5; i++ {
		h.framer.push([]int16{i})
	}
	out := h.orch.Stop(ctx)
	if out.Status != StatusSuccess || out.Text != "test" || !out.Pasted {
		t.Fatalf("unexpected outcome %+v", out)
	}

	h.session.mu.Lock()
	sent := h.session.sent
	closed := h.session.closed
	h.session.mu.Unlock()
	if !closed {
		t.Fatal("session must be closed after stop")
	}
	if len(sent) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(sent))
	}
	for i, chunk := range sent {
		if got := int16(binary.LittleEndian.Uint16(chunk)); got != int16(i+1) {
			t.Fatalf("chunk %d out of order: %d", i, got)
		}
	}
	if len(h.paster.texts) != 1 || h.paster.texts[0] != "test" {
		t.Fatalf("unexpected pastes %v", h.paster.texts)
	}
	if ev := h.notes.last(); ev.Kind != notify.KindSuccess || ev.Text != "test" {
		t.Fatalf("unexpected final notification %+v", ev)
	}
	items, _ := h.outbox.List(ctx)
	if len(items) != 0 {
		t.Fatal("realtime attempts are not recorded in the outbox")
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle")
	}
}

func TestRealtimeEmptyTranscriptNotifiesEmptySuccess(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.session = newFakeSession("")
	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	out := h.orch.Stop(ctx)
	if out.Status != StatusSuccess || out.Text != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(h.paster.texts) != 0 {
		t.Fatal("empty transcript must not be pasted")
	}
	if got := h.notes.kinds(); len(got) != 1 || got[0] != notify.KindSuccess {
		t.Fatalf("expected one success notification, got %v", got)
	}
}

func TestRealtimeSessionErrorWithoutTranscriptFails(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.session = newFakeSession("")
	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.session.events <- realtime.Event{Type: realtime.EventError, Error: "realtime connection lost"}
	out := h.orch.Stop(ctx)
	if out.Status != StatusFailed || !strings.Contains(out.Error, "connection lost") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := h.notes.kinds(); len(got) != 1 || got[0] != notify.KindError {
		t.Fatalf("expected one error notification, got %v", got)
	}
}

func TestRealtimePartialsAreForwarded(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.session = newFakeSession("hello")
	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.session.events <- realtime.Event{Type: realtime.EventTranscriptDelta, Delta: "hel"}
	h.session.events <- realtime.Event{Type: realtime.EventSpeechStarted}
	h.orch.Stop(ctx)

	got := h.notes.kinds()
	if len(got) != 2 || got[0] != notify.KindPartial || got[1] != notify.KindSuccess {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestRealtimeConnectFailure(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.openErr = errors.New("dial realtime endpoint: bad handshake (HTTP 401)")
	ctx := context.Background()
	err := h.orch.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected connect error, got %v", err)
	}
	if h.capture.attaches != 0 {
		t.Fatal("capture must not start when connect fails")
	}
	items, _ := h.outbox.List(ctx)
	if len(items) != 0 {
		t.Fatal("connect failure must not create an outbox item")
	}
	if got := h.notes.kinds(); len(got) != 1 || got[0] != notify.KindError {
		t.Fatalf("expected one error notification, got %v", got)
	}
	if out := h.orch.Stop(ctx); out.Status != StatusIgnored {
		t.Fatalf("stop after failed start should be ignored, got %+v", out)
	}
}

func TestRealtimeCancelClosesSession(t *testing.T) {
	h := newHarness(t, settings.ModeRealtime)
	h.session = newFakeSession("ignored")
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.orch.Cancel()
	if !h.session.cancelled || !h.session.closed {
		t.Fatal("cancel should send cancel and close the session")
	}
	if rec, _ := h.orch.Recording(); rec {
		t.Fatal("expected idle")
	}
}

func TestRetryTwiceUsesSameIdempotencyKey(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.uploader.results = []backend.Result{
		{Error: "HTTP 503: down"},
		{Error: "HTTP 503: still down"},
		{OK: true, Data: backend.Transcription{Text: "hello world"}},
	}
	ctx := context.Background()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := h.orch.Stop(ctx)
	if first.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", first)
	}

	second, err := h.orch.RetryItem(ctx, first.AttemptID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.Status != StatusFailed || second.AttemptID != first.AttemptID {
		t.Fatalf("unexpected retry outcome %+v", second)
	}
	third, err := h.orch.RetryItem(ctx, first.AttemptID)
	if err != nil {
		t.Fatalf("retry again: %v", err)
	}
	if third.Status != StatusSuccess || third.Text != "hello world" {
		t.Fatalf("unexpected retry outcome %+v", third)
	}
	if _, err := h.orch.RetryItem(ctx, first.AttemptID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}

	items, err := h.outbox.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Status != outbox.StatusSuccess {
		t.Fatalf("expected one successful item, got %+v", items)
	}
	for i, up := range h.uploader.uploads {
		if up.IdempotencyKey != first.AttemptID {
			t.Fatalf("upload %d used key %q", i, up.IdempotencyKey)
		}
	}
	if h.audioFiles(t) != 0 {
		t.Fatal("audio should be deleted after the successful retry")
	}
}

func TestRetryAllDoesNotPaste(t *testing.T) {
	h := newHarness(t, settings.ModeStandard)
	h.uploader.results = []backend.Result{{Error: "HTTP 500: boom"}}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := h.orch.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		if out := h.orch.Stop(ctx); out.Status != StatusFailed {
			t.Fatalf("expected failure, got %+v", out)
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.uploader.mu.Lock()
	h.uploader.results = []backend.Result{{OK: true, Data: backend.Transcription{Text: "ok"}}}
	h.uploader.mu.Unlock()

	outcomes, err := h.orch.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, out := range outcomes {
		if out.Status != StatusSuccess || out.Pasted {
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	if len(h.paster.texts) != 0 {
		t.Fatalf("bulk retry must not paste, got %v", h.paster.texts)
	}
	failed, _ := h.outbox.Failed(ctx)
	if len(failed) != 0 {
		t.Fatalf("expected no failed items, got %d", len(failed))
	}
}
