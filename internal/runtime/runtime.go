package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yatharthsameer/Say-Flow/internal/audiofile"
	"github.com/yatharthsameer/Say-Flow/internal/auth"
	"github.com/yatharthsameer/Say-Flow/internal/backend"
	"github.com/yatharthsameer/Say-Flow/internal/bus"
	"github.com/yatharthsameer/Say-Flow/internal/capture"
	"github.com/yatharthsameer/Say-Flow/internal/capture/device"
	"github.com/yatharthsameer/Say-Flow/internal/config"
	"github.com/yatharthsameer/Say-Flow/internal/control"
	"github.com/yatharthsameer/Say-Flow/internal/natsserver"
	"github.com/yatharthsameer/Say-Flow/internal/notify"
	"github.com/yatharthsameer/Say-Flow/internal/outbox"
	"github.com/yatharthsameer/Say-Flow/internal/paste"
	"github.com/yatharthsameer/Say-Flow/internal/realtime"
	"github.com/yatharthsameer/Say-Flow/internal/recording"
	"github.com/yatharthsameer/Say-Flow/internal/settings"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	outbox   *outbox.Store
	mic      *capture.Capture
	realtime *realtime.Client
	paster   *paste.Paster
	recorder *recording.Orchestrator
	control  *control.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.initServices(ctx); err != nil {
		r.shutdownServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.control.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.shutdownServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) initServices(ctx context.Context) error {
	cfg := r.cfg

	prefs, err := settings.Open(cfg.SettingsPath, r.logger)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	audio := audiofile.New(cfg.Audio.RecordingsDir, cfg.Audio.Format, r.logger)
	r.outbox, err = outbox.Open(ctx, cfg.Outbox, audio, r.logger)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	r.embedded, err = natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	busCfg := cfg.Bus
	if r.embedded != nil {
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}

	tokens := auth.Env{Key: "SAYFLOW_ACCESS_TOKEN", Fallback: cfg.Backend.AccessToken}
	uploads := backend.New(cfg.Backend, nil, tokens, r.logger)

	realtimeURL, err := cfg.RealtimeURL()
	if err != nil {
		return err
	}
	r.realtime = realtime.NewClient(realtimeURL, tokens,
		time.Duration(cfg.Realtime.CommitTimeoutMS)*time.Millisecond, r.logger)

	r.mic = capture.New(device.Opener(cfg.Audio.DeviceSampleRate, cfg.Audio.FrameDurationMS), r.logger)

	var keyboard paste.Keyboard = &paste.KeystrokePaster{}
	if cfg.Paste.Command != "" {
		cmd, err := paste.NewCommandPaster(cfg.Paste.Command)
		if err != nil {
			return err
		}
		keyboard = cmd
	}
	r.paster = paste.New(paste.SystemClipboard{}, keyboard,
		time.Duration(cfg.Paste.PrePasteDelayMS)*time.Millisecond,
		time.Duration(cfg.Paste.RestoreDelayMS)*time.Millisecond, r.logger)

	widget := notify.NewBusPublisher(r.bus, r.logger)
	notifiers := notify.Multi{widget}
	if cfg.Notify.Desktop {
		notifiers = append(notifiers, notify.NewDesktop("SayFlow", r.logger))
	}

	rt := r.realtime
	r.recorder = recording.New(recording.Deps{
		Capture: r.mic,
		Clip:    capture.NewClipRecorder(cfg.Audio.DeviceSampleRate, cfg.Audio.TargetSampleRate, cfg.Audio.ClipSliceMS, cfg.Audio.MinDurationMS),
		Framer:  capture.NewFramer(cfg.Audio.DeviceSampleRate, cfg.Audio.TargetSampleRate, cfg.Audio.FrameDurationMS),
		OpenSession: func(ctx context.Context, model, language string) (recording.Session, error) {
			s, err := rt.Open(ctx, model, language)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Uploader:       uploads,
		Outbox:         r.outbox,
		Audio:          audio,
		Paster:         r.paster,
		Notifier:       notifiers,
		Settings:       prefs,
		RealtimeModel:  cfg.Realtime.DefaultModel,
		ConnectTimeout: time.Duration(cfg.Realtime.ConnectTimeoutMS) * time.Millisecond,
		Logger:         r.logger,
	})

	r.control = control.New(ctx, control.Deps{
		Recorder: r.recorder,
		Outbox:   r.outbox,
		Settings: prefs,
		Copier:   r.paster,
		Stats:    uploads,
		Modes:    widget,
		Logger:   r.logger,
	})
	if err := r.control.Subscribe(r.bus.Conn()); err != nil {
		return fmt.Errorf("subscribe control subjects: %w", err)
	}
	return nil
}

func (r *Runtime) shutdownServices() {
	if r.control != nil {
		r.control.Unsubscribe()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.realtime != nil {
		r.realtime.CloseActive()
	}
	if r.paster != nil {
		r.paster.Stop()
	}
	if r.mic != nil {
		if err := r.mic.Close(); err != nil {
			r.logger.Warn("microphone close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.outbox != nil {
		if err := r.outbox.Close(); err != nil {
			r.logger.Warn("outbox close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
