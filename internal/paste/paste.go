package paste

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Clipboard reads and writes the system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// Keyboard triggers a paste into the focused application.
type Keyboard interface {
	Paste(ctx context.Context) error
}

type Options struct {
	AutoPaste        bool
	RestoreClipboard bool
}

type Result struct {
	Copied bool `json:"copied"`
	Pasted bool `json:"pasted"`
}

// Paster copies transcripts to the clipboard, optionally pastes them and
// restores the previous clipboard contents on a timer.
type Paster struct {
	clipboard    Clipboard
	keyboard     Keyboard
	prePaste     time.Duration
	restoreAfter time.Duration
	log          *slog.Logger

	mu      sync.Mutex
	restore *time.Timer
}

func New(clipboard Clipboard, keyboard Keyboard, prePaste, restoreAfter time.Duration, log *slog.Logger) *Paster {
	return &Paster{
		clipboard:    clipboard,
		keyboard:     keyboard,
		prePaste:     prePaste,
		restoreAfter: restoreAfter,
		log:          log.With(slog.String("component", "paste")),
	}
}

// Paste writes text to the clipboard and, when enabled, sends the paste
// keystroke. The clipboard restore never blocks the caller.
func (p *Paster) Paste(ctx context.Context, text string, opts Options) Result {
	var res Result
	if text == "" {
		return res
	}
	start := time.Now()

	var previous string
	hadPrevious := false
	if opts.RestoreClipboard && opts.AutoPaste {
		if prev, err := p.clipboard.ReadAll(); err == nil {
			previous, hadPrevious = prev, true
		} else {
			p.log.Debug("clipboard read failed", slogError(err))
		}
	}

	if err := p.clipboard.WriteAll(text); err != nil {
		p.log.Warn("clipboard write failed", slogError(err))
		return res
	}
	res.Copied = true

	if !opts.AutoPaste || p.keyboard == nil {
		return res
	}

	if p.prePaste > 0 {
		timer := time.NewTimer(p.prePaste)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res
		}
	}
	if err := p.keyboard.Paste(ctx); err != nil {
		p.log.Warn("paste keystroke failed", slogError(err))
		return res
	}
	res.Pasted = true
	p.log.Debug("pasted transcript", slog.Int64("elapsed_ms", time.Since(start).Milliseconds()))

	if hadPrevious {
		p.scheduleRestore(previous)
	}
	return res
}

// CopyText places text on the clipboard without pasting.
func (p *Paster) CopyText(text string) error {
	if err := p.clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

// Stop cancels a pending clipboard restore.
func (p *Paster) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restore != nil {
		p.restore.Stop()
		p.restore = nil
	}
}

func (p *Paster) scheduleRestore(previous string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restore != nil {
		p.restore.Stop()
	}
	p.restore = time.AfterFunc(p.restoreAfter, func() {
		if err := p.clipboard.WriteAll(previous); err != nil {
			p.log.Warn("clipboard restore failed", slogError(err))
		}
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
