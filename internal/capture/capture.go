// Package capture owns the microphone stream and routes its samples to the
// consumer of the current recording: the live framer or the clip recorder.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrNotAcquired = errors.New("microphone not acquired")

// Stream is an open microphone delivering mono float samples in [-1, 1].
type Stream interface {
	Start(onSamples func([]float32)) error
	Close() error
}

// Opener acquires the microphone.
type Opener func() (Stream, error)

// Consumer receives device-rate samples.
type Consumer interface {
	Write(samples []float32)
}

// Capture acquires the microphone once and keeps it running across cycles.
// At most one consumer is attached at a time.
type Capture struct {
	open     Opener
	log      *slog.Logger
	mu       sync.Mutex
	stream   Stream
	consumer Consumer
}

func New(open Opener, log *slog.Logger) *Capture {
	return &Capture{open: open, log: log.With(slog.String("component", "capture"))}
}

// Attach routes samples to c, acquiring the microphone on first use. A
// previously attached consumer is replaced.
func (c *Capture) Attach(consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acquireLocked(); err != nil {
		return err
	}
	if c.consumer != nil && c.consumer != consumer {
		c.log.Warn("replacing active capture consumer")
	}
	c.consumer = consumer
	return nil
}

// Detach stops routing samples; the stream stays open.
func (c *Capture) Detach(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer == consumer {
		c.consumer = nil
	}
}

func (c *Capture) acquireLocked() error {
	if c.stream != nil {
		return nil
	}
	if c.open == nil {
		return ErrNotAcquired
	}
	stream, err := c.open()
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	if err := stream.Start(c.dispatch); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start microphone: %w", err)
	}
	c.stream = stream
	c.log.Info("microphone acquired")
	return nil
}

func (c *Capture) dispatch(samples []float32) {
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()
	if consumer != nil {
		consumer.Write(samples)
	}
}

// Close releases the microphone.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = nil
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}
