// Package device opens the default input device through PortAudio.
package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/yatharthsameer/Say-Flow/internal/capture"
)

// Microphone is a mono float32 PortAudio input stream.
type Microphone struct {
	sampleRate int
	bufferMS   int
	mu         sync.Mutex
	stream     *portaudio.Stream
}

// Opener returns a capture.Opener for the default input device.
func Opener(sampleRate, bufferMS int) capture.Opener {
	return func() (capture.Stream, error) {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("portaudio init failed: %w", err)
		}
		return &Microphone{sampleRate: sampleRate, bufferMS: bufferMS}, nil
	}
}

func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	framesPerBuffer := m.sampleRate * m.bufferMS / 1000
	if framesPerBuffer <= 0 {
		framesPerBuffer = portaudio.FramesPerBufferUnspecified
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), framesPerBuffer, func(in []float32) {
		block := make([]float32, len(in))
		copy(block, in)
		onSamples(block)
	})
	if err != nil {
		return fmt.Errorf("open stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start stream failed: %w", err)
	}
	m.stream = stream
	return nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer portaudio.Terminate()
	if m.stream == nil {
		return nil
	}
	_ = m.stream.Stop()
	err := m.stream.Close()
	m.stream = nil
	return err
}
