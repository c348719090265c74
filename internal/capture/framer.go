package capture

import "sync"

// Framer turns device-rate float samples into fixed-size int16 frames at the
// target rate for live streaming. Frames are handed to the emit callback as
// soon as they fill; Stop flushes whatever is left.
type Framer struct {
	mu           sync.Mutex
	ds           *downsampler
	frameSamples int
	frame        []int16
	active       bool
	emit         func([]int16)
}

// NewFramer builds a framer for deviceRate -> targetRate frames of frameMS.
func NewFramer(deviceRate, targetRate, frameMS int) *Framer {
	ratio := 1
	if targetRate > 0 {
		ratio = deviceRate / targetRate
	}
	frameSamples := targetRate * frameMS / 1000
	if frameSamples <= 0 {
		frameSamples = 1
	}
	return &Framer{
		ds:           newDownsampler(ratio),
		frameSamples: frameSamples,
		frame:        make([]int16, 0, frameSamples),
	}
}

// FrameSamples is the number of samples in a full frame.
func (f *Framer) FrameSamples() int {
	return f.frameSamples
}

// Start begins a new capture cycle with an empty frame, delivering frames
// to emit until Stop.
func (f *Framer) Start(emit func([]int16)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit = emit
	f.ds.reset()
	f.frame = f.frame[:0]
	f.active = true
}

// Write accepts samples from the device. It is a no-op while stopped.
func (f *Framer) Write(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return
	}
	f.ds.push(samples, func(s int16) {
		f.frame = append(f.frame, s)
		if len(f.frame) == f.frameSamples {
			f.flushLocked()
		}
	})
}

// Stop flushes a partial frame and stops accepting samples. No frame is
// emitted after Stop returns.
func (f *Framer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return
	}
	f.flushLocked()
	f.active = false
	f.emit = nil
}

func (f *Framer) flushLocked() {
	if len(f.frame) == 0 {
		return
	}
	out := make([]int16, len(f.frame))
	copy(out, f.frame)
	f.frame = f.frame[:0]
	if f.emit != nil {
		f.emit(out)
	}
}
