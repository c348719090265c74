package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a finished standard-mode recording.
type Clip struct {
	Data       []byte
	DurationMS int64
	Format     string
}

// ClipRecorder buffers a whole recording in short slices and renders it as a
// WAV container on Stop. Recordings shorter than the minimum are discarded.
type ClipRecorder struct {
	mu          sync.Mutex
	ds          *downsampler
	sampleRate  int
	sliceLen    int
	minDuration int64
	slices      [][]int
	current     []int
	active      bool
}

func NewClipRecorder(deviceRate, targetRate, sliceMS, minDurationMS int) *ClipRecorder {
	ratio := 1
	if targetRate > 0 {
		ratio = deviceRate / targetRate
	}
	sliceLen := targetRate * sliceMS / 1000
	if sliceLen <= 0 {
		sliceLen = 1
	}
	return &ClipRecorder{
		ds:          newDownsampler(ratio),
		sampleRate:  targetRate,
		sliceLen:    sliceLen,
		minDuration: int64(minDurationMS),
	}
}

func (r *ClipRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ds.reset()
	r.slices = nil
	r.current = make([]int, 0, r.sliceLen)
	r.active = true
}

func (r *ClipRecorder) Write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.ds.push(samples, func(s int16) {
		r.current = append(r.current, int(s))
		if len(r.current) == r.sliceLen {
			r.slices = append(r.slices, r.current)
			r.current = make([]int, 0, r.sliceLen)
		}
	})
}

// Stop ends the recording. ok is false when the clip was too short to keep.
func (r *ClipRecorder) Stop() (clip Clip, ok bool, err error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return Clip{}, false, nil
	}
	r.active = false
	if len(r.current) > 0 {
		r.slices = append(r.slices, r.current)
	}
	slices := r.slices
	r.slices, r.current = nil, nil
	r.mu.Unlock()

	total := 0
	for _, s := range slices {
		total += len(s)
	}
	duration := int64(total) * 1000 / int64(r.sampleRate)
	if duration < r.minDuration || total == 0 {
		return Clip{DurationMS: duration}, false, nil
	}

	samples := make([]int, 0, total)
	for _, s := range slices {
		samples = append(samples, s...)
	}
	data, err := encodeWAV(samples, r.sampleRate)
	if err != nil {
		return Clip{}, false, err
	}
	return Clip{Data: data, DurationMS: duration, Format: "wav"}, true, nil
}

func encodeWAV(samples []int, sampleRate int) ([]byte, error) {
	out := &memFile{}
	enc := wav.NewEncoder(out, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memfile: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("memfile: negative position")
	}
	m.pos = int(next)
	return next, nil
}
