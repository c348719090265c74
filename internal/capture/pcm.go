package capture

import (
	"encoding/binary"
	"math"
)

// downsampler reduces the rate by an integer ratio using block averaging.
// Samples that do not complete a block carry over to the next write.
type downsampler struct {
	ratio int
	sum   float32
	n     int
}

func newDownsampler(ratio int) *downsampler {
	if ratio < 1 {
		ratio = 1
	}
	return &downsampler{ratio: ratio}
}

func (d *downsampler) reset() {
	d.sum, d.n = 0, 0
}

// push feeds samples and calls out for every completed output sample.
func (d *downsampler) push(samples []float32, out func(int16)) {
	for _, v := range samples {
		d.sum += v
		d.n++
		if d.n == d.ratio {
			out(toInt16(d.sum / float32(d.ratio)))
			d.sum, d.n = 0, 0
		}
	}
}

// toInt16 clamps to [-1, 1] and scales by 32767, rounding half up.
func toInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Floor(float64(v)*32767 + 0.5))
}

// EncodePCM16 serializes samples as little-endian signed 16-bit PCM.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
