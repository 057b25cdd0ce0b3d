package pipeline

import (
	"encoding/binary"
	"math"
)

// Amplitude computes the normalized RMS energy of 16-bit little-endian
// PCM audio, in the range [0, 1].
func Amplitude(audio []byte) float64 {
	if len(audio) < 2 {
		return 0
	}

	var sum float64
	samples := len(audio) / 2

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))
		v := float64(sample) / math.MaxInt16
		sum += v * v
	}

	return math.Sqrt(sum / float64(samples))
}
