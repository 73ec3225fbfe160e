package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square level of 16-bit little-endian linear PCM.
// Returns 0 for an empty (or sub-sample) buffer.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Peak returns the largest absolute sample value in 16-bit little-endian
// linear PCM. Returns 0 for an empty buffer.
func Peak(pcm []byte) int16 {
	n := len(pcm) / 2
	var peak int32
	for i := 0; i < n; i++ {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak > math.MaxInt16 {
		peak = math.MaxInt16
	}
	return int16(peak)
}

// Scale multiplies every sample of 16-bit little-endian linear PCM by factor,
// saturating at the int16 range instead of wrapping. The input is not
// modified.
func Scale(pcm []byte, factor float64) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * factor
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clampInt16(s)))
	}
	return out
}

// MixSaturating adds two 16-bit little-endian linear PCM buffers sample by
// sample, truncating to the shorter buffer and clipping to the int16 range
// rather than wrapping.
func MixSaturating(a, b []byte) []byte {
	n := len(a) / 2
	if m := len(b) / 2; m < n {
		n = m
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sa := int32(int16(binary.LittleEndian.Uint16(a[i*2:])))
		sb := int32(int16(binary.LittleEndian.Uint16(b[i*2:])))
		sum := sa + sb
		if sum > math.MaxInt16 {
			sum = math.MaxInt16
		} else if sum < math.MinInt16 {
			sum = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum)))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
