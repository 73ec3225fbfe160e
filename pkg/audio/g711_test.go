package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// sineWave generates n samples of a sine at freq Hz, sampled at rate Hz.
func sineWave(n int, freq, rate float64, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestUlawCodewordRoundTrip(t *testing.T) {
	t.Parallel()
	for i := 0; i < 256; i++ {
		b := byte(i)
		if b == 0x7F {
			// Negative zero collapses to positive zero (0xFF) on re-encode.
			continue
		}
		dec := audio.UlawToLinear16([]byte{b})
		enc := audio.Linear16ToUlaw(dec)
		if enc[0] != b {
			t.Errorf("codeword 0x%02X: round-trip gave 0x%02X", b, enc[0])
		}
	}
}

func TestAlawCodewordRoundTrip(t *testing.T) {
	t.Parallel()
	for i := 0; i < 256; i++ {
		b := byte(i)
		dec := audio.AlawToLinear16([]byte{b})
		enc := audio.Linear16ToAlaw(dec)
		if enc[0] != b {
			t.Errorf("codeword 0x%02X: round-trip gave 0x%02X", b, enc[0])
		}
	}
}

func TestUlawSampleStability(t *testing.T) {
	t.Parallel()
	// encode(decode(encode(s))) must equal encode(s) for every sample value.
	for i := 0; i < 65536; i += 7 {
		s := int16(uint16(i))
		pcm := samplesToBytes([]int16{s})
		enc := audio.Linear16ToUlaw(pcm)
		dec := audio.UlawToLinear16(enc)
		enc2 := audio.Linear16ToUlaw(dec)
		if enc2[0] != enc[0] {
			t.Fatalf("sample %d: encode gave 0x%02X, re-encode gave 0x%02X", s, enc[0], enc2[0])
		}
	}
}

func TestUlawZeroMapsToSilence(t *testing.T) {
	t.Parallel()
	enc := audio.Linear16ToUlaw(samplesToBytes([]int16{0}))
	if enc[0] != audio.UlawSilence {
		t.Fatalf("linear 0 encoded to 0x%02X, want 0x%02X", enc[0], audio.UlawSilence)
	}
	dec := audio.UlawToLinear16([]byte{audio.UlawSilence})
	if got := bytesToSamples(dec)[0]; got != 0 {
		t.Fatalf("0xFF decoded to %d, want 0", got)
	}
}

func TestUlawSineSNR(t *testing.T) {
	t.Parallel()
	// 20 ms at 8 kHz.
	sig := sineWave(160, 440, 8000, 10000)
	pcm := samplesToBytes(sig)

	dec := bytesToSamples(audio.UlawToLinear16(audio.Linear16ToUlaw(pcm)))
	if len(dec) != len(sig) {
		t.Fatalf("length mismatch: got %d, want %d", len(dec), len(sig))
	}

	var sigPow, noisePow float64
	for i := range sig {
		s := float64(sig[i])
		n := float64(sig[i]) - float64(dec[i])
		sigPow += s * s
		noisePow += n * n
	}
	if noisePow == 0 {
		return // lossless would be even better
	}
	snr := 10 * math.Log10(sigPow/noisePow)
	if snr < 30 {
		t.Errorf("SNR %.1f dB, want >= 30 dB", snr)
	}

	origRMS := audio.RMS(pcm)
	decRMS := audio.RMS(samplesToBytes(dec))
	if diff := math.Abs(origRMS-decRMS) / origRMS; diff > 0.01 {
		t.Errorf("RMS drift %.3f%% after round-trip, want <= 1%%", diff*100)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := audio.RMS([]byte{0x01}); got != 0 {
		t.Errorf("RMS(single byte) = %f, want 0", got)
	}
	// Constant amplitude: RMS equals the amplitude.
	pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
	if got := audio.RMS(pcm); math.Abs(got-1000) > 0.001 {
		t.Errorf("RMS = %f, want 1000", got)
	}
}

func TestPeak(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, -3000, 2000, -32768})
	if got := audio.Peak(pcm); got != 32767 {
		t.Errorf("Peak = %d, want 32767 (abs of -32768 clamps)", got)
	}
	if got := audio.Peak(nil); got != 0 {
		t.Errorf("Peak(nil) = %d, want 0", got)
	}
}

func TestScaleSaturates(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{20000, -20000, 100})
	got := bytesToSamples(audio.Scale(pcm, 2.0))
	want := []int16{32767, -32768, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMixSaturating(t *testing.T) {
	t.Parallel()
	a := samplesToBytes([]int16{30000, -30000, 100, 500})
	b := samplesToBytes([]int16{10000, -10000, 50})
	got := bytesToSamples(audio.MixSaturating(a, b))
	// Truncates to the shorter input and clips instead of wrapping.
	want := []int16{32767, -32768, 150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		enc  audio.Encoding
		want byte
	}{
		{"ulaw", audio.EncodingUlaw, 0xFF},
		{"alaw", audio.EncodingAlaw, 0xD5},
		{"linear", audio.EncodingLinear16, 0x00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := audio.Silence(tt.enc, 160)
			if len(buf) != 160 {
				t.Fatalf("length = %d, want 160", len(buf))
			}
			for _, b := range buf {
				if b != tt.want {
					t.Fatalf("byte 0x%02X, want 0x%02X", b, tt.want)
				}
			}
			// Silence must decode to (near) zero.
			if rms := audio.RMS(audio.DecodeToLinear16(tt.enc, buf)); rms > 16 {
				t.Errorf("silence RMS = %f, want near 0", rms)
			}
		})
	}
}

func TestExtractWAVData(t *testing.T) {
	t.Parallel()
	payload := []byte{0x01, 0x02, 0x03, 0x04}

	var wav []byte
	wav = append(wav, []byte("RIFF")...)
	wav = append(wav, 0x24, 0x00, 0x00, 0x00)
	wav = append(wav, []byte("WAVEfmt ")...)
	wav = append(wav, make([]byte, 20)...) // fmt chunk body (size + fields)
	wav = append(wav, []byte("data")...)
	wav = append(wav, 0x04, 0x00, 0x00, 0x00)
	wav = append(wav, payload...)

	got, err := audio.ExtractWAVData(wav)
	if err != nil {
		t.Fatalf("ExtractWAVData: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Errorf("byte %d: got 0x%02X, want 0x%02X", i, got[i], payload[i])
		}
	}

	// Headerless buffers pass through unchanged.
	raw := []byte{0xFF, 0xFE, 0xFD}
	got, err = audio.ExtractWAVData(raw)
	if err != nil {
		t.Fatalf("ExtractWAVData(raw): %v", err)
	}
	if len(got) != len(raw) || got[0] != raw[0] {
		t.Errorf("headerless buffer was modified")
	}
}
