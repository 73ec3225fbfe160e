// Package audio provides the narrow-band audio primitives used throughout
// Trunkline: G.711 μ-law/A-law companding, level meters, saturating mixing,
// and WAV payload extraction.
//
// Telephony carriers deliver 8 kHz, 8-bit log-companded samples; the pipeline
// works in 16-bit little-endian linear PCM. Conversion goes through lookup
// tables built once at process start and shared read-only between calls.
package audio

import "encoding/binary"

// Encoding identifies the byte-level audio encoding of a buffer.
type Encoding string

const (
	// EncodingLinear16 is 16-bit little-endian signed linear PCM.
	EncodingLinear16 Encoding = "linear16"

	// EncodingUlaw is G.711 μ-law, 8-bit log-companded (Twilio, Telnyx default).
	EncodingUlaw Encoding = "mulaw"

	// EncodingAlaw is G.711 A-law, 8-bit log-companded (Telnyx European trunks).
	EncodingAlaw Encoding = "alaw"
)

const (
	// UlawSilence is the μ-law codeword for linear zero. A run of these is
	// carrier-safe keep-alive silence.
	UlawSilence byte = 0xFF

	// AlawSilence is the A-law codeword closest to linear zero.
	AlawSilence byte = 0xD5
)

// Lookup tables: 256-entry decode, 65536-entry encode. Built in init and
// never written afterwards.
var (
	ulawDecodeLUT [256]int16
	alawDecodeLUT [256]int16
	ulawEncodeLUT [65536]byte
	alawEncodeLUT [65536]byte
)

func init() {
	for i := 0; i < 256; i++ {
		ulawDecodeLUT[i] = decodeUlawSample(byte(i))
		alawDecodeLUT[i] = decodeAlawSample(byte(i))
	}
	for i := 0; i < 65536; i++ {
		s := int16(uint16(i))
		ulawEncodeLUT[i] = encodeUlawSample(s)
		alawEncodeLUT[i] = encodeAlawSample(s)
	}
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// encodeUlawSample compands one linear sample per the CCITT G.711 μ-law layout.
// Only used to build the encode table.
func encodeUlawSample(sample int16) byte {
	pcm := int(sample)
	sign := 0
	if pcm < 0 {
		pcm = -pcm
		sign = 0x80
	}
	if pcm > ulawClip {
		pcm = ulawClip
	}
	pcm += ulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && pcm&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (pcm >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func decodeUlawSample(u byte) int16 {
	u = ^u
	t := (int(u&0x0F) << 3) + ulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

// alawSegEnd bounds the eight A-law segments in the 13-bit magnitude domain.
var alawSegEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeAlawSample(sample int16) byte {
	pcm := int(sample) >> 3
	mask := 0xD5
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := 8
	for i, end := range alawSegEnd {
		if pcm <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}

	aval := seg << 4
	if seg < 2 {
		aval |= (pcm >> 1) & 0x0F
	} else {
		aval |= (pcm >> seg) & 0x0F
	}
	return byte(aval ^ mask)
}

func decodeAlawSample(a byte) int16 {
	aval := a ^ 0x55
	t := int(aval&0x0F) << 4
	seg := int(aval&0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if aval&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// UlawToLinear16 expands μ-law bytes into 16-bit little-endian linear PCM.
// The output is twice the input length.
func UlawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawDecodeLUT[b]))
	}
	return out
}

// AlawToLinear16 expands A-law bytes into 16-bit little-endian linear PCM.
func AlawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(alawDecodeLUT[b]))
	}
	return out
}

// Linear16ToUlaw compands 16-bit little-endian linear PCM into μ-law bytes.
// A trailing odd byte is ignored.
func Linear16ToUlaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = ulawEncodeLUT[binary.LittleEndian.Uint16(in[i*2:])]
	}
	return out
}

// Linear16ToAlaw compands 16-bit little-endian linear PCM into A-law bytes.
func Linear16ToAlaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = alawEncodeLUT[binary.LittleEndian.Uint16(in[i*2:])]
	}
	return out
}

// DecodeToLinear16 decodes payload bytes in the given encoding to linear PCM.
// Linear input is returned as-is (no copy).
func DecodeToLinear16(enc Encoding, payload []byte) []byte {
	switch enc {
	case EncodingUlaw:
		return UlawToLinear16(payload)
	case EncodingAlaw:
		return AlawToLinear16(payload)
	default:
		return payload
	}
}

// EncodeFromLinear16 compands linear PCM into the given encoding.
// Linear output is returned as-is (no copy).
func EncodeFromLinear16(enc Encoding, pcm []byte) []byte {
	switch enc {
	case EncodingUlaw:
		return Linear16ToUlaw(pcm)
	case EncodingAlaw:
		return Linear16ToAlaw(pcm)
	default:
		return pcm
	}
}

// Silence returns n bytes of carrier-appropriate silence in the given
// encoding. For linear PCM this is n zero bytes.
func Silence(enc Encoding, n int) []byte {
	out := make([]byte, n)
	switch enc {
	case EncodingUlaw:
		for i := range out {
			out[i] = UlawSilence
		}
	case EncodingAlaw:
		for i := range out {
			out[i] = AlawSilence
		}
	}
	return out
}
