package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrNoDataChunk is returned by [ExtractWAVData] when a RIFF header is present
// but no "data" chunk can be located.
var ErrNoDataChunk = errors.New("audio: wav: no data chunk found")

// ExtractWAVData strips a RIFF/WAVE header from buf and returns the raw sample
// payload. Buffers without a RIFF header are assumed to be headerless payloads
// and are returned unchanged.
//
// The chunk length is honored when it fits inside the buffer; truncated files
// (a declared length past EOF) yield everything after the chunk header.
func ExtractWAVData(buf []byte) ([]byte, error) {
	if len(buf) < 12 || !bytes.Equal(buf[:4], []byte("RIFF")) {
		return buf, nil
	}
	idx := bytes.Index(buf, []byte("data"))
	if idx < 0 || idx+8 > len(buf) {
		return nil, ErrNoDataChunk
	}
	size := int(binary.LittleEndian.Uint32(buf[idx+4 : idx+8]))
	start := idx + 8
	if size <= 0 || start+size > len(buf) {
		return buf[start:], nil
	}
	return buf[start : start+size], nil
}
