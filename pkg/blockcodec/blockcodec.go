// Package blockcodec compresses and decompresses individual synchronization
// blocks. It wraps compress/flate, but exposes it at block granularity (one
// call per block) rather than as a streaming io.Reader/io.Writer, to match
// the per-block BLOCK_DATA <idx> <clen> <olen> wire framing.
package blockcodec

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pkg/errors"
)

const defaultCompressionLevel = flate.DefaultCompression

// Compress compresses buf. If compression would expand the buffer, the raw
// bytes are returned instead, with clen == olen acting as the explicit
// "raw data" marker — the decompressor below checks for this sentinel
// before attempting inflation.
func Compress(buf []byte) []byte {
	var out bytes.Buffer
	writer, err := flate.NewWriter(&out, defaultCompressionLevel)
	if err != nil {
		return buf
	}
	if _, err := writer.Write(buf); err != nil {
		return buf
	}
	if err := writer.Close(); err != nil {
		return buf
	}
	if out.Len() >= len(buf) {
		return buf
	}
	return out.Bytes()
}

// Decompress decompresses data, which is expected to expand to exactly
// olen bytes. If len(data) == olen, data is assumed to be the raw-fallback
// sentinel from Compress and is returned unchanged without attempting
// inflation. Otherwise decompression is attempted and it is an error for
// the result to be any length other than olen.
func Decompress(data []byte, olen int) ([]byte, error) {
	if len(data) == olen {
		out := make([]byte, olen)
		copy(out, data)
		return out, nil
	}

	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	out := make([]byte, olen)
	n, err := io.ReadFull(reader, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "unable to decompress block")
	}
	if n != olen {
		return nil, errors.Errorf("decompressed length %d does not match declared length %d", n, olen)
	}

	// Confirm there is no trailing data beyond the declared length: a
	// correctly framed block decompresses to exactly olen bytes.
	var extra [1]byte
	if m, _ := reader.Read(extra[:]); m > 0 {
		return nil, errors.New("decompressed block exceeds declared length")
	}

	return out, nil
}
