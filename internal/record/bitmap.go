package record

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/stratus/internal/chunk"
)

// Bitmaps above this many bytes are stored zstd-compressed. Sparse or
// nearly complete bitmaps of large files compress to a few bytes.
const compressThreshold = 256

const (
	formatRaw  byte = 0
	formatZstd byte = 1
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

func encodeBitmap(bm chunk.Bitmap) ([]byte, error) {
	raw := bm.Bytes()
	if len(raw) <= compressThreshold {
		return append([]byte{formatRaw}, raw...), nil
	}
	out := make([]byte, 1, len(raw)/4+1)
	out[0] = formatZstd
	return encoder.EncodeAll(raw, out), nil
}

func decodeBitmap(count int, blob []byte) (chunk.Bitmap, error) {
	if len(blob) == 0 {
		return chunk.Bitmap{}, fmt.Errorf("empty bitmap blob")
	}
	raw := blob[1:]
	switch blob[0] {
	case formatRaw:
	case formatZstd:
		var err error
		raw, err = decoder.DecodeAll(raw, nil)
		if err != nil {
			return chunk.Bitmap{}, fmt.Errorf("decompress bitmap: %w", err)
		}
	default:
		return chunk.Bitmap{}, fmt.Errorf("unknown bitmap format %d", blob[0])
	}
	return chunk.BitmapFromBytes(count, raw)
}
