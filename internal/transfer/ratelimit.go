package transfer

import (
	"context"
	"errors"
	"io"

	"golang.org/x/time/rate"
)

// maxReadSlice is the largest single source read of a throttled chunk.
const maxReadSlice = 1 << 20

// NewBWLimiter returns a limiter shared by every chunk read of the process,
// capping source reads at bytesPerSec. It returns nil, meaning unlimited,
// for a non-positive rate.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(min(bytesPerSec, maxReadSlice)))
}

// readChunk fills buf from src at off. With a limiter the chunk is read in
// slices of one burst, each paid for before it is read, so a cancelled wait
// stops the read without pulling further bytes from the source. A source
// that ends before buf is full yields io.ErrUnexpectedEOF.
func readChunk(ctx context.Context, src io.ReaderAt, off int64, buf []byte, limiter *rate.Limiter) error {
	step := len(buf)
	if limiter != nil {
		step = limiter.Burst()
	}
	for done := 0; done < len(buf); {
		end := min(done+step, len(buf))
		if limiter != nil {
			if err := limiter.WaitN(ctx, end-done); err != nil {
				return err
			}
		}
		n, err := src.ReadAt(buf[done:end], off+int64(done))
		if n < end-done {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		}
		done = end
	}
	return nil
}
