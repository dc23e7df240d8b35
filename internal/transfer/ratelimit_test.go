package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingReaderAt records the size of every ReadAt call.
type countingReaderAt struct {
	r     io.ReaderAt
	sizes []int
}

func (c *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.r.ReadAt(p, off)
}

func TestNewBWLimiter(t *testing.T) {
	t.Parallel()

	t.Run("burst capped to rate below 1 MiB/s", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 1024, NewBWLimiter(1024).Burst())
	})

	t.Run("burst is one read slice at higher rates", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, maxReadSlice, NewBWLimiter(10*1024*1024).Burst())
	})

	t.Run("no limit", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, NewBWLimiter(0))
	})
}

func TestReadChunk(t *testing.T) {
	t.Parallel()
	data := []byte("0123456789abcdefghij")

	t.Run("unthrottled reads once", func(t *testing.T) {
		t.Parallel()
		src := &countingReaderAt{r: bytes.NewReader(data)}
		buf := make([]byte, 8)
		require.NoError(t, readChunk(context.Background(), src, 4, buf, nil))
		assert.Equal(t, []byte("456789ab"), buf)
		assert.Equal(t, []int{8}, src.sizes)
	})

	t.Run("throttled reads in burst slices", func(t *testing.T) {
		t.Parallel()
		src := &countingReaderAt{r: bytes.NewReader(bytes.Repeat(data, 200))}
		buf := make([]byte, 2500)
		require.NoError(t, readChunk(context.Background(), src, 0, buf, NewBWLimiter(1<<20)))
		assert.Equal(t, []int{2500}, src.sizes)

		src.sizes = nil
		start := time.Now()
		require.NoError(t, readChunk(context.Background(), src, 0, buf, NewBWLimiter(1000)))
		assert.Equal(t, []int{1000, 1000, 500}, src.sizes)
		// 2500 bytes at 1000 B/s with a 1000 byte burst.
		assert.GreaterOrEqual(t, time.Since(start), 1400*time.Millisecond)
	})

	t.Run("short source", func(t *testing.T) {
		t.Parallel()
		buf := make([]byte, 8)
		err := readChunk(context.Background(), bytes.NewReader(data), 16, buf, nil)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("cancelled wait reads nothing", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := &countingReaderAt{r: bytes.NewReader(data)}
		err := readChunk(ctx, src, 0, make([]byte, 8), NewBWLimiter(4))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, src.sizes)
	})
}
