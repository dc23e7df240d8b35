package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_SetClear(t *testing.T) {
	t.Parallel()

	b := NewBitmap(130)
	assert.Equal(t, 0, b.Count())

	assert.True(t, b.Set(1))
	assert.True(t, b.Set(64))
	assert.True(t, b.Set(65))
	assert.True(t, b.Set(130))
	assert.False(t, b.Set(130), "second set is a no-op")
	assert.False(t, b.Set(0), "chunk numbers start at 1")
	assert.False(t, b.Set(131))

	assert.Equal(t, []int{1, 64, 65, 130}, b.Numbers())
	assert.Equal(t, 4, b.Count())

	assert.True(t, b.Clear(64))
	assert.False(t, b.Clear(64))
	assert.False(t, b.Has(64))
	assert.Equal(t, []int{1, 65, 130}, b.Numbers())
}

func TestBitmap_BytesRoundTrip(t *testing.T) {
	t.Parallel()

	b := NewBitmap(77)
	for _, n := range []int{1, 8, 9, 33, 64, 77} {
		b.Set(n)
	}

	raw := b.Bytes()
	assert.Len(t, raw, 10)

	back, err := BitmapFromBytes(77, raw)
	require.NoError(t, err)
	assert.Equal(t, b.Numbers(), back.Numbers())

	_, err = BitmapFromBytes(77, raw[:3])
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint([]byte("chunk one"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint([]byte("chunk one")))
	assert.NotEqual(t, a, Fingerprint([]byte("chunk two")))
}
