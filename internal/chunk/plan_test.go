package chunk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/chunk"
	"github.com/bamsammich/stratus/internal/uperr"
)

func TestPlan_Properties(t *testing.T) {
	t.Parallel()

	cases := []struct{ total, size int64 }{
		{0, 1}, {1, 1}, {1, 8}, {7, 8}, {8, 8}, {9, 8}, {1000, 7},
		{5 << 20, 1 << 20}, {5<<20 + 1, 1 << 20}, {123456789, 4 << 20},
	}

	for _, c := range cases {
		first, err := chunk.Plan(c.total, c.size)
		require.NoError(t, err)
		second, err := chunk.Plan(c.total, c.size)
		require.NoError(t, err)
		assert.Equal(t, first, second, "plan(%d, %d) not deterministic", c.total, c.size)

		var sum int64
		for i, s := range first {
			assert.Equal(t, i+1, s.Number)
			assert.Equal(t, int64(i)*c.size, s.Offset)
			if i < len(first)-1 {
				assert.Equal(t, c.size, s.Length)
			}
			sum += s.Length
		}
		assert.Equal(t, c.total, sum)
		assert.Equal(t, c.total, first[len(first)-1].End())

		n, err := chunk.Count(c.total, c.size)
		require.NoError(t, err)
		assert.Len(t, first, n)
	}
}

func TestPlan_EmptyFile(t *testing.T) {
	t.Parallel()

	specs, err := chunk.Plan(0, 4096)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, chunk.Spec{Number: 1, Offset: 0, Length: 0}, specs[0])
}

func TestPlan_LastChunk(t *testing.T) {
	t.Parallel()

	specs, err := chunk.Plan(10, 4)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, chunk.Spec{Number: 3, Offset: 8, Length: 2}, specs[2])
}

func TestPlan_InvalidChunkSize(t *testing.T) {
	t.Parallel()

	for _, size := range []int64{0, -1} {
		_, err := chunk.Plan(100, size)
		assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
	}
	_, err := chunk.Plan(-1, 10)
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
}

func TestSpecFor_MatchesPlan(t *testing.T) {
	t.Parallel()

	specs, err := chunk.Plan(1000, 64)
	require.NoError(t, err)
	for _, want := range specs {
		got, err := chunk.SpecFor(1000, 64, want.Number)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = chunk.SpecFor(1000, 64, 0)
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
	_, err = chunk.SpecFor(1000, 64, len(specs)+1)
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
}
