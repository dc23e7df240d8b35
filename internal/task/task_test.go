package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/uperr"
)

func TestNewID_Determinism(t *testing.T) {
	t.Parallel()

	id1 := NewID("acct", "/photos/a.jpg", "dir-1", "a.jpg")
	id2 := NewID("acct", "/photos/a.jpg", "dir-1", "a.jpg")
	id3 := NewID("acct", "/photos/a.jpg", "dir-2", "a.jpg")
	id4 := NewID("other", "/photos/a.jpg", "dir-1", "a.jpg")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.NotEqual(t, id1, id4)
	assert.Len(t, string(id1), 32)
}

func TestNewID_NoConcatenationCollision(t *testing.T) {
	t.Parallel()
	assert.NotEqual(t, NewID("", "ab", "c", "d"), NewID("", "a", "bc", "d"))
}

func TestNew(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk, err := New(Params{
		Account:   "acct",
		Source:    "/tmp/report.pdf",
		DestDir:   "root",
		DestName:  "report.pdf",
		Policy:    Rename,
		TotalSize: 10,
		ChunkSize: 4,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, 3, tk.ChunkCount)
	assert.Equal(t, Queued, tk.State)
	assert.Equal(t, now, tk.CreatedAt)
	assert.Equal(t, NewID("acct", "/tmp/report.pdf", "root", "report.pdf"), tk.ID)

	spec, err := tk.Spec(3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), spec.Length)
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	base := Params{Source: "a", DestName: "a", Policy: Fail, TotalSize: 1, ChunkSize: 1}

	bad := base
	bad.ChunkSize = 0
	_, err := New(bad, time.Now())
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)

	bad = base
	bad.DestName = ""
	_, err = New(bad, time.Now())
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)

	bad = base
	bad.Policy = 0
	_, err = New(bad, time.Now())
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{Overwrite, Rename, KeepBoth, Fail} {
		got, err := ParsePolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParsePolicy("KEEP-BOTH")
	require.NoError(t, err)
	assert.Equal(t, KeepBoth, got)

	_, err = ParsePolicy("merge")
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Transferring", Transferring.String())
	assert.Equal(t, "Unknown", State(0).String())
	assert.Equal(t, "Unknown", State(99).String())
}
