package conflict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/conflict"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		policy    task.Policy
		collision bool
		suggested string
		want      conflict.Instruction
	}{
		{"no collision overwrite", task.Overwrite, false, "", conflict.Instruction{UseName: "report.pdf"}},
		{"no collision fail", task.Fail, false, "", conflict.Instruction{UseName: "report.pdf"}},
		{"overwrite", task.Overwrite, true, "", conflict.Instruction{UseName: "report.pdf", ShouldOverwrite: true}},
		{"rename with suggestion", task.Rename, true, "report (2).pdf", conflict.Instruction{UseName: "report (2).pdf"}},
		{"rename without suggestion", task.Rename, true, "", conflict.Instruction{UseName: "report (1).pdf"}},
		{"rename with same suggestion", task.Rename, true, "report.pdf", conflict.Instruction{UseName: "report (1).pdf"}},
		{"keep both", task.KeepBoth, true, "", conflict.Instruction{UseName: "report.pdf", AllowDuplicate: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := conflict.Resolve(tt.policy, "report.pdf", tt.collision, tt.suggested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_FailOnCollision(t *testing.T) {
	_, err := conflict.Resolve(task.Fail, "report.pdf", true, "report (1).pdf")
	assert.ErrorIs(t, err, uperr.ErrNameConflict)
	assert.True(t, uperr.Terminal(err))
}

func TestResolve_UnknownPolicy(t *testing.T) {
	_, err := conflict.Resolve(task.Policy(0), "report.pdf", true, "")
	assert.ErrorIs(t, err, uperr.ErrInvalidConfiguration)
}

func TestDedupName(t *testing.T) {
	assert.Equal(t, "report (1).pdf", conflict.DedupName("report.pdf", 1))
	assert.Equal(t, "archive.tar (3).gz", conflict.DedupName("archive.tar.gz", 3))
	assert.Equal(t, "README (2)", conflict.DedupName("README", 2))
	assert.Equal(t, ".bashrc (1)", conflict.DedupName(".bashrc", 1))
}
