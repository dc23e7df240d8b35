// Package conflict maps a conflict policy and the remote name collision
// state to a finalize instruction.
package conflict

import (
	"fmt"
	"path"
	"strings"

	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// Instruction tells the finalize step what name to commit under.
type Instruction struct {
	UseName         string
	ShouldOverwrite bool
	// AllowDuplicate asks the service to keep both files under the same
	// requested name and disambiguate on its side.
	AllowDuplicate bool
}

// Resolve decides how to finalize an upload of name. suggested is the
// server's alternative name, if it offered one.
func Resolve(policy task.Policy, name string, collision bool, suggested string) (Instruction, error) {
	if !collision {
		return Instruction{UseName: name}, nil
	}
	switch policy {
	case task.Overwrite:
		return Instruction{UseName: name, ShouldOverwrite: true}, nil
	case task.Rename:
		if suggested != "" && suggested != name {
			return Instruction{UseName: suggested}, nil
		}
		return Instruction{UseName: DedupName(name, 1)}, nil
	case task.KeepBoth:
		return Instruction{UseName: name, AllowDuplicate: true}, nil
	case task.Fail:
		return Instruction{}, fmt.Errorf("%q already exists: %w", name, uperr.ErrNameConflict)
	default:
		return Instruction{}, fmt.Errorf("conflict policy %d: %w", policy, uperr.ErrInvalidConfiguration)
	}
}

// DedupName returns name with " (n)" inserted before its extension:
// "report.pdf" becomes "report (1).pdf". Dotfiles keep their leading dot.
func DedupName(name string, n int) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}
