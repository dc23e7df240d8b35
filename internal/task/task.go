// Package task defines the persisted description of one user-intended upload.
package task

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/stratus/internal/chunk"
	"github.com/bamsammich/stratus/internal/uperr"
)

// ID is the stable identity of an upload task.
type ID string

// Policy decides what happens when the destination name is already taken.
type Policy int

const (
	Overwrite Policy = iota + 1
	Rename
	KeepBoth
	Fail
)

var policyNames = [...]string{
	Overwrite: "overwrite",
	Rename:    "rename",
	KeepBoth:  "keep-both",
	Fail:      "fail",
}

func (p Policy) String() string {
	if p > 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name != "" && strings.EqualFold(name, s) {
			return Policy(p), nil
		}
	}
	return 0, fmt.Errorf("conflict policy %q: %w", s, uperr.ErrInvalidConfiguration)
}

// State is the lifecycle position of a task.
type State int

const (
	Queued State = iota + 1
	Negotiating
	Reconciling
	Transferring
	Finalizing
	Committed
	Failed
)

var stateNames = [...]string{
	Queued:       "Queued",
	Negotiating:  "Negotiating",
	Reconciling:  "Reconciling",
	Transferring: "Transferring",
	Finalizing:   "Finalizing",
	Committed:    "Committed",
	Failed:       "Failed",
}

func (s State) String() string {
	if s > 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Task is one upload. Size, ChunkSize and ChunkCount never change once the
// task exists; a different layout requires a new task.
type Task struct {
	CreatedAt    time.Time
	ID           ID
	Account      string
	Source       string
	DestDir      string
	DestName     string
	SessionToken string
	FailReason   string
	TotalSize    int64
	ChunkSize    int64
	SourceMarker int64 // source mtime in nanoseconds at enqueue
	ChunkCount   int
	Policy       Policy
	State        State
}

// Params describes a task before it is created.
type Params struct {
	Account      string
	Source       string
	DestDir      string
	DestName     string
	Policy       Policy
	TotalSize    int64
	ChunkSize    int64
	SourceMarker int64
}

// New validates params and derives the id and chunk count.
func New(p Params, now time.Time) (Task, error) {
	count, err := chunk.Count(p.TotalSize, p.ChunkSize)
	if err != nil {
		return Task{}, err
	}
	if p.Source == "" || p.DestName == "" {
		return Task{}, fmt.Errorf("source and destination name are required: %w", uperr.ErrInvalidConfiguration)
	}
	if p.Policy.String() == "unknown" {
		return Task{}, fmt.Errorf("conflict policy %d: %w", p.Policy, uperr.ErrInvalidConfiguration)
	}
	return Task{
		ID:           NewID(p.Account, p.Source, p.DestDir, p.DestName),
		Account:      p.Account,
		Source:       p.Source,
		DestDir:      p.DestDir,
		DestName:     p.DestName,
		Policy:       p.Policy,
		TotalSize:    p.TotalSize,
		ChunkSize:    p.ChunkSize,
		ChunkCount:   count,
		SourceMarker: p.SourceMarker,
		CreatedAt:    now.UTC(),
		State:        Queued,
	}, nil
}

// Spec returns the byte range of chunk number.
func (t Task) Spec(number int) (chunk.Spec, error) {
	return chunk.SpecFor(t.TotalSize, t.ChunkSize, number)
}

// NewID derives a stable id from the upload's logical identity so that
// re-enqueuing the same upload after a restart resumes instead of duplicating.
func NewID(account, source, destDir, destName string) ID {
	h := blake3.New()
	for _, part := range []string{account, source, destDir, destName} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	digest := h.Sum(nil)
	return ID(hex.EncodeToString(digest[:16]))
}

// ChunkState is the local record of one chunk.
type ChunkState struct {
	Fingerprint string
	Size        int64
	Number      int
	Committed   bool
}
