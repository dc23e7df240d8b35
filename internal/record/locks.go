package record

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/bamsammich/stratus/internal/task"
)

const lockStripes = 64

// stripedLocks serializes writers of the same task without a map of
// per-task mutexes that would have to be garbage collected.
type stripedLocks [lockStripes]sync.Mutex

func (l *stripedLocks) lock(id task.ID) func() {
	m := &l[xxhash.Sum64String(string(id))%lockStripes]
	m.Lock()
	return m.Unlock
}
