package event

import (
	"log/slog"
	"time"

	"github.com/bamsammich/stratus/internal/task"
)

// Type identifies the kind of status event.
type Type int

const (
	StateChanged Type = iota + 1
	ChunkUploaded
	TaskCommitted
	TaskFailed
)

var typeNames = [...]string{
	StateChanged:  "StateChanged",
	ChunkUploaded: "ChunkUploaded",
	TaskCommitted: "TaskCommitted",
	TaskFailed:    "TaskFailed",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is one entry of a task's status stream.
type Event struct {
	Timestamp time.Time
	Err       error
	TaskID    task.ID
	Reason    string // failure reason tag (TaskFailed)
	FileID    string // committed remote file (TaskCommitted)
	FileName  string
	Done      int64 // bytes confirmed so far
	Total     int64 // total bytes of the task
	Chunk     int   // chunk number (ChunkUploaded)
	Type      Type
	State     task.State
	Terminal  bool // TaskFailed: the task will not be resumed
}

// Final reports whether the event ends a run.
func (e Event) Final() bool {
	return e.Type == TaskCommitted || e.Type == TaskFailed
}

// Attrs renders the event for structured logging.
func (e Event) Attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("type", e.Type.String()),
		slog.String("task", string(e.TaskID)),
		slog.String("state", e.State.String()),
	}
	switch e.Type {
	case ChunkUploaded:
		attrs = append(attrs, slog.Int("chunk", e.Chunk), slog.Int64("done", e.Done), slog.Int64("total", e.Total))
	case TaskCommitted:
		attrs = append(attrs, slog.String("file_id", e.FileID), slog.String("name", e.FileName))
	case TaskFailed:
		attrs = append(attrs, slog.String("reason", e.Reason), slog.Bool("terminal", e.Terminal))
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
	}
	return attrs
}
