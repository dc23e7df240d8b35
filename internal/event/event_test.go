package event

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/stratus/internal/task"
)

func TestTypeString(t *testing.T) {
	tests := []struct {
		want string
		typ  Type
	}{
		{want: "StateChanged", typ: StateChanged},
		{want: "ChunkUploaded", typ: ChunkUploaded},
		{want: "TaskCommitted", typ: TaskCommitted},
		{want: "TaskFailed", typ: TaskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

func TestTypeStringUnknown(t *testing.T) {
	assert.Equal(t, "Unknown", Type(999).String())
	assert.Equal(t, "Unknown", Type(0).String())
}

func TestEventFinal(t *testing.T) {
	assert.False(t, Event{Type: StateChanged}.Final())
	assert.False(t, Event{Type: ChunkUploaded}.Final())
	assert.True(t, Event{Type: TaskCommitted}.Final())
	assert.True(t, Event{Type: TaskFailed}.Final())
}

func TestEventAttrs(t *testing.T) {
	e := Event{
		Type:     TaskFailed,
		TaskID:   "abc",
		State:    task.Failed,
		Reason:   "SourceChanged",
		Terminal: true,
		Err:      errors.New("boom"),
	}
	got := map[string]string{}
	for _, a := range e.Attrs() {
		got[a.Key] = a.Value.String()
	}
	assert.Equal(t, "TaskFailed", got["type"])
	assert.Equal(t, "abc", got["task"])
	assert.Equal(t, "Failed", got["state"])
	assert.Equal(t, "SourceChanged", got["reason"])
	assert.Equal(t, "true", got["terminal"])
	assert.Equal(t, "boom", got["error"])

	progress := Event{Type: ChunkUploaded, Chunk: 3, Done: 12, Total: 40}.Attrs()
	assert.Contains(t, progress, slog.Int("chunk", 3))
	assert.Contains(t, progress, slog.Int64("total", 40))
}
