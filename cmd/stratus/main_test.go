package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratus/internal/config"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/remote/remotetest"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// syncBuffer is written by the presenter and loggers from several
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cli struct {
	dir   string
	state string
	srv   *remotetest.Server
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))

	c := &cli{dir: dir, state: filepath.Join(dir, "state.db"), srv: remotetest.New()}
	prev := newTransport
	newTransport = func(context.Context, remoteSettings, *slog.Logger) (remote.Transport, error) {
		return c.srv, nil
	}
	defaultLogger := slog.Default()
	t.Cleanup(func() {
		newTransport = prev
		slog.SetDefault(defaultLogger)
	})
	return c
}

// run executes stratus with the harness state database and a dummy
// endpoint prepended to args.
func (c *cli) run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errOut syncBuffer
	full := append([]string{
		"--state", c.state,
		"--endpoint", "https://uploads.example.com",
		"--timeout", "5s",
	}, args...)
	code = run(full, &out, &errOut)
	return out.String(), errOut.String(), code
}

func (c *cli) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--version"}, &out, &out)
	assert.Equal(t, 0, code)
	assert.Equal(t, "stratus dev\n", out.String())
}

func TestEnqueue_Commits(t *testing.T) {
	c := newCLI(t)
	data := []byte("the quick brown fox jumps")
	src := c.writeFile(t, "fox.txt", data)

	stdout, stderr, code := c.run(t, "enqueue", src, "docs", "--chunk-size", "8")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "committed  fox.txt")
	assert.Contains(t, stderr, "1 committed, 0 failed")

	got, ok := c.srv.Content("docs", "fox.txt")
	require.True(t, ok)
	assert.Equal(t, data, got)

	stdout, _, code = c.run(t, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "no uploads recorded")

	stdout, _, code = c.run(t, "list", "--files", "docs")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "fox.txt")
}

func TestEnqueue_NameAndPolicy(t *testing.T) {
	c := newCLI(t)
	c.srv.AddFile("docs", "report.pdf", 3)
	src := c.writeFile(t, "draft.pdf", []byte("new report"))

	_, stderr, code := c.run(t, "-q", "enqueue", src, "docs", "--name", "report.pdf", "--policy", "keep-both")
	require.Equal(t, 0, code, stderr)

	_, ok := c.srv.Content("docs", "report (1).pdf")
	assert.True(t, ok)
}

func TestEnqueue_TerminalFailure(t *testing.T) {
	c := newCLI(t)
	c.srv.OnOpen(func(remote.OpenRequest) error { return uperr.ErrSessionRejected })
	src := c.writeFile(t, "a.bin", []byte("payload"))

	_, _, code := c.run(t, "enqueue", src, "docs")
	assert.Equal(t, 2, code)

	stdout, _, code := c.run(t, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "no uploads recorded")
}

func TestEnqueue_ResumableFailureThenResume(t *testing.T) {
	c := newCLI(t)
	c.srv.OnUpload(func(ch remote.ChunkUpload, _ int) error {
		if ch.Number == 4 {
			return uperr.ErrTransient
		}
		return nil
	})
	data := []byte("0123456789abcdef")
	src := c.writeFile(t, "a.bin", data)

	_, _, code := c.run(t, "enqueue", src, "docs", "--chunk-size", "4", "--chunk-concurrency", "1",
		"--max-chunk-attempts", "1", "--max-task-attempts", "1")
	assert.Equal(t, 1, code)

	stdout, _, code := c.run(t, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "docs/a.bin")
	assert.Contains(t, stdout, "Failed")
	assert.Contains(t, stdout, " 75%")

	c.srv.OnUpload(nil)
	_, stderr, code := c.run(t, "resume")
	require.Equal(t, 0, code, stderr)

	got, ok := c.srv.Content("docs", "a.bin")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestEnqueue_DetachThenResume(t *testing.T) {
	c := newCLI(t)
	data := []byte("detached upload")
	src := c.writeFile(t, "d.txt", data)

	stdout, stderr, code := c.run(t, "-q", "enqueue", src, "docs", "--detach")
	require.Equal(t, 0, code, stderr)
	assert.Len(t, strings.TrimSpace(stdout), 32)

	_, stderr, code = c.run(t, "resume")
	require.Equal(t, 0, code, stderr)

	got, ok := c.srv.Content("docs", "d.txt")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestEnqueue_AgainResumesExisting(t *testing.T) {
	c := newCLI(t)
	data := []byte("resumed by a second enqueue")
	src := c.writeFile(t, "r.txt", data)

	stdout, stderr, code := c.run(t, "-q", "enqueue", src, "docs", "--detach")
	require.Equal(t, 0, code, stderr)
	id := strings.TrimSpace(stdout)

	_, stderr, code = c.run(t, "-q", "enqueue", src, "docs", "--policy", "fail")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, shortID(task.ID(id))+" is already recorded")

	got, ok := c.srv.Content("docs", "r.txt")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestEnqueue_MissingSource(t *testing.T) {
	c := newCLI(t)

	_, stderr, code := c.run(t, "enqueue", filepath.Join(c.dir, "nope"), "docs")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error:")
}

func TestEnqueue_MissingEndpoint(t *testing.T) {
	newCLI(t)
	var out, errOut syncBuffer
	code := run([]string{"--state", filepath.Join(t.TempDir(), "s.db"), "enqueue", "x", "docs"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--endpoint is required")
}

func TestResume_Nothing(t *testing.T) {
	c := newCLI(t)

	stdout, _, code := c.run(t, "resume")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "nothing to resume")
}

func TestCancel_ByPrefix(t *testing.T) {
	c := newCLI(t)
	c.srv.OnOpen(func(remote.OpenRequest) error { return uperr.ErrTransient })
	src := c.writeFile(t, "c.txt", []byte("cancel me"))

	stdout, _, code := c.run(t, "-q", "enqueue", src, "docs", "--detach", "--max-task-attempts", "1")
	require.Equal(t, 0, code)
	id := strings.TrimSpace(stdout)

	stdout, stderr, code := c.run(t, "cancel", id[:8])
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "cancelled "+id)

	stdout, _, _ = c.run(t, "list")
	assert.Contains(t, stdout, "no uploads recorded")
}

func TestCancel_Unknown(t *testing.T) {
	c := newCLI(t)

	_, stderr, code := c.run(t, "cancel", "deadbeef")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "not found")
}

func TestList_DaemonInfo(t *testing.T) {
	c := newCLI(t)
	require.NoError(t, config.WriteDaemonInfo(config.DaemonInfo{
		Started:  time.Now(),
		StateDB:  c.state,
		Interval: "5m0s",
		PID:      4242,
	}))

	stdout, _, code := c.run(t, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "daemon: pid 4242, resuming every 5m0s")
}

func TestGenDocs(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	code := run([]string{"gen-docs", "--dir", dir, "--format", "markdown"}, &out, &out)
	require.Equal(t, 0, code, out.String())

	_, err := os.Stat(filepath.Join(dir, "stratus_enqueue.md"))
	assert.NoError(t, err)
}

func TestDaemon_ResumesPending(t *testing.T) {
	c := newCLI(t)
	c.srv.OnOpen(func(remote.OpenRequest) error { return uperr.ErrTransient })
	data := []byte("picked up by the daemon")
	src := c.writeFile(t, "late.txt", data)

	_, _, code := c.run(t, "-q", "enqueue", src, "docs", "--detach", "--max-task-attempts", "1")
	require.Equal(t, 0, code)
	c.srv.OnOpen(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	root := newRootCmd(&options{})
	root.SetArgs([]string{"--state", c.state, "--endpoint", "https://uploads.example.com", "daemon", "--interval", "1h"})
	root.SetOut(&out)
	root.SetErr(&errOut)

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := c.srv.Content("docs", "late.txt")
		return ok
	}, 10*time.Second, 20*time.Millisecond)

	info, err := config.ReadDaemonInfo()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "1h0m0s", info.Interval)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = config.ReadDaemonInfo()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
