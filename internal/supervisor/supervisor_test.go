package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecheck_NotFound(t *testing.T) {
	assert.Equal(t, ExitNotFound, Precheck([]string{"definitely-not-a-real-binary-xyz"}))
}

func TestPrecheck_NotFound_WithSeparator(t *testing.T) {
	assert.Equal(t, ExitNotFound, Precheck([]string{"/no/such/path/here"}))
}

func TestPrecheck_NotExecutable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "not-a-script")
	require.NoError(t, os.WriteFile(p, []byte("echo hi"), 0o644))
	assert.Equal(t, ExitNotExecutable, Precheck([]string{p}))
}

func TestPrecheck_Directory(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, ExitNotExecutable, Precheck([]string{dir}))
}

func TestPrecheck_OK(t *testing.T) {
	assert.Equal(t, 0, Precheck([]string{"/bin/echo", "hi"}))
}

func TestPrecheck_OKViaPath(t *testing.T) {
	assert.Equal(t, 0, Precheck([]string{"echo", "hi"}))
}

func TestSupervisor_RunCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	s := New(Options{
		Command:      []string{"/bin/sh", "-c", "echo hello"},
		LogPath:      logPath,
		PublishGrace: 0,
	})

	var published bool
	code, err := s.Run(context.Background(), func() { published = true })
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	// A near-instant command with zero grace may or may not win the race
	// to be published before it exits; the log content is the invariant
	// that always holds.
	_ = published

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
}

func TestSupervisor_RunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	s := New(Options{
		Command: []string{"/bin/sh", "-c", "exit 3"},
		LogPath: logPath,
	})

	code, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestSupervisor_PublishGraceHonoredOnFastExit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	s := New(Options{
		Command:      []string{"/bin/sh", "-c", "exit 1"},
		LogPath:      logPath,
		PublishGrace: 2 * time.Second,
	})

	var published bool
	code, err := s.Run(context.Background(), func() { published = true })
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.False(t, published, "a child that exits well within the grace window must never be published")
}

func TestSupervisor_PublishAfterGraceForLongRunningChild(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	s := New(Options{
		Command:      []string{"/bin/sh", "-c", "sleep 0.3"},
		LogPath:      logPath,
		PublishGrace: 50 * time.Millisecond,
	})

	var published bool
	code, err := s.Run(context.Background(), func() { published = true })
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, published)
}

func TestSupervisor_ContextCancelForwardsSIGTERM(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "task.log")

	s := New(Options{
		Command: []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"},
		LogPath: logPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Run(ctx, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
