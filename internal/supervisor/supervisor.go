// Package supervisor allocates a PTY for the supervised child process,
// mirrors its output to the operator's terminal and a local log file, and
// forwards terminal signals. It never forks directly: os/exec plus
// creack/pty already implement the same "fork, dup the PTY slave onto
// stdio, exec, report exec failure over a pipe" sequence a hand-rolled
// fork/exec in Go would need to reimplement, and Start returning nil is
// exactly the exec-succeeded signal that sequence produces.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Precheck exit codes, following the shell's conventions.
const (
	ExitNotFound      = 127
	ExitNotExecutable = 126
)

// Precheck checks whether argv[0] exists and is executable, without
// starting it. It returns 0 when the command is runnable, or the exit code
// the agent should report otherwise (127 not found, 126 not executable).
func Precheck(argv []string) int {
	if len(argv) == 0 {
		return ExitNotFound
	}
	name := argv[0]

	if hasPathSeparator(name) {
		info, err := os.Stat(name)
		if err != nil {
			return ExitNotFound
		}
		if info.IsDir() || !isExecutable(info) {
			return ExitNotExecutable
		}
		return 0
	}

	resolved, err := exec.LookPath(name)
	if err != nil {
		return ExitNotFound
	}
	info, err := os.Stat(resolved)
	if err != nil || !isExecutable(info) {
		return ExitNotExecutable
	}
	return 0
}

func hasPathSeparator(name string) bool {
	return filepath.Base(name) != name
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode()&0o111 != 0
}

// Options configures one supervised run.
type Options struct {
	Command      []string
	Dir          string
	LogPath      string
	PublishGrace time.Duration
	Logger       *slog.Logger
}

// Supervisor owns the PTY, the log file, and the child process for one
// supervised run.
type Supervisor struct {
	opts Options
}

// New creates a Supervisor for the given options.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts}
}

// Run starts the child under a PTY and blocks until it exits or ctx is
// canceled (in which case SIGTERM is forwarded and Run still waits for the
// child to be reaped). onPublish is invoked exactly once, after exec is
// confirmed and the publish-grace window has elapsed, but only if the
// child is still alive at that point - a child that dies within the grace
// window is never published, so typos and failed prechecks stay quiet.
// It returns the child's mapped exit code (WEXITSTATUS, or 128+signal for
// a signaled exit).
func (s *Supervisor) Run(ctx context.Context, onPublish func()) (int, error) {
	logFile, err := os.OpenFile(s.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 1, err
	}
	defer logFile.Close()

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = s.opts.Dir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		// exec failed; Go's os/exec already reported it synchronously, the
		// same signal the exec-status pipe in a hand-rolled fork would give.
		return 1, err
	}
	defer ptmx.Close()

	s.mirrorWindowSize(ptmx)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	var sigWG sync.WaitGroup
	sigWG.Add(1)
	go func() {
		defer sigWG.Done()
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGWINCH:
					s.mirrorWindowSize(ptmx)
				default:
					if cmd.Process != nil {
						_ = cmd.Process.Signal(sig)
					}
				}
			}
		}
	}()

	// Forward context cancellation as SIGTERM without tearing down the
	// signal-forwarding goroutine above.
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		case <-done:
		}
	}()

	s.publishAfterGrace(done, onPublish)

	s.copyOutput(ptmx, logFile)

	waitErr := cmd.Wait()
	close(done)
	sigWG.Wait()

	return exitCodeOf(cmd, waitErr), nil
}

// publishAfterGrace starts a timer that invokes onPublish once, provided
// done has not already closed (meaning the child exited) by the time the
// grace window elapses.
func (s *Supervisor) publishAfterGrace(done <-chan struct{}, onPublish func()) {
	if onPublish == nil {
		return
	}
	grace := s.opts.PublishGrace
	if grace < 0 {
		grace = 0
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			onPublish()
		case <-done:
		}
	}()
}

// copyOutput reads child output from the PTY master until EOF (the child
// closed its slave fds, normally on exit), writing each chunk to the
// operator's stdout and the local log file.
func (s *Supervisor) copyOutput(ptmx *os.File, logFile *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := os.Stdout.Write(chunk); werr != nil {
				s.opts.Logger.Debug("stdout write failed", "error", werr)
			}
			if _, werr := logFile.Write(chunk); werr != nil {
				s.opts.Logger.Error("local log write failed", "error", werr)
			}
		}
		if err != nil {
			// A PTY master read returns EIO once the slave side has no more
			// writers; that is the PTY's ordinary EOF-equivalent.
			if errors.Is(err, io.EOF) || isPtyClosed(err) {
				return
			}
			return
		}
	}
}

func isPtyClosed(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, syscall.EIO)
	}
	return errors.Is(err, syscall.EIO)
}

// mirrorWindowSize copies the controlling terminal's window size into the
// PTY master, eagerly at startup and again on every SIGWINCH.
func (s *Supervisor) mirrorWindowSize(ptmx *os.File) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{
		Rows: uint16(height),
		Cols: uint16(width),
	})
}

// exitCodeOf maps the child's wait status to the agent's exit-code
// convention: WEXITSTATUS for a normal exit, 128+signal for a signaled one.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if ws.Exited() {
			return ws.ExitStatus()
		}
	}
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
