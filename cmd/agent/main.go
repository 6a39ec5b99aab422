// Command lw wraps an arbitrary command, mirroring its terminal output to
// the operator while durably capturing every byte and shipping it to a
// remote log-monitoring service in ordered, at-least-once batches.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/lw-agent/logwatch/internal/config"
	"github.com/lw-agent/logwatch/internal/errs"
	"github.com/lw-agent/logwatch/internal/model"
	"github.com/lw-agent/logwatch/internal/notifier"
	"github.com/lw-agent/logwatch/internal/observability"
	"github.com/lw-agent/logwatch/internal/queue"
	"github.com/lw-agent/logwatch/internal/reporter"
	"github.com/lw-agent/logwatch/internal/runtimetune"
	"github.com/lw-agent/logwatch/internal/state"
	"github.com/lw-agent/logwatch/internal/supervisor"
	"github.com/lw-agent/logwatch/internal/transport"
	"github.com/lw-agent/logwatch/internal/uploader"
)

// cliFlags are the narrow overrides this entrypoint exposes over config.Load's
// environment-variable defaults: the minimal flag layer needed to invoke the
// agent and name a task.
type cliFlags struct {
	name         string
	server       string
	machine      string
	userID       string
	userToken    string
	forceOffline bool
}

func main() {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:                   "lw [flags] -- COMMAND [ARGS...]",
		Short:                 "Wrap a command, capture its output, and ship it to a log-monitoring server",
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		SilenceErrors:         true,
		Args:                  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags, args)
		},
	}
	root.Flags().SetInterspersed(false) // stop parsing at the first positional arg, like docker's wrapped-command convention
	root.Flags().StringVarP(&flags.name, "name", "n", "", "task name (default: auto-generated)")
	root.Flags().StringVarP(&flags.server, "server", "s", "", "log-monitoring server URL (overrides LW_SERVER)")
	root.Flags().StringVarP(&flags.machine, "machine", "m", "", "machine identifier (overrides LW_MACHINE)")
	root.Flags().StringVarP(&flags.userID, "user-id", "u", "", "user id (overrides LW_USER_ID)")
	root.Flags().StringVar(&flags.userToken, "user-token", "", "user API token (overrides LW_USER_TOKEN)")
	root.Flags().BoolVar(&flags.forceOffline, "force-offline", false, "never contact the server; capture locally and notify by email")

	if err := root.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "\033[31m[lw] %v\033[0m\n", err)
		os.Exit(1)
	}
}

// exitError lets run() request a specific process exit code without cobra
// printing a redundant "Error:" line for conditions that already printed
// their own [lw]-prefixed message.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func run(flags *cliFlags, args []string) error {
	command := args
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if len(command) == 0 {
		return &exitError{code: 1}
	}

	if code := supervisor.Precheck(command); code != 0 {
		return &exitError{code: code}
	}

	cfg := config.Load()
	applyFlagOverrides(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		printLW(fmt.Sprintf("invalid configuration: %v", err), 31)
		return &exitError{code: 1}
	}

	task, err := buildTask(&cfg, flags, command)
	if err != nil {
		printLW(fmt.Sprintf("could not determine task metadata: %v", err), 31)
		return &exitError{code: 1}
	}

	logPath, err := prepareLogPath(task.TaskID)
	if err != nil {
		printLW(fmt.Sprintf("could not prepare local log directory: %v", err), 31)
		return &exitError{code: 1}
	}

	printLW(fmt.Sprintf("task: %s | id: %s", task.Name, shortID(task.TaskID)), 90)
	printLW(fmt.Sprintf("server: %s", cfg.Server), 90)
	printLW(fmt.Sprintf("command: %s", task.Command), 90)

	metrics := observability.NewMetrics()
	errCollector := errs.NewCollector(errs.RealClock{})
	machine := state.New(errs.RealClock{}, metrics, cfg.UploadCircuitBreakMax)
	machine.OnTransition(func(from, to state.Status, reason string) {
		if reason != "" {
			printLW(fmt.Sprintf("%s -> %s (%s)", from, to, reason), 33)
		} else {
			printLW(fmt.Sprintf("%s -> %s", from, to), 33)
		}
	})

	// Under pressure, force a collection and hand freed pages back to the OS
	// so a chatty child's buffered output cannot push the agent into an
	// OOM kill while the uploader drains.
	memMon := runtimetune.NewMemoryPressureMonitor(0.9, func() {
		debug.FreeOSMemory()
	}, 30*time.Second, nil, newLogger())
	memMon.Start()
	defer memMon.Stop()

	// The supervisor itself forwards SIGINT/SIGTERM directly to the child.
	// ctx is the parent of the uploader workers' context, which is canceled
	// once the child has exited to start their shutdown drain; ctx itself is
	// canceled only when run returns.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startTime := time.Now()

	var exitCode int
	if cfg.ForceOffline {
		printLW("force-offline mode: capturing locally, no server contact", 33)
		exitCode = runSupervised(ctx, &cfg, command, logPath, task, nil, metrics)
	} else {
		exitCode = runWithUploadPipeline(ctx, &cfg, command, logPath, task, machine, errCollector, metrics)
	}

	elapsed := time.Since(startTime)
	metrics.ChildExitCode.Set(float64(exitCode))

	statusColor, statusText := 32, "done"
	if exitCode != 0 {
		statusColor, statusText = 31, fmt.Sprintf("exited (code=%d)", exitCode)
	}
	printLW(fmt.Sprintf("%s | elapsed: %s", statusText, elapsed.Round(time.Second)), statusColor)

	if machine.Status() == state.OfflineGiveup || cfg.ForceOffline {
		sendOfflineNotification(&cfg, task, exitCode, elapsed, logPath)
	}

	return &exitError{code: exitCode}
}

// runWithUploadPipeline wires the durable queue, transport client, uploader
// (batching upload + heartbeat + resume probe) and event reporter together,
// then runs the child under the supervisor, publishing once exec is
// confirmed and the grace window elapses.
func runWithUploadPipeline(ctx context.Context, cfg *config.Config, command []string, logPath string, task model.Task, machine *state.Machine, errCollector *errs.Collector, metrics *observability.Metrics) int {
	q, err := openQueue()
	if err != nil {
		printLW(fmt.Sprintf("could not open local queue, falling back to offline capture: %v", err), 33)
		errCollector.Report(errs.AgentError{
			Code:      errs.ErrQueueOpenFailed,
			Message:   "queue open failed: " + err.Error(),
			Component: "main",
			Timestamp: time.Now().UnixMilli(),
		})
		return runSupervised(ctx, cfg, command, logPath, task, nil, metrics)
	}
	defer q.Close()

	client := transport.NewClient(cfg, metrics, newLogger())
	if !client.CheckConnectivity(ctx) {
		printLW("server unreachable, will keep retrying in the background", 33)
	}
	up := uploader.New(q, client, machine, cfg, metrics, errCollector, newLogger(), task, logPath)
	rep := reporter.New(client, machine, errCollector, metrics, newLogger())

	uploaderCtx, cancelUploader := context.WithCancel(ctx)
	defer cancelUploader()

	var wg sync.WaitGroup
	var published bool
	var publishOnce sync.Once

	onPublish := func() {
		publishOnce.Do(func() {
			published = true
			if err := up.Resume(ctx); err != nil {
				newLogger().Error("resume protocol failed", "error", err)
			}
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := up.Run(uploaderCtx); err != nil && !errors.Is(err, context.Canceled) {
					newLogger().Error("uploader loop exited", "error", err)
				}
			}()
			go func() {
				defer wg.Done()
				if err := up.RunHeartbeat(uploaderCtx); err != nil && !errors.Is(err, context.Canceled) {
					newLogger().Error("heartbeat loop exited", "error", err)
				}
			}()
			rep.ReportStart(ctx, task)
		})
	}

	exitCode := runSupervised(ctx, cfg, command, logPath, task, onPublish, metrics)

	cancelUploader()
	wg.Wait()

	if published {
		if exitCode == 0 {
			rep.ReportSuccess(ctx, task, exitCode)
		} else {
			rep.ReportFailed(ctx, task, exitCode)
		}
	}

	return exitCode
}

// runSupervised allocates a PTY, runs the command to completion, and
// mirrors its output to the operator and the local log file.
func runSupervised(ctx context.Context, cfg *config.Config, command []string, logPath string, task model.Task, onPublish func(), metrics *observability.Metrics) int {
	sup := supervisor.New(supervisor.Options{
		Command:      command,
		Dir:          task.Cwd,
		LogPath:      logPath,
		PublishGrace: cfg.PublishGrace,
		Logger:       newLogger(),
	})

	exitCode, err := sup.Run(ctx, onPublish)
	if err != nil {
		printLW(fmt.Sprintf("execution error: %v", err), 31)
		return 1
	}
	return exitCode
}

func sendOfflineNotification(cfg *config.Config, task model.Task, exitCode int, elapsed time.Duration, logPath string) {
	n := notifier.New(*cfg)
	if !n.Enabled() {
		return
	}
	tail, _ := os.ReadFile(logPath)
	status := "success"
	if exitCode != 0 {
		status = "failed"
	}
	code := exitCode
	if err := n.Notify(notifier.Summary{
		TaskName: task.Name,
		Machine:  task.Machine,
		Command:  task.Command,
		Status:   status,
		ExitCode: &code,
		Elapsed:  elapsed,
		LogTail:  string(tail),
	}); err != nil {
		printLW(fmt.Sprintf("email notification failed: %v", err), 33)
	} else {
		printLW("email notification sent", 32)
	}
}

func applyFlagOverrides(cfg *config.Config, flags *cliFlags) {
	if flags.server != "" {
		cfg.Server = flags.server
	}
	if flags.machine != "" {
		cfg.Machine = flags.machine
	}
	if flags.userID != "" {
		cfg.UserID = flags.userID
	}
	if flags.userToken != "" {
		cfg.UserToken = flags.userToken
	}
	if flags.forceOffline {
		cfg.ForceOffline = true
	}
}

func buildTask(cfg *config.Config, flags *cliFlags, command []string) (model.Task, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return model.Task{}, err
	}
	taskName := flags.name
	if taskName == "" {
		taskName = fmt.Sprintf("%s-%s", cfg.Machine, time.Now().Format("0102-150405"))
	}
	return model.Task{
		TaskID:         config.NewTaskID(),
		UserID:         cfg.UserID,
		UserToken:      cfg.UserToken,
		Name:           taskName,
		Machine:        cfg.Machine,
		Command:        joinCommand(command),
		Cwd:            cwd,
		PID:            os.Getpid(),
		RuntimeVersion: "go",
		HeartbeatSecs:  int(cfg.HeartbeatInterval.Seconds()),
	}, nil
}

func prepareLogPath(taskID string) (string, error) {
	dir, err := logDirectory()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, taskID+".log"), nil
}

func openQueue() (*queue.Store, error) {
	path, err := queueDBPath()
	if err != nil {
		return nil, err
	}
	return queue.Open(path)
}

func logDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lw_logs"), nil
}

func queueDBPath() (string, error) {
	dir, err := logDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.db"), nil
}

func printLW(msg string, color int) {
	fmt.Fprintf(os.Stderr, "\033[%dm[lw] %s\033[0m\n", color, msg)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

func joinCommand(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
