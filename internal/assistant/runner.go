package assistant

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"linecook/internal/domain"
)

// IdleAction is the policy applied when a phase produces no new Actions for
// IdleTimeout.
type IdleAction string

const (
	IdleWarn      IdleAction = "warn"
	IdleTerminate IdleAction = "terminate"
)

// gracefulStopWait is how long the runner waits after a soft stop before
// force-killing the child (spec.md §4.3, §5).
const gracefulStopWait = 5 * time.Second

// CommandFactory builds the *exec.Cmd for one phase invocation. Replaced in
// tests to avoid spawning a real process, mirroring
// internal/ralph/executor.go's CommandFactory.
type CommandFactory func(ctx context.Context, opts RunOptions) *exec.Cmd

func defaultCommandFactory(ctx context.Context, opts RunOptions) *exec.Cmd {
	args := []string{"--phase", string(opts.Phase), "--output-format", "stream-json"}
	if opts.Arg != "" {
		args = append(args, opts.Arg)
	}
	cmd := exec.CommandContext(ctx, opts.Bin, args...)
	cmd.Dir = opts.WorkDir
	return cmd
}

// RunOptions configures one Assistant Runner invocation.
type RunOptions struct {
	Bin         string
	WorkDir     string
	Phase       domain.Phase
	Arg         string
	Timeout     time.Duration
	IdleTimeout time.Duration // 0 disables idle detection
	IdleAction  IdleAction

	// OnProgress fires whenever new Actions are observed, with the
	// cumulative count and the timestamp of the most recent one
	// (spec.md §4.3 step 5).
	OnProgress func(actionCount int, lastAction time.Time)
}

// Runner is the Assistant Runner.
type Runner struct {
	NewCommand CommandFactory
	Logger     *log.Logger
}

// NewRunner builds a Runner against the real assistant binary.
func NewRunner(logger *log.Logger) *Runner {
	return &Runner{NewCommand: defaultCommandFactory, Logger: logger}
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

// pendingAction is an in-flight tool_use awaiting its tool_result, keyed by
// tool_use_id. Kept as an intra-runner map, never surfaced across the
// package boundary (spec.md §9 design note).
type pendingAction struct {
	action domain.Action
}

// Run spawns one assistant invocation for opts.Phase and drives it to
// completion: multiplexing stdout against a 1-second tick so timeout, idle,
// and cancellation checks are responsive without busy-waiting.
func (r *Runner) Run(ctx context.Context, opts RunOptions) domain.PhaseResult {
	start := time.Now()
	result := domain.PhaseResult{Phase: opts.Phase, Signals: make(map[string]bool)}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	factory := r.NewCommand
	if factory == nil {
		factory = defaultCommandFactory
	}
	cmd := factory(runCtx, opts)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		result.Error = fmt.Sprintf("stdout pipe: %v", err)
		return result
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		result.Error = fmt.Sprintf("start: %v", err)
		return result
	}

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	pending := make(map[string]pendingAction)
	var output strings.Builder
	lastAction := start
	idleWarned := false
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	finish := func(success bool, exitCode int, phaseErr string) domain.PhaseResult {
		result.Success = success
		result.ExitCode = exitCode
		result.Error = phaseErr
		result.Output = output.String()
		result.Duration = time.Since(start)
		result.Actions = flushPending(result.Actions, pending)
		return result
	}

	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				continue
			}
			output.WriteString(line)
			output.WriteByte('\n')
			ev, parsed := ParseEvent(line)
			if !parsed {
				continue
			}
			switch ev.Type {
			case "assistant":
				text := TextFromAssistant(ev)
				for sig := range ScanSignals(text) {
					result.Signals[sig] = true
				}
				for _, tu := range ToolUsesFromAssistant(ev) {
					pending[tu.ToolUseID] = pendingAction{action: domain.Action{
						ToolName:     tu.Name,
						ToolUseID:    tu.ToolUseID,
						InputSummary: SummarizeInput(tu.Name, tu.Input),
						Timestamp:    time.Now(),
					}}
					lastAction = time.Now()
					idleWarned = false
					if opts.OnProgress != nil {
						opts.OnProgress(len(result.Actions)+len(pending), lastAction)
					}
				}
				if result.Signals[SignalPhaseComplete] {
					result.EarlyCompletion = true
					r.gracefulStop(cmd)
					return finish(true, 0, "")
				}
			case "user":
				for _, tr := range ToolResultsFromUser(ev) {
					pa, ok := pending[tr.ToolUseID]
					if !ok {
						continue
					}
					pa.action.Success = !tr.IsError
					pa.action.OutputSummary = SummarizeOutput(tr.Content, tr.IsError)
					pa.action.DurationMS = time.Since(pa.action.Timestamp).Milliseconds()
					result.Actions = append(result.Actions, pa.action)
					delete(pending, tr.ToolUseID)
					if opts.OnProgress != nil {
						opts.OnProgress(len(result.Actions)+len(pending), time.Now())
					}
				}
			}

		case waitErr := <-waitCh:
			success := waitErr == nil
			exitCode := 0
			if waitErr != nil {
				if exitErr, ok := waitErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					exitCode = -1
				}
			}
			return finish(success, exitCode, "")

		case <-ticker.C:
			if opts.IdleTimeout > 0 && time.Since(lastAction) >= opts.IdleTimeout {
				switch opts.IdleAction {
				case IdleTerminate:
					result.Signals["idle_terminated"] = true
					r.gracefulStop(cmd)
					<-waitCh
					loopErr := domain.NewTimeoutError("assistant idle timeout", opts.Bin, "", string(opts.Phase))
					res := finish(false, -1, loopErr.Error())
					return res
				case IdleWarn, "":
					if !idleWarned {
						r.logf("assistant: phase %s idle for %s", opts.Phase, opts.IdleTimeout)
						idleWarned = true
					}
				}
			}

		case <-runCtx.Done():
			r.gracefulStop(cmd)
			<-waitCh
			loopErr := domain.NewTimeoutError("assistant phase deadline exceeded", opts.Bin, "", string(opts.Phase))
			return finish(false, -1, loopErr.Error())
		}
	}
}

func flushPending(actions []domain.Action, pending map[string]pendingAction) []domain.Action {
	for _, pa := range pending {
		actions = append(actions, pa.action)
	}
	return actions
}

// gracefulStop sends a soft termination signal, then force-kills after
// gracefulStopWait if the process is still alive (spec.md §4.3 steps 6/8,
// §5 "graceful termination... attempts a soft stop first").
func (r *Runner) gracefulStop(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracefulStopWait):
		_ = cmd.Process.Kill()
	}
}

// drainStdout reads r to EOF and discards the data. Nothing in this package
// calls it.
func drainStdout(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
