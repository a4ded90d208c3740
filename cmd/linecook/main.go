// Command linecook drives an external AI coding assistant through repeated
// cook/serve/tidy cycles (with conditional plate/close-service) against a
// tracked issue backlog, until a stop condition fires.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"linecook/internal/assistant"
	"linecook/internal/gitgw"
	"linecook/internal/iteration"
	"linecook/internal/loopctl"
	"linecook/internal/telemetry"
	"linecook/internal/tracker"
	"linecook/internal/watch"
)

// config holds the parsed CLI configuration for a linecook run.
type config struct {
	workdir string

	maxIterations   int
	stopOnBlocked   bool
	stopOnCrash     bool
	maxRetries      int
	cookTimeout     time.Duration
	serveTimeout    time.Duration
	tidyTimeout     time.Duration
	plateTimeout    time.Duration
	maxTaskFailures int
	idleTimeout     time.Duration
	idleAction      string
	epic            string
	epicSet         bool
	breakOnEpic     bool
	skipInitialSync bool
	healthCheck     bool
	jsonOut         bool
	outputPath      string

	assistantBin string
	trackerBin   string

	logFile     string
	pidFile     string
	statusFile  string
	historyFile string
}

func parseFlags(args []string) config {
	var cfg config
	fs := flag.NewFlagSet("linecook", flag.ExitOnError)

	fs.StringVar(&cfg.workdir, "workdir", ".", "path to the repository to operate in")

	fs.IntVar(&cfg.maxIterations, "max-iterations", 25, "upper bound on iterations")
	fs.BoolVar(&cfg.stopOnBlocked, "stop-on-blocked", false, "exit 1 on a BLOCKED serve verdict")
	fs.BoolVar(&cfg.stopOnCrash, "stop-on-crash", false, "exit with the crash/timeout code on a crashed or timed-out phase")
	fs.IntVar(&cfg.maxRetries, "max-retries", 2, "cook retries per task on NEEDS_CHANGES")
	fs.DurationVar(&cfg.cookTimeout, "cook-timeout", 1200*time.Second, "cook phase timeout")
	fs.DurationVar(&cfg.serveTimeout, "serve-timeout", 600*time.Second, "serve phase timeout")
	fs.DurationVar(&cfg.tidyTimeout, "tidy-timeout", 240*time.Second, "tidy phase timeout")
	fs.DurationVar(&cfg.plateTimeout, "plate-timeout", 600*time.Second, "plate/close-service phase timeout")
	fs.IntVar(&cfg.maxTaskFailures, "max-task-failures", 3, "consecutive failures before a task is skipped")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 180*time.Second, "no-progress threshold during a phase; 0 disables")
	fs.StringVar(&cfg.idleAction, "idle-action", "warn", "action on idle timeout: warn|terminate")
	fs.StringVar(&cfg.epic, "epic", "", "epic-scope filter; pass with no value to auto-detect")
	fs.BoolVar(&cfg.breakOnEpic, "break-on-epic", false, "stop when any epic closes")
	fs.BoolVar(&cfg.skipInitialSync, "skip-initial-sync", false, "skip the one-time git+tracker sync at start")
	fs.BoolVar(&cfg.healthCheck, "health-check", false, "verify the environment and exit")
	fs.BoolVar(&cfg.jsonOut, "json", false, "emit a JSON report instead of human-readable output")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to a file")

	fs.StringVar(&cfg.assistantBin, "assistant-bin", "claude", "assistant CLI binary")
	fs.StringVar(&cfg.trackerBin, "tracker-bin", "bd", "tracker CLI binary")

	fs.StringVar(&cfg.logFile, "log-file", "", "path for the run log")
	fs.StringVar(&cfg.pidFile, "pid-file", "", "path for the process id file")
	fs.StringVar(&cfg.statusFile, "status-file", "linecook-status.json", "path for the atomic status snapshot")
	fs.StringVar(&cfg.historyFile, "history-file", "linecook-history.ndjson", "path for the append-only history journal")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: linecook [flags]\n")
		fmt.Fprintf(os.Stderr, "       linecook watch [--status-file PATH]\n\n")
		fmt.Fprintf(os.Stderr, "linecook drives an assistant through cook/serve/tidy cycles against a\n")
		fmt.Fprintf(os.Stderr, "tracked backlog until a stop condition fires.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  no_work, no_actionable_work, max_iterations, shutdown, epic_complete\n")
		fmt.Fprintf(os.Stderr, "  1  blocked\n")
		fmt.Fprintf(os.Stderr, "  2  any other reason, including invalid_epic\n")
		fmt.Fprintf(os.Stderr, "  3  circuit_breaker, all_tasks_skipped\n")
	}

	// "--epic" with no ID means auto-detect (spec.md §6); the flag package
	// has no native optional-value flag, so a bare, value-less "--epic" is
	// stripped here and remembered before the rest is parsed normally.
	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		bare := a == "--epic" || a == "-epic"
		last := i == len(args)-1
		followedByFlag := !last && len(args[i+1]) > 0 && args[i+1][0] == '-'
		if bare && (last || followedByFlag) {
			cfg.epicSet = true
			continue
		}
		filtered = append(filtered, a)
	}

	fs.Parse(filtered)
	cfg.epicSet = cfg.epicSet || cfg.epic != ""
	return cfg
}

// healthReport is the JSON shape emitted by --health-check.
type healthReport struct {
	AssistantOK bool   `json:"assistant_ok"`
	TrackerOK   bool   `json:"tracker_ok"`
	GitOK       bool   `json:"git_ok"`
	TrackerInit bool   `json:"tracker_initialized"`
	Workdir     string `json:"workdir"`
	Errors      []string `json:"errors,omitempty"`
}

func runHealthCheck(cfg config) (healthReport, bool) {
	var h healthReport
	h.Workdir = cfg.workdir

	if _, err := exec.LookPath(cfg.assistantBin); err != nil {
		h.Errors = append(h.Errors, fmt.Sprintf("assistant CLI %q not found in PATH", cfg.assistantBin))
	} else {
		h.AssistantOK = true
	}

	if _, err := exec.LookPath(cfg.trackerBin); err != nil {
		h.Errors = append(h.Errors, fmt.Sprintf("tracker CLI %q not found in PATH", cfg.trackerBin))
	} else {
		h.TrackerOK = true
	}

	gitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gitCmd := exec.CommandContext(gitCtx, "git", "rev-parse", "--is-inside-work-tree")
	gitCmd.Dir = cfg.workdir
	if err := gitCmd.Run(); err != nil {
		h.Errors = append(h.Errors, fmt.Sprintf("workdir %q is not a git repository", cfg.workdir))
	} else {
		h.GitOK = true
	}

	if h.TrackerOK {
		trackerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		trackerCmd := exec.CommandContext(trackerCtx, cfg.trackerBin, "list", "--status", "ready", "--json", "--limit", "0")
		trackerCmd.Dir = cfg.workdir
		if err := trackerCmd.Run(); err != nil {
			h.Errors = append(h.Errors, "tracker is not initialized in this workdir")
		} else {
			h.TrackerInit = true
		}
	}

	ok := h.AssistantOK && h.TrackerOK && h.GitOK && h.TrackerInit
	return h, ok
}

func buildController(cfg config, logger *log.Logger) (*loopctl.Controller, error) {
	absWorkdir, err := filepath.Abs(cfg.workdir)
	if err != nil {
		return nil, fmt.Errorf("workdir %q: %w", cfg.workdir, err)
	}
	info, err := os.Stat(absWorkdir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workdir %q is not a directory", cfg.workdir)
	}

	trackerGw := tracker.NewGateway(absWorkdir, cfg.trackerBin, logger)
	gitGw := gitgw.NewGateway(absWorkdir, trackerGw, logger)
	runner := assistant.NewRunner(logger)

	observer := telemetry.NewTracingObserver()
	engine := iteration.NewEngine(trackerGw, gitGw, runner, observer)
	engine.AssistantBin = cfg.assistantBin
	engine.MaxRetries = cfg.maxRetries
	engine.IdleTimeout = cfg.idleTimeout
	engine.IdleAction = assistant.IdleAction(cfg.idleAction)
	engine.Timeouts = iteration.Timeouts{
		Cook:         cfg.cookTimeout,
		Serve:        cfg.serveTimeout,
		Tidy:         cfg.tidyTimeout,
		Plate:        cfg.plateTimeout,
		CloseService: cfg.plateTimeout,
	}

	var statusWriter *telemetry.StatusWriter
	if cfg.statusFile != "" {
		if err := telemetry.EnsureDir(cfg.statusFile); err != nil {
			logger.Printf("linecook: warning: status dir: %v", err)
		}
		statusWriter = telemetry.NewStatusWriter(cfg.statusFile, 5*time.Second, logger)
		statusWriter.Clear()
	}
	var history *telemetry.HistoryJournal
	if cfg.historyFile != "" {
		if err := telemetry.EnsureDir(cfg.historyFile); err != nil {
			logger.Printf("linecook: warning: history dir: %v", err)
		}
		history = telemetry.NewHistoryJournal(cfg.historyFile, logger)
	}

	opts := loopctl.DefaultOptions()
	opts.MaxIterations = cfg.maxIterations
	opts.StopOnBlocked = cfg.stopOnBlocked
	opts.StopOnCrash = cfg.stopOnCrash
	opts.MaxTaskFailures = cfg.maxTaskFailures
	opts.BreakOnEpic = cfg.breakOnEpic
	opts.SkipInitialSync = cfg.skipInitialSync
	opts.Timeouts = engine.Timeouts
	opts.MaxRetries = cfg.maxRetries
	opts.IdleTimeout = cfg.idleTimeout
	opts.IdleAction = cfg.idleAction
	switch {
	case cfg.epicSet && cfg.epic != "":
		opts.EpicMode = loopctl.EpicModeExplicit
		opts.ExplicitEpicID = cfg.epic
	case cfg.epicSet:
		opts.EpicMode = loopctl.EpicModeAuto
	default:
		opts.EpicMode = loopctl.EpicModeDefault
	}

	ctrl := loopctl.NewController(trackerGw, gitGw, engine, statusWriter, history, logger, opts)
	return ctrl, nil
}

type jsonReport struct {
	StopReason  string   `json:"stop_reason"`
	Iterations  int      `json:"iterations"`
	Completed   int      `json:"completed"`
	Failures    int      `json:"failures"`
	ClosedEpics []string `json:"closed_epics,omitempty"`
}

func exitCodeFor(stopReason string) int {
	switch stopReason {
	case "no_work", "no_actionable_work", "max_iterations", "shutdown", "epic_complete":
		return 0
	case "blocked":
		return 1
	case "circuit_breaker", "all_tasks_skipped":
		return 3
	default:
		return 2
	}
}

func printBanner(result loopctl.Result) {
	fmt.Println("LOOP COMPLETE")
	fmt.Printf("  stop reason: %s\n", result.StopReason)
	fmt.Printf("  iterations:  %d\n", result.Iterations)
	fmt.Printf("  completed:   %d\n", result.Completed)
	fmt.Printf("  failures:    %d\n", result.Failures)
	if len(result.ClosedEpics) > 0 {
		fmt.Printf("  closed epics: %v\n", result.ClosedEpics)
	}
}

func writeReport(cfg config, result loopctl.Result) error {
	report := jsonReport{
		StopReason:  result.StopReason,
		Iterations:  result.Iterations,
		Completed:   result.Completed,
		Failures:    result.Failures,
		ClosedEpics: result.ClosedEpics,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if cfg.outputPath != "" {
		return os.WriteFile(cfg.outputPath, data, 0644)
	}
	fmt.Println(string(data))
	return nil
}

func writePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func run(cfg config) int {
	var logOut = os.Stderr
	if cfg.logFile != "" {
		if f, err := os.OpenFile(cfg.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			defer f.Close()
			logOut = f
		}
	}
	logger := log.New(logOut, "linecook: ", log.LstdFlags)

	if cfg.healthCheck {
		report, ok := runHealthCheck(cfg)
		if cfg.jsonOut {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("assistant: %v  tracker: %v  git: %v  tracker-initialized: %v\n",
				report.AssistantOK, report.TrackerOK, report.GitOK, report.TrackerInit)
			for _, e := range report.Errors {
				fmt.Fprintln(os.Stderr, "  -", e)
			}
		}
		if !ok {
			return 1
		}
		return 0
	}

	writePIDFile(cfg.pidFile)
	if cfg.pidFile != "" {
		defer os.Remove(cfg.pidFile)
	}

	ctrl, err := buildController(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linecook: %v\n", err)
		return 2
	}

	ctx, stop := telemetry.ShutdownContext(context.Background())
	defer stop()

	result := ctrl.Run(ctx)

	if result.StopReason == "invalid_epic" {
		fmt.Fprintf(os.Stderr, "linecook: invalid epic %q\n", cfg.epic)
		return 2
	}

	if cfg.jsonOut || cfg.outputPath != "" {
		if err := writeReport(cfg, result); err != nil {
			fmt.Fprintf(os.Stderr, "linecook: warning: writing report: %v\n", err)
		}
	} else {
		printBanner(result)
	}

	return exitCodeFor(result.StopReason)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "watch" {
		cfg := parseFlags(os.Args[2:])
		if err := watch.Run(cfg.statusFile); err != nil {
			fmt.Fprintf(os.Stderr, "linecook: watch: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := parseFlags(os.Args[1:])
	os.Exit(run(cfg))
}
