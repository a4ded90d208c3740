// Package loopctl is the Loop Controller: the outer per-iteration procedure
// that owns the circuit breaker, the skip list, epic-filter resolution, and
// task selection, and drives the Iteration Engine until a stop condition
// fires (spec.md §4.6).
package loopctl

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"linecook/internal/domain"
	"linecook/internal/gitgw"
	"linecook/internal/iteration"
	"linecook/internal/telemetry"
	"linecook/internal/tracker"
)

// PeriodicSyncInterval is how often (in iterations) the controller asks the
// tracker to resync state.
const PeriodicSyncInterval = 5

// EpicMode selects how the epic filter is resolved (spec.md §4.6 step 4).
type EpicMode string

const (
	EpicModeDefault  EpicMode = "default"
	EpicModeExplicit EpicMode = "explicit"
	EpicModeAuto     EpicMode = "auto"
)

// Options configures one controller Run, matching the CLI surface of
// spec.md §6.
type Options struct {
	MaxIterations   int
	StopOnBlocked   bool
	StopOnCrash     bool
	MaxTaskFailures int
	BreakOnEpic     bool
	SkipInitialSync bool
	EpicMode        EpicMode
	ExplicitEpicID  string
	Timeouts        iteration.Timeouts
	MaxRetries      int
	IdleTimeout     time.Duration
	IdleAction      string // "warn" | "terminate"
}

// DefaultOptions mirrors spec.md §6's stated CLI defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations:   25,
		MaxTaskFailures: 3,
		EpicMode:        EpicModeDefault,
		Timeouts:        iteration.DefaultTimeouts(),
		MaxRetries:      2,
		IdleTimeout:     180 * time.Second,
		IdleAction:      "warn",
	}
}

// Controller runs the outer loop.
type Controller struct {
	Tracker *tracker.Gateway
	Git     *gitgw.Gateway
	Engine  *iteration.Engine
	Status  *telemetry.StatusWriter
	History *telemetry.HistoryJournal
	Logger  *log.Logger
	Options Options

	breaker  *domain.CircuitBreaker
	skips    *domain.SkipList
	metrics  domain.Metrics
	failures map[string]int // per-task failure count, reset on completion

	lockedEpic    string
	exhaustedEpic map[string]bool
	startedAt     time.Time
	recent        []telemetry.RecentIteration
}

// Result is the terminal report of a controller Run.
type Result struct {
	StopReason  string
	Iterations  int
	Completed   int
	Failures    int
	ClosedEpics []string
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// NewController wires a Controller with its own circuit breaker and skip
// list state — owned here exclusively, never by the Iteration Engine
// (spec.md §3 "Ownership").
func NewController(t *tracker.Gateway, g *gitgw.Gateway, e *iteration.Engine, status *telemetry.StatusWriter, history *telemetry.HistoryJournal, logger *log.Logger, opts Options) *Controller {
	return &Controller{
		Tracker:       t,
		Git:           g,
		Engine:        e,
		Status:        status,
		History:       history,
		Logger:        logger,
		Options:       opts,
		breaker:       domain.NewCircuitBreaker(5, 5),
		skips:         domain.NewSkipList(opts.MaxTaskFailures),
		failures:      make(map[string]int),
		exhaustedEpic: make(map[string]bool),
	}
}

// Run executes the outer loop until a stop condition fires.
func (c *Controller) Run(ctx context.Context) Result {
	if !c.Options.SkipInitialSync {
		c.Tracker.Sync(ctx)
	}

	if c.Options.EpicMode == EpicModeExplicit {
		epic, ok := c.Tracker.Show(ctx, c.Options.ExplicitEpicID)
		if !ok || epic.Type != domain.IssueEpic {
			return Result{StopReason: "invalid_epic"}
		}
		c.lockedEpic = epic.ID
	}

	result := Result{}
	closedEpicsTotal := []string{}
	c.startedAt = time.Now()

	for iter := 1; iter <= c.Options.MaxIterations; iter++ {
		// Step 1: shutdown check. ctx is expected to be built from
		// telemetry.ShutdownContext, cancelled on the process's termination
		// signals; the controller only observes it between iterations.
		if ctx.Err() != nil {
			result.StopReason = "shutdown"
			break
		}

		// Step 2: circuit breaker.
		if c.breaker.IsOpen() {
			result.StopReason = "circuit_breaker"
			break
		}

		// Step 3: snapshot + ancestor map.
		snap := c.Tracker.Snapshot(ctx)
		ready := snap.ReadyWork()
		excluded := tracker.ExcludedEpicIDs(snap.Ready)
		ancestors := tracker.BuildAncestorMap(ctx, c.Tracker, snap.Ready)

		// Step 4: resolve epic filter.
		filter, stop := c.resolveEpicFilter(ready, ancestors, excluded)
		if stop != "" {
			result.StopReason = stop
			break
		}

		// Step 5: count filtered ready work. Parking-lot epics are excluded
		// from selection regardless of mode (spec.md §4.6 step 3).
		candidates := excludeParkingLot(tracker.ReadyForSelection(ready, ancestors, filter), ancestors, excluded)
		if len(candidates) == 0 {
			if c.Options.EpicMode == EpicModeAuto && c.lockedEpic != "" {
				c.exhaustedEpic[c.lockedEpic] = true
				c.lockedEpic = ""
				continue
			}
			result.StopReason = "no_work"
			break
		}

		// Step 6: select next task.
		task, ok := tracker.SelectNext(candidates, c.skips.IsSkipped)
		if !ok {
			if tracker.AllSkipped(candidates, c.skips.IsSkipped) {
				result.StopReason = "all_tasks_skipped"
				break
			}
			result.StopReason = "no_work"
			break
		}

		// Step 7: run the Iteration Engine.
		iterResult := c.Engine.Run(ctx, iter, task, filter)
		result.Iterations = iter
		c.metrics.Record(iterResult)
		if c.History != nil {
			c.History.RecordIteration(iterResult)
		}
		c.recordRecent(iterResult)
		if c.Status != nil {
			c.Status.WriteNow(c.statusSnapshot(iter, result, iterResult))
		}

		// Step 8: circuit breaker update.
		c.breaker.Record(!iterResult.Outcome.IsFailure())

		// Step 9: outcome policy.
		switch iterResult.Outcome {
		case domain.OutcomeCompleted:
			result.Completed++
			c.skips.RecordSuccess(task.ID)
			delete(c.failures, task.ID)

		case domain.OutcomeNeedsRetry:
			c.failures[task.ID]++
			if c.failures[task.ID] >= c.Options.MaxRetries {
				result.Failures++
				c.skips.RecordFailure(task.ID)
			} else {
				c.sleepBackoff(ctx, c.failures[task.ID])
			}

		case domain.OutcomeBlocked:
			result.Failures++
			c.skips.RecordFailure(task.ID)
			if c.Options.StopOnBlocked {
				result.StopReason = "blocked"
			}

		case domain.OutcomeCrashed, domain.OutcomeTimeout:
			result.Failures++
			c.skips.RecordFailure(task.ID)
			if c.Options.StopOnCrash {
				result.StopReason = "crashed"
			}
		}

		// Step 10: merge any epics the iteration closed, plus any others the
		// tracker now reports eligible that the iteration missed.
		closedEpicsTotal = append(closedEpicsTotal, iterResult.ClosedEpics...)
		for _, id := range iterResult.ClosedEpics {
			if c.Options.EpicMode == EpicModeAuto && id == c.lockedEpic {
				c.lockedEpic = ""
			}
		}
		missed := c.mergeNewlyEligibleEpics(ctx, iterResult.ClosedEpics)
		closedEpicsTotal = append(closedEpicsTotal, missed...)

		if result.StopReason != "" {
			break
		}

		// Step 11: break-on-epic.
		if c.Options.BreakOnEpic && len(iterResult.ClosedEpics)+len(missed) > 0 {
			result.StopReason = "epic_complete"
			break
		}

		// Step 12: periodic sync.
		if iter%PeriodicSyncInterval == 0 {
			c.Tracker.Sync(ctx)
		}
	}

	if result.StopReason == "" {
		result.StopReason = "max_iterations"
	}
	result.ClosedEpics = closedEpicsTotal

	if c.Status != nil {
		final := c.statusSnapshot(result.Iterations, result, domain.IterationResult{})
		final.Running = false
		final.StopReason = result.StopReason
		final.EpicCompletions = closedEpicsTotal
		if result.StopReason == "circuit_breaker" || result.StopReason == "all_tasks_skipped" {
			final.Escalation = c.buildEscalation()
		}
		c.Status.WriteNow(final)
	}
	if c.History != nil {
		c.History.RecordSummary(c.metrics, result.StopReason)
	}
	return result
}

func (c *Controller) recordRecent(r domain.IterationResult) {
	entry := telemetry.RecentIteration{Iteration: r.Iteration, TaskID: r.TaskID, Outcome: string(r.Outcome)}
	if r.ServeVerdict != nil {
		entry.Verdict = string(r.ServeVerdict.Verdict)
	}
	c.recent = append(c.recent, entry)
	if len(c.recent) > telemetry.MaxRecentIterations {
		c.recent = c.recent[len(c.recent)-telemetry.MaxRecentIterations:]
	}
}

func (c *Controller) statusSnapshot(iter int, result Result, last domain.IterationResult) telemetry.Status {
	s := telemetry.Status{
		Running:          true,
		Iteration:        iter,
		MaxIterations:    c.Options.MaxIterations,
		CurrentTask:      last.TaskID,
		CurrentTaskTitle: last.TaskTitle,
		TasksCompleted:   result.Completed,
		StartedAt:        c.startedAt,
		LastUpdate:       time.Now(),
		RecentIterations: append([]telemetry.RecentIteration(nil), c.recent...),
		SkippedTasks:     c.skips.Skipped(),
		EpicMode:         string(c.Options.EpicMode),
		CurrentEpic:      c.lockedEpic,
	}
	if last.ServeVerdict != nil {
		s.LastVerdict = string(last.ServeVerdict.Verdict)
	}
	return s
}

func (c *Controller) buildEscalation() *telemetry.Escalation {
	var recent []string
	for _, r := range c.recent {
		if r.Outcome != string(domain.OutcomeCompleted) {
			recent = append(recent, r.TaskID+":"+r.Outcome)
		}
	}
	return &telemetry.Escalation{
		RecentFailures:   recent,
		SkippedTasks:     c.skips.Skipped(),
		SuggestedActions: suggestedActions,
	}
}

var suggestedActions = []string{
	"review the skip list and manually unblock or reassign stuck tasks",
	"inspect recent iteration failures in the history journal for a common root cause",
	"raise --max-task-failures or clear the skip list once the underlying issue is fixed",
}

func excludeParkingLot(candidates []domain.Bead, ancestors tracker.AncestorMap, excluded map[string]bool) []domain.Bead {
	out := make([]domain.Bead, 0, len(candidates))
	for _, b := range candidates {
		if excluded[ancestors[b.ID]] {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (c *Controller) resolveEpicFilter(ready []domain.Bead, ancestors tracker.AncestorMap, excluded map[string]bool) (filter string, stopReason string) {
	switch c.Options.EpicMode {
	case EpicModeExplicit:
		return c.lockedEpic, ""
	case EpicModeAuto:
		if c.lockedEpic != "" {
			return c.lockedEpic, ""
		}
		best, ok := pickAutoEpic(ready, ancestors, excluded, c.exhaustedEpic)
		if !ok {
			return "", "no_work"
		}
		c.lockedEpic = best
		return best, ""
	default:
		return "", ""
	}
}

// pickAutoEpic chooses the epic ancestor of the highest-priority ready item
// that is neither excluded (parking lot) nor already exhausted this run.
func pickAutoEpic(ready []domain.Bead, ancestors tracker.AncestorMap, excluded, exhausted map[string]bool) (string, bool) {
	var best domain.Bead
	var bestEpic string
	found := false
	for _, b := range ready {
		if b.Type == domain.IssueEpic {
			continue
		}
		epic := ancestors[b.ID]
		if epic == "" || excluded[epic] || exhausted[epic] {
			continue
		}
		if !found || b.Priority < best.Priority {
			best, bestEpic, found = b, epic, true
		}
	}
	return bestEpic, found
}

func (c *Controller) mergeNewlyEligibleEpics(ctx context.Context, alreadyHandled []string) []string {
	handled := make(map[string]bool, len(alreadyHandled))
	for _, id := range alreadyHandled {
		handled[id] = true
	}
	var merged []string
	for _, id := range c.Tracker.CloseEligibleEpics(ctx) {
		if handled[id] {
			continue
		}
		epic, ok := c.Tracker.Show(ctx, id)
		title := id
		if ok {
			title = epic.Title
		}
		if err := c.Tracker.CloseEligibleEpicsApply(ctx, id); err != nil {
			continue
		}
		if ok, _ := c.Git.MergeEpicToMain(ctx, id, title); ok {
			merged = append(merged, id)
		}
	}
	return merged
}

// sleepBackoff waits with exponential backoff (multiplier 2, ±20% jitter,
// capped at 60s) before the next cook attempt for a task that needs rework
// (spec.md §8 property 5). v5's BackOff.NextBackOff already applies
// RandomizationFactor internally; attempt replays it forward to the current
// retry count since each call advances the generator by one step.
func (c *Controller) sleepBackoff(ctx context.Context, attempt int) {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 60 * time.Second

	wait := b.MaxInterval
	for i := 0; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			wait = b.MaxInterval
			break
		}
		wait = next
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
