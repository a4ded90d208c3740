// Package telemetry is the Telemetry Writer: an atomically-written status
// snapshot, an append-only history journal, and an optional OTLP tracing
// observer. All writes are best-effort — an I/O failure is logged as a
// warning and never stops the loop (spec.md §4.7, §7).
package telemetry

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Escalation is assembled when the loop stops with circuit_breaker or
// all_tasks_skipped, per spec.md §4.6.
type Escalation struct {
	RecentFailures   []string `json:"recent_failures"`
	SkippedTasks     []string `json:"skipped_tasks"`
	SuggestedActions []string `json:"suggested_actions"`
}

// RecentIteration is the bounded per-iteration summary kept in the status
// file (at most 5 entries).
type RecentIteration struct {
	Iteration int    `json:"iteration"`
	TaskID    string `json:"task_id"`
	Outcome   string `json:"outcome"`
	Verdict   string `json:"verdict,omitempty"`
}

// Status is the JSON object written atomically after each iteration. It is
// not rewritten while a phase is running. Field set matches spec.md §4.7/§6.
type Status struct {
	Running            bool               `json:"running"`
	Iteration          int                `json:"iteration"`
	MaxIterations      int                `json:"max_iterations"`
	CurrentTask        string             `json:"current_task,omitempty"`
	CurrentTaskTitle   string             `json:"current_task_title,omitempty"`
	LastVerdict        string             `json:"last_verdict,omitempty"`
	TasksCompleted     int                `json:"tasks_completed"`
	TasksRemaining     int                `json:"tasks_remaining"`
	StartedAt          time.Time          `json:"started_at"`
	LastUpdate         time.Time          `json:"last_update"`
	CurrentPhase       string             `json:"current_phase,omitempty"`
	PhaseStartTime     *time.Time         `json:"phase_start_time,omitempty"`
	CurrentActionCount int                `json:"current_action_count,omitempty"`
	LastActionTime     *time.Time         `json:"last_action_time,omitempty"`
	RecentIterations   []RecentIteration  `json:"recent_iterations,omitempty"`
	SkippedTasks       []string           `json:"skipped_tasks,omitempty"`
	Escalation         *Escalation        `json:"escalation,omitempty"`
	StopReason         string             `json:"stop_reason,omitempty"`
	EpicMode           string             `json:"epic_mode,omitempty"`
	CurrentEpic        string             `json:"current_epic,omitempty"`
	EpicCompletions    []string           `json:"epic_completions,omitempty"`
}

// MaxRecentIterations bounds Status.RecentIterations.
const MaxRecentIterations = 5

// StatusWriter writes Status snapshots atomically (write-temp-then-rename),
// exactly as internal/ralph/status.go's StatusWriter did — so a reader
// always observes either the previous complete file or the new one, never a
// partial write (spec.md §8 property 8).
type StatusWriter struct {
	path       string
	logger     *log.Logger
	lastWrite  time.Time
	minPeriod  time.Duration // throttle for progress-callback writes
}

// NewStatusWriter creates a writer at path. minPeriod throttles
// WriteThrottled calls (WriteNow ignores it); pass 0 to disable throttling.
func NewStatusWriter(path string, minPeriod time.Duration, logger *log.Logger) *StatusWriter {
	return &StatusWriter{path: path, logger: logger, minPeriod: minPeriod}
}

func (w *StatusWriter) logf(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// WriteNow writes unconditionally, ignoring the throttle period. Used after
// every iteration.
func (w *StatusWriter) WriteNow(s Status) {
	w.lastWrite = time.Now()
	w.write(s)
}

// WriteThrottled writes only if minPeriod has elapsed since the last write.
// Nothing in the loop calls it; no progress callback is wired to it.
func (w *StatusWriter) WriteThrottled(s Status) {
	if w.minPeriod > 0 && time.Since(w.lastWrite) < w.minPeriod {
		return
	}
	w.WriteNow(s)
}

func (w *StatusWriter) write(s Status) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		w.logf("telemetry: marshal status: %v", err)
		return
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		w.logf("telemetry: write status temp file: %v", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logf("telemetry: rename status file: %v", err)
	}
}

// Clear removes the status file (called on graceful startup to avoid
// reading a stale file from a previous run).
func (w *StatusWriter) Clear() {
	_ = os.Remove(w.path)
}

// EnsureDir creates the parent directory of path if needed, matching the
// defensive mkdir the teacher's telemetry paths perform before first write.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
