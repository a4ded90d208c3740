package telemetry

import (
	"encoding/json"
	"log"
	"os"

	"linecook/internal/domain"
)

// historyRecord is one line of the newline-delimited history journal.
// Field set matches spec.md §6 "History file schema".
type historyRecord struct {
	Type            string          `json:"type"`
	Iteration       int             `json:"iteration,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	TaskTitle       string          `json:"task_title,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	ServeVerdict    string          `json:"serve_verdict,omitempty"`
	CommitHash      string          `json:"commit_hash,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Success         bool            `json:"success,omitempty"`
	Intent          string          `json:"intent,omitempty"`
	BeforeState     string          `json:"before_state,omitempty"`
	AfterState      string          `json:"after_state,omitempty"`
	BeadsBefore     int             `json:"beads_before,omitempty"`
	BeadsAfter      int             `json:"beads_after,omitempty"`
	ActionCount     int             `json:"action_count,omitempty"`
	ActionTypes     []string        `json:"action_types,omitempty"`
	FindingsCount   int             `json:"findings_count,omitempty"`
	Actions         []domain.Action `json:"actions,omitempty"`
	Delta           *deltaRecord    `json:"delta,omitempty"`

	// loop_summary-only fields
	TotalIterations int    `json:"total_iterations,omitempty"`
	Completed       int    `json:"completed,omitempty"`
	Blocked         int    `json:"blocked,omitempty"`
	Crashed         int    `json:"crashed,omitempty"`
	TimedOut        int    `json:"timed_out,omitempty"`
	StopReason      string `json:"stop_reason,omitempty"`
	P50Seconds      float64 `json:"p50_seconds,omitempty"`
	P95Seconds      float64 `json:"p95_seconds,omitempty"`
}

type deltaRecord struct {
	NewlyClosed []string `json:"newly_closed,omitempty"`
	NewlyFiled  []string `json:"newly_filed,omitempty"`
}

// HistoryJournal appends iteration records and a closing loop_summary
// record to a newline-delimited JSON file. Writes are best-effort.
type HistoryJournal struct {
	path   string
	logger *log.Logger
}

// NewHistoryJournal creates a journal writer at path.
func NewHistoryJournal(path string, logger *log.Logger) *HistoryJournal {
	return &HistoryJournal{path: path, logger: logger}
}

func (h *HistoryJournal) logf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func (h *HistoryJournal) appendLine(rec historyRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		h.logf("telemetry: marshal history record: %v", err)
		return
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		h.logf("telemetry: open history file: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		h.logf("telemetry: append history record: %v", err)
	}
}

// RecordIteration appends one iteration's outcome.
func (h *HistoryJournal) RecordIteration(r domain.IterationResult) {
	rec := historyRecord{
		Type:            "iteration",
		Iteration:       r.Iteration,
		TaskID:          r.TaskID,
		TaskTitle:       r.TaskTitle,
		Outcome:         string(r.Outcome),
		CommitHash:      r.CommitHash,
		DurationSeconds: r.Duration.Seconds(),
		Success:         r.Success(),
		Intent:          r.Intent,
		BeforeState:     r.Before,
		AfterState:      r.After,
		BeadsBefore:     r.BeforeReady,
		BeadsAfter:      r.AfterReady,
		ActionCount:     len(r.Actions),
		ActionTypes:     r.ActionTypes(),
		Actions:         r.Actions,
	}
	if r.ServeVerdict != nil {
		rec.ServeVerdict = string(r.ServeVerdict.Verdict)
	}
	if r.Delta != nil {
		rec.Delta = &deltaRecord{NewlyClosed: r.Delta.NewlyClosed, NewlyFiled: r.Delta.NewlyFiled}
	}
	h.appendLine(rec)
}

// RecordSummary appends the terminal loop_summary record.
func (h *HistoryJournal) RecordSummary(m domain.Metrics, stopReason string) {
	h.appendLine(historyRecord{
		Type:            "loop_summary",
		TotalIterations: m.Iterations,
		Completed:       m.Completed,
		Blocked:         m.Blocked,
		Crashed:         m.Crashed,
		TimedOut:        m.TimedOut,
		StopReason:      stopReason,
		P50Seconds:      m.Percentile(50).Seconds(),
		P95Seconds:      m.Percentile(95).Seconds(),
	})
}
