package iteration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linecook/internal/assistant"
	"linecook/internal/domain"
	"linecook/internal/tracker"
)

// fakeRunner replays scripted PhaseResults in call order, mirroring how
// internal/ralph's tests substituted a RunBDFunc for deterministic outcomes.
type fakeRunner struct {
	results []domain.PhaseResult
	calls   []domain.Phase
}

func (f *fakeRunner) Run(ctx context.Context, opts assistant.RunOptions) domain.PhaseResult {
	f.calls = append(f.calls, opts.Phase)
	idx := len(f.calls) - 1
	if idx >= len(f.results) {
		return domain.PhaseResult{Phase: opts.Phase, Success: true}
	}
	return f.results[idx]
}

// fakeTrackerRunner lets tests script tracker subprocess output without a
// real bd binary, matching internal/tracker/tracker_test.go's approach.
func fakeTrackerRunner(t *testing.T, responses map[string][]byte) tracker.Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		if resp, ok := responses[args[0]]; ok {
			return resp, nil
		}
		return []byte("[]"), nil
	}
}

func newTestGateway(t *testing.T, responses map[string][]byte) *tracker.Gateway {
	return &tracker.Gateway{
		WorkDir:     t.TempDir(),
		Run:         fakeTrackerRunner(t, responses),
		ReadTimeout: 2 * time.Second,
		SyncTimeout: 2 * time.Second,
	}
}

func TestEngineApprovedFirstTry(t *testing.T) {
	responses := map[string][]byte{
		"show": []byte(`{"id":"task-1","title":"t","status":"closed","issue_type":"task"}`),
	}
	tg := newTestGateway(t, responses)

	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: true, Output: "SERVE_RESULT verdict:APPROVED continue:true blocking_issues:0"},
		{Phase: domain.PhaseTidy, Success: true},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	require.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Equal(t, []domain.Phase{domain.PhaseCook, domain.PhaseServe, domain.PhaseTidy}, runner.calls)
}

func TestEngineNeedsChangesThenApproved(t *testing.T) {
	responses := map[string][]byte{
		"show": []byte(`{"id":"task-1","title":"t","status":"closed","issue_type":"task"}`),
	}
	tg := newTestGateway(t, responses)

	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: true, Output: "Summary: needs work.\n\n- [P2] \"bug\" - fix it\n\nverdict: NEEDS_CHANGES"},
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: true, Output: "SERVE_RESULT verdict:APPROVED continue:true blocking_issues:0"},
		{Phase: domain.PhaseTidy, Success: true},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	assert.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Len(t, runner.calls, 5)
}

func TestEngineBlockedVerdict(t *testing.T) {
	tg := newTestGateway(t, nil)
	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: true, Output: "verdict: BLOCKED"},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	assert.Equal(t, domain.OutcomeBlocked, result.Outcome)
}

func TestEngineExhaustsRetries(t *testing.T) {
	tg := newTestGateway(t, nil)
	needsChanges := domain.PhaseResult{Phase: domain.PhaseServe, Success: true, Output: "verdict: NEEDS_CHANGES"}
	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true}, needsChanges,
		{Phase: domain.PhaseCook, Success: true}, needsChanges,
		{Phase: domain.PhaseCook, Success: true}, needsChanges,
	}}

	e := NewEngine(tg, nil, runner, nil)
	e.MaxRetries = 2
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	assert.Equal(t, domain.OutcomeNeedsRetry, result.Outcome)
	assert.Len(t, runner.calls, 6)
}

func TestEngineKitchenIdleDuringCook(t *testing.T) {
	tg := newTestGateway(t, nil)
	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true, Signals: map[string]bool{assistant.SignalKitchenIdle: true}},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	assert.Equal(t, domain.OutcomeNoActionableWork, result.Outcome)
	assert.Len(t, runner.calls, 1)
}

func TestEngineServeTransportErrorSkipsToTidy(t *testing.T) {
	responses := map[string][]byte{
		"show": []byte(`{"id":"task-1","title":"t","status":"closed","issue_type":"task"}`),
	}
	tg := newTestGateway(t, responses)

	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: false, EarlyCompletion: false},
		{Phase: domain.PhaseTidy, Success: true},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	require.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Equal(t, []domain.Phase{domain.PhaseCook, domain.PhaseServe, domain.PhaseTidy}, runner.calls)
	require.NotNil(t, result.ServeVerdict)
	assert.Equal(t, domain.VerdictSkipped, result.ServeVerdict.Verdict)
}

func TestEngineMissingVerdictSkipsToTidy(t *testing.T) {
	responses := map[string][]byte{
		"show": []byte(`{"id":"task-1","title":"t","status":"closed","issue_type":"task"}`),
	}
	tg := newTestGateway(t, responses)

	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true},
		{Phase: domain.PhaseServe, Success: true, Output: "no recognizable verdict here"},
		{Phase: domain.PhaseTidy, Success: true},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	require.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Equal(t, []domain.Phase{domain.PhaseCook, domain.PhaseServe, domain.PhaseTidy}, runner.calls)
	require.NotNil(t, result.ServeVerdict)
	assert.Equal(t, domain.VerdictApproved, result.ServeVerdict.Verdict)
}

func TestEngineKitchenCompleteSkipsServe(t *testing.T) {
	responses := map[string][]byte{
		"show": []byte(`{"id":"task-1","title":"t","status":"closed","issue_type":"task"}`),
	}
	tg := newTestGateway(t, responses)
	runner := &fakeRunner{results: []domain.PhaseResult{
		{Phase: domain.PhaseCook, Success: true, Signals: map[string]bool{assistant.SignalKitchenComplete: true}},
		{Phase: domain.PhaseTidy, Success: true},
	}}

	e := NewEngine(tg, nil, runner, nil)
	result := e.Run(context.Background(), 1, domain.Bead{ID: "task-1", Title: "t", Type: domain.IssueTask}, "")

	assert.Equal(t, domain.OutcomeCompleted, result.Outcome)
	assert.Equal(t, []domain.Phase{domain.PhaseCook, domain.PhaseTidy}, runner.calls)
}
