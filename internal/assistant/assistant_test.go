package assistant

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linecook/internal/domain"
)

func TestParseEvent(t *testing.T) {
	ev, ok := ParseEvent(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`)
	require.True(t, ok)
	assert.Equal(t, "hello", TextFromAssistant(ev))

	_, ok = ParseEvent("not json")
	assert.False(t, ok)

	_, ok = ParseEvent(`{}`)
	assert.False(t, ok, "event with no type is rejected")
}

func TestToolUsesAndResults(t *testing.T) {
	ev, ok := ParseEvent(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"go test ./..."}}]}}`)
	require.True(t, ok)
	uses := ToolUsesFromAssistant(ev)
	require.Len(t, uses, 1)
	assert.Equal(t, "t1", uses[0].ToolUseID)
	assert.Equal(t, "Bash", uses[0].Name)

	ev2, ok := ParseEvent(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok","is_error":false}]}}`)
	require.True(t, ok)
	results := ToolResultsFromUser(ev2)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.False(t, results[0].IsError)
}

func TestScanSignals(t *testing.T) {
	sig := ScanSignals("work done\nKITCHEN_COMPLETE\nmore")
	assert.True(t, sig[SignalKitchenComplete])
	assert.False(t, sig[SignalServeResult])

	sig = ScanSignals("we are KITCHEN IDLE now")
	assert.True(t, sig[SignalKitchenIdle])

	sig = ScanSignals("<phase_complete>DONE</phase_complete>")
	assert.True(t, sig[SignalPhaseComplete])
}

func TestSummarizeInputTruncation(t *testing.T) {
	longCmd := make([]byte, 200)
	for i := range longCmd {
		longCmd[i] = 'x'
	}
	summary := SummarizeInput("Bash", []byte(`{"command":"`+string(longCmd)+`"}`))
	assert.LessOrEqual(t, len(summary), maxCommandLen+3)
	assert.Contains(t, summary, "...")
}

func TestSummarizeOutputErrorPrefix(t *testing.T) {
	out := SummarizeOutput("boom", true)
	assert.Equal(t, "ERROR: boom", out)
	out = SummarizeOutput("fine", false)
	assert.Equal(t, "fine", out)
}

func TestParseServeResult(t *testing.T) {
	v, ok := ParseServeResult("SERVE_RESULT verdict:APPROVED continue:true blocking_issues:0")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictApproved, v.Verdict)
	assert.True(t, v.Continue)
	assert.Equal(t, 0, v.BlockingIssues)

	v, ok = ParseServeResult("verdict: NEEDS_CHANGES\nblocking_issues: 2\nnext_step: fix the race")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictNeedsChanges, v.Verdict)
	assert.Equal(t, 2, v.BlockingIssues)
	assert.Equal(t, "fix the race", v.NextStep)

	_, ok = ParseServeResult("nothing to see here")
	assert.False(t, ok)
}

func TestParseServeFeedbackIssuesList(t *testing.T) {
	text := `Summary: mostly fine, a couple nits.

- [P2] "missing nil check" - dereferences without guarding
- [nit] "typo in comment" - spell it correctly
`
	fb, ok := ParseServeFeedback(text, 1)
	require.True(t, ok)
	assert.Equal(t, "mostly fine, a couple nits.", fb.Summary)
	require.Len(t, fb.Findings, 2)
	assert.Equal(t, domain.SeverityMajor, fb.Findings[0].Severity)
	assert.Equal(t, domain.SeverityNit, fb.Findings[1].Severity)
}

func TestNormalizeSeverityAliases(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, normalizeSeverity("P1"))
	assert.Equal(t, domain.SeverityCritical, normalizeSeverity("critical"))
	assert.Equal(t, domain.SeverityNit, normalizeSeverity("retro"))
	assert.Equal(t, domain.SeverityMinor, normalizeSeverity("unknown-sev"))
}

func TestParseIntent(t *testing.T) {
	intent, before, after := ParseIntent("INTENT: fix the flaky test\n\nBEFORE → AFTER: retries=0 → retries=3")
	assert.Equal(t, "fix the flaky test", intent)
	assert.Equal(t, "retries=0", before)
	assert.Equal(t, "retries=3", after)
}

// fakeScript builds a CommandFactory that runs a short shell script in place
// of the real assistant binary, mirroring how internal/ralph/executor_test.go
// (teacher) substituted a CommandFactory to avoid spawning a real agent CLI.
func fakeScript(script string) CommandFactory {
	return func(ctx context.Context, opts RunOptions) *exec.Cmd {
		return exec.CommandContext(ctx, "/bin/sh", "-c", script)
	}
}

func TestRunnerNormalCompletion(t *testing.T) {
	r := &Runner{NewCommand: fakeScript(`echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}'
echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file.go","is_error":false}]}}'
exit 0`)}

	result := r.Run(context.Background(), RunOptions{
		Bin:     "fake",
		Phase:   domain.PhaseCook,
		Timeout: 5 * time.Second,
	})

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "Bash", result.Actions[0].ToolName)
	assert.True(t, result.Actions[0].Success)
}

func TestRunnerEarlyCompletion(t *testing.T) {
	r := &Runner{NewCommand: fakeScript(`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"<phase_complete>DONE</phase_complete>"}]}}'
sleep 5`)}

	result := r.Run(context.Background(), RunOptions{
		Bin:     "fake",
		Phase:   domain.PhaseTidy,
		Timeout: 5 * time.Second,
	})

	assert.True(t, result.Success)
	assert.True(t, result.EarlyCompletion)
	assert.True(t, result.Signals[SignalPhaseComplete])
}

func TestRunnerNonZeroExit(t *testing.T) {
	r := &Runner{NewCommand: fakeScript(`exit 1`)}

	result := r.Run(context.Background(), RunOptions{
		Bin:     "fake",
		Phase:   domain.PhaseCook,
		Timeout: 5 * time.Second,
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunnerTimeout(t *testing.T) {
	r := &Runner{NewCommand: fakeScript(`sleep 10`)}

	start := time.Now()
	result := r.Run(context.Background(), RunOptions{
		Bin:     "fake",
		Phase:   domain.PhaseCook,
		Timeout: 300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
	assert.Less(t, elapsed, 6*time.Second, "graceful stop should not wait the full sleep")
}

func TestRunnerIdleTerminate(t *testing.T) {
	r := &Runner{NewCommand: fakeScript(`sleep 10`)}

	result := r.Run(context.Background(), RunOptions{
		Bin:         "fake",
		Phase:       domain.PhaseCook,
		Timeout:     5 * time.Second,
		IdleTimeout: 500 * time.Millisecond,
		IdleAction:  IdleTerminate,
	})

	assert.False(t, result.Success)
	assert.True(t, result.Signals["idle_terminated"])
}
