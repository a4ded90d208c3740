package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"linecook/internal/domain"
	"linecook/internal/trace"
)

// TracingObserver turns loop/iteration/phase/tool lifecycle events into an
// OTLP trace, one span per level, exported when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. When it is unset, trace.NewOTLPExporter returns nil: the methods
// below still build the trace in memory, and only the export is skipped —
// adapted from
// _examples/Logiraptor-devdashboard/internal/ralph/trace_observer.go.
type TracingObserver struct {
	mu          sync.Mutex
	manager     *trace.Manager
	traceID     string
	loopSpanID  string
	iterSpanID  string
	phaseSpanID string
	toolSpans   map[string]string // tool_use_id -> span id
}

// NewTracingObserver creates an observer with its own trace manager.
func NewTracingObserver() *TracingObserver {
	return &TracingObserver{
		manager:   trace.NewManager(10),
		toolSpans: make(map[string]string),
	}
}

// emit sends one event to the manager. Start events pass an empty spanID and
// get a fresh one; end events pass the span ID of their start event.
func (o *TracingObserver) emit(evType trace.EventType, spanID, parent, name string, attrs map[string]string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if spanID == "" {
		spanID = trace.NewSpanID()
	}
	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:    o.traceID,
		SpanID:     spanID,
		ParentID:   parent,
		Type:       evType,
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
	return spanID
}

// OnLoopStart begins a new trace for the whole loop run.
func (o *TracingObserver) OnLoopStart() {
	o.mu.Lock()
	o.traceID = trace.NewTraceID()
	o.mu.Unlock()
	o.loopSpanID = o.emit(trace.EventLoopStart, "", "", "loop", nil)
}

// OnLoopEnd closes the loop span and triggers the OTLP export.
func (o *TracingObserver) OnLoopEnd(stopReason string) {
	o.emit(trace.EventLoopEnd, o.loopSpanID, "", "loop", map[string]string{"stop_reason": stopReason})
}

// OnIterationStart begins a span for one task's iteration.
func (o *TracingObserver) OnIterationStart(taskID, taskTitle string) {
	o.iterSpanID = o.emit(trace.EventIterationStart, "", o.loopSpanID, taskID, map[string]string{"task_title": taskTitle})
}

// OnIterationEnd closes the iteration span with its outcome.
func (o *TracingObserver) OnIterationEnd(outcome domain.Outcome, d time.Duration) {
	o.emit(trace.EventIterationEnd, o.iterSpanID, o.loopSpanID, "iteration", map[string]string{
		"outcome":  string(outcome),
		"duration": d.String(),
	})
}

// OnPhaseStart begins a span for one assistant phase invocation.
func (o *TracingObserver) OnPhaseStart(phase domain.Phase) {
	o.phaseSpanID = o.emit(trace.EventPhaseStart, "", o.iterSpanID, string(phase), nil)
}

// OnPhaseEnd closes the phase span.
func (o *TracingObserver) OnPhaseEnd(phase domain.Phase, success bool, d time.Duration) {
	o.emit(trace.EventPhaseEnd, o.phaseSpanID, o.iterSpanID, string(phase), map[string]string{
		"success":  fmt.Sprintf("%t", success),
		"duration": d.String(),
	})
}

// OnToolStart records the start of one assistant tool call.
func (o *TracingObserver) OnToolStart(toolUseID, toolName string) {
	spanID := o.emit(trace.EventToolStart, "", o.phaseSpanID, toolName, nil)
	o.mu.Lock()
	o.toolSpans[toolUseID] = spanID
	o.mu.Unlock()
}

// OnToolEnd records the completion of a tool call previously started with
// OnToolStart.
func (o *TracingObserver) OnToolEnd(toolUseID, toolName string, success bool) {
	o.mu.Lock()
	spanID := o.toolSpans[toolUseID]
	delete(o.toolSpans, toolUseID)
	o.mu.Unlock()
	if spanID == "" {
		return
	}
	o.emit(trace.EventToolEnd, spanID, o.phaseSpanID, toolName, map[string]string{"success": fmt.Sprintf("%t", success)})
}

// Shutdown flushes and closes the underlying OTLP exporter, if enabled.
func (o *TracingObserver) Shutdown(ctx context.Context) error {
	return o.manager.Shutdown(ctx)
}
