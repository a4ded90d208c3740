package trace

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(0)
	if m.maxTraces != 10 {
		t.Errorf("NewManager(0): expected maxTraces=10, got %d", m.maxTraces)
	}
	if m.traces == nil || m.pendingSpans == nil {
		t.Error("NewManager: expected maps to be initialized")
	}
}

func TestHandleEventLoopStartCreatesTrace(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	spanID := NewSpanID()

	tr := m.HandleEvent(TraceEvent{
		TraceID:   traceID,
		SpanID:    spanID,
		Type:      EventLoopStart,
		Name:      "loop",
		Timestamp: time.Now(),
	})
	if tr == nil {
		t.Fatal("HandleEvent(loop_start): expected trace, got nil")
	}
	if tr.ID != traceID {
		t.Errorf("expected trace ID %q, got %q", traceID, tr.ID)
	}
	if tr.Status != "running" {
		t.Errorf("expected status 'running', got %q", tr.Status)
	}
}

func TestHandleEventPairsStartEnd(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	spanID := NewSpanID()
	start := time.Now()
	end := start.Add(100 * time.Millisecond)

	m.HandleEvent(TraceEvent{
		TraceID: traceID, SpanID: spanID, Type: EventIterationStart,
		Name: "iter", Timestamp: start, Attributes: map[string]string{"task_id": "task-1"},
	})
	tr := m.HandleEvent(TraceEvent{
		TraceID: traceID, SpanID: spanID, Type: EventIterationEnd,
		Name: "iter", Timestamp: end, Attributes: map[string]string{"outcome": "completed"},
	})

	if tr == nil || tr.RootSpan == nil {
		t.Fatal("expected trace with root span")
	}
	if tr.RootSpan.Duration != 100*time.Millisecond {
		t.Errorf("expected duration 100ms, got %v", tr.RootSpan.Duration)
	}
	if tr.RootSpan.Attributes["task_id"] != "task-1" {
		t.Errorf("expected attribute task_id=task-1, got %q", tr.RootSpan.Attributes["task_id"])
	}
	if tr.RootSpan.Attributes["outcome"] != "completed" {
		t.Errorf("expected attribute outcome=completed, got %q", tr.RootSpan.Attributes["outcome"])
	}
}

func TestHandleEventPhaseStartEndNestsUnderIteration(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	loopID, iterID, phaseID := NewSpanID(), NewSpanID(), NewSpanID()
	now := time.Now()

	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopID, Type: EventLoopStart, Name: "loop", Timestamp: now})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: iterID, ParentID: loopID, Type: EventIterationStart, Name: "task-1", Timestamp: now.Add(time.Millisecond)})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: phaseID, ParentID: iterID, Type: EventPhaseStart, Name: "cook", Timestamp: now.Add(2 * time.Millisecond)})
	tr := m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: phaseID, ParentID: iterID, Type: EventPhaseEnd, Name: "cook", Timestamp: now.Add(10 * time.Millisecond)})

	if tr == nil || tr.RootSpan == nil {
		t.Fatal("expected trace with root span")
	}
	if len(tr.RootSpan.Children) != 1 {
		t.Fatalf("expected 1 iteration child, got %d", len(tr.RootSpan.Children))
	}
	iterSpan := tr.RootSpan.Children[0]
	if len(iterSpan.Children) != 1 {
		t.Fatalf("expected 1 phase child under iteration, got %d", len(iterSpan.Children))
	}
	phaseSpan := iterSpan.Children[0]
	if phaseSpan.SpanID != phaseID {
		t.Errorf("expected phase span %q, got %q", phaseID, phaseSpan.SpanID)
	}
	if phaseSpan.Duration != 8*time.Millisecond {
		t.Errorf("expected phase duration 8ms, got %v", phaseSpan.Duration)
	}
}

func TestHandleEventLoopEndMarksCompleted(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	spanID := NewSpanID()
	start := time.Now()
	end := start.Add(100 * time.Millisecond)

	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventLoopStart, Name: "loop", Timestamp: start})
	tr := m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventLoopEnd, Name: "loop", Timestamp: end})

	if tr == nil {
		t.Fatal("expected trace, got nil")
	}
	if tr.Status != "completed" {
		t.Errorf("expected status 'completed', got %q", tr.Status)
	}
	if !tr.EndTime.Equal(end) {
		t.Errorf("expected EndTime %v, got %v", end, tr.EndTime)
	}
}

func TestHandleEventEndWithoutStartIgnored(t *testing.T) {
	m := NewManager(10)
	tr := m.HandleEvent(TraceEvent{
		TraceID: NewTraceID(), SpanID: NewSpanID(), Type: EventIterationEnd,
		Name: "orphan", Timestamp: time.Now(),
	})
	if tr != nil {
		t.Errorf("expected nil for end without matching start, got %v", tr)
	}
}

func TestGetTraceNotFoundReturnsNil(t *testing.T) {
	m := NewManager(10)
	if got := m.GetTrace("nonexistent"); got != nil {
		t.Errorf("GetTrace(nonexistent): expected nil, got %v", got)
	}
}

func TestGetActiveTraceReturnsRunningTrace(t *testing.T) {
	m := NewManager(10)
	doneID, runningID := NewTraceID(), NewTraceID()
	doneSpan, runningSpan := NewSpanID(), NewSpanID()

	m.HandleEvent(TraceEvent{TraceID: doneID, SpanID: doneSpan, Type: EventLoopStart, Name: "done", Timestamp: time.Now()})
	m.HandleEvent(TraceEvent{TraceID: doneID, SpanID: doneSpan, Type: EventLoopEnd, Name: "done", Timestamp: time.Now()})
	m.HandleEvent(TraceEvent{TraceID: runningID, SpanID: runningSpan, Type: EventLoopStart, Name: "running", Timestamp: time.Now()})

	active := m.GetActiveTrace()
	if active == nil {
		t.Fatal("expected a running trace")
	}
	if active.ID != runningID {
		t.Errorf("expected running trace %q, got %q", runningID, active.ID)
	}
}

func TestRingBufferEvictsOldestTraces(t *testing.T) {
	m := NewManager(3)
	var ids []string
	for i := 0; i < 5; i++ {
		id := NewTraceID()
		ids = append(ids, id)
		m.HandleEvent(TraceEvent{TraceID: id, SpanID: NewSpanID(), Type: EventLoopStart, Name: "t", Timestamp: time.Now()})
	}

	recent := m.GetRecentTraces()
	if len(recent) != 3 {
		t.Fatalf("expected 3 traces retained, got %d", len(recent))
	}
	if m.GetTrace(ids[0]) != nil || m.GetTrace(ids[1]) != nil {
		t.Error("expected the two oldest traces to be evicted")
	}
	if recent[0].ID != ids[4] {
		t.Errorf("expected newest-first ordering, got %q at index 0", recent[0].ID)
	}
}

func TestSetOnChangeCalledOnEndEvent(t *testing.T) {
	m := NewManager(10)
	var mu sync.Mutex
	called := false
	m.SetOnChange(func() {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	traceID, spanID := NewTraceID(), NewSpanID()
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventIterationStart, Name: "t", Timestamp: time.Now()})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventIterationEnd, Name: "t", Timestamp: time.Now()})

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Error("expected onChange callback to fire on end event")
	}
}

func TestConcurrentHandleEventSafe(t *testing.T) {
	m := NewManager(10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			traceID := NewTraceID()
			for j := 0; j < 10; j++ {
				spanID := NewSpanID()
				m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventIterationStart, Name: "t", Timestamp: time.Now()})
				m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: spanID, Type: EventIterationEnd, Name: "t", Timestamp: time.Now()})
				m.GetTrace(traceID)
				m.GetActiveTrace()
				m.GetRecentTraces()
			}
		}()
	}
	wg.Wait()

	if got := m.GetRecentTraces(); len(got) > m.maxTraces {
		t.Errorf("expected at most %d retained traces, got %d", m.maxTraces, len(got))
	}
}

func TestShutdownWithoutExporterIsNoop(t *testing.T) {
	m := &Manager{traces: make(map[string]*Trace), pendingSpans: make(map[string]*TraceEvent), orphanedSpans: make(map[string][]*Span), maxTraces: 10}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown with nil exporter: expected nil error, got %v", err)
	}
}
