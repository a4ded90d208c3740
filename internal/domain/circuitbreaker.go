package domain

// CircuitBreaker is a fixed-size sliding window of recent success/failure
// results. It opens when the last failureThreshold recorded results are all
// failures, whether or not the window is full. Mutated by the Loop
// Controller only — the
// Iteration Engine never sees it.
//
// The window is kept as a literal bounded slice (not a counter
// approximation) so that spec.md §8 property 6 — "the breaker opens iff the
// last k recorded results are all failures" — holds exactly, mirroring
// _examples/original_source/scripts/line_loop/models.py's CircuitBreaker
// dataclass.
type CircuitBreaker struct {
	window           []bool // true = success
	failureThreshold int
}

// NewCircuitBreaker creates a breaker with the given window size. The
// breaker opens once the last failureThreshold results are failures; a
// windowSize smaller than failureThreshold is raised to failureThreshold so
// that the window can hold that many results.
func NewCircuitBreaker(failureThreshold, windowSize int) *CircuitBreaker {
	if windowSize < failureThreshold {
		windowSize = failureThreshold
	}
	return &CircuitBreaker{
		window:           make([]bool, 0, windowSize),
		failureThreshold: failureThreshold,
	}
}

// Record appends a success/failure result to the window, evicting the
// oldest entry once the window is full.
func (cb *CircuitBreaker) Record(success bool) {
	if len(cb.window) == cap(cb.window) {
		copy(cb.window, cb.window[1:])
		cb.window = cb.window[:len(cb.window)-1]
	}
	cb.window = append(cb.window, success)
}

// IsOpen reports whether the last failureThreshold recorded results are all
// failures.
func (cb *CircuitBreaker) IsOpen() bool {
	if len(cb.window) < cb.failureThreshold {
		return false
	}
	tail := cb.window[len(cb.window)-cb.failureThreshold:]
	for _, ok := range tail {
		if ok {
			return false
		}
	}
	return true
}

// Reset clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.window = cb.window[:0]
}

// Window returns a copy of the current window contents, for telemetry.
func (cb *CircuitBreaker) Window() []bool {
	out := make([]bool, len(cb.window))
	copy(out, cb.window)
	return out
}
