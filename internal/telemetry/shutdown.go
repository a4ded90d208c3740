package telemetry

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownContext returns a context cancelled on the operating system's
// termination signals (interactive interrupt, termination request, and
// terminal hangup). The Loop Controller checks ctx.Err() only between
// iterations, so the current iteration always completes cleanly
// (spec.md §4.7, §5).
func ShutdownContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}
