package tracer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guestrace/guestrace/internal/hypervisor"
)

// pollTimeout bounds each Introspector.Listen call, the loop's one
// suspension point (spec.md §5).
const pollTimeout = 250 * time.Millisecond

// Loop is the single-threaded cooperative event loop of spec.md §5: one
// poll call per iteration, synchronous dispatch, no handler suspends.
// Cancellation is cooperative via ctx, which cmd/guestrace cancels on a
// termination signal.
type Loop struct {
	hv  hypervisor.Introspector
	log *logrus.Entry
}

// NewLoop constructs a Loop bound to hv.
func NewLoop(hv hypervisor.Introspector, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{hv: hv, log: log}
}

// Run polls hv.Listen in a loop until ctx is cancelled or Listen itself
// returns an error (spec.md §7: "the event loop terminates only on a
// termination signal or on a listen call that itself returns failure").
// Every registered callback dispatches synchronously inside Listen, so
// Run performs no record mutation itself.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.hv.Listen(ctx, pollTimeout); err != nil {
			l.log.WithError(err).Error("listen failed, shutting down")
			return err
		}
	}
}
