// Package supervisor owns process lifecycle: signal-driven shutdown and
// the outer restart loop around the node client's own listen/reconnect
// logic (C8, §4.8). It layers a second, coarser-grained recovery on top
// of rippled.Client.Run's internal backoff: if Run ever returns with a
// non-fatal error (rather than exhausting its own attempts), the
// supervisor restarts the whole connect/subscribe/listen cycle from
// scratch.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/errs"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
)

// maxRestarts bounds how many times the supervisor will restart a
// Client.Run cycle that returned without the client itself declaring
// reconnect exhaustion. This is deliberately the same ceiling as the
// client's own max_reconnect_attempts (§4.2/§4.8) rather than a second,
// independently-tuned number.
const maxRestarts = 10

// restartBackoff extends the client's own delay table (§4.2, which stops
// at 30s) with a final 60s step: the supervisor's restart delay caps at
// 60s.
var restartBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second,
	10 * time.Second, 30 * time.Second, 60 * time.Second,
}

// Supervisor wires OS signal handling to a shared cancellation context
// and restarts the node client's listen loop on non-fatal exit.
type Supervisor struct {
	client  *rippled.Client
	streams []string
	log     *zap.SugaredLogger
}

// New builds a Supervisor for client, to be run with Run.
func New(client *rippled.Client, streams []string, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{client: client, streams: streams, log: log}
}

// Run blocks until ctx is cancelled, a SIGINT/SIGTERM is received, or
// restart attempts are exhausted. It installs its own signal handler and
// derives a child context that is cancelled on either trigger.
func (s *Supervisor) Run(ctx context.Context, handlers rippled.HandlerSet) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	restarts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.client.Run(ctx, s.streams, handlers)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// Run only returns nil when ctx was cancelled; treat any other
			// nil-with-live-context return as a clean exit worth restarting
			// too, since a live node client should never spontaneously stop.
			err = errors.New("node client listen loop exited unexpectedly")
		}

		if errors.Is(err, errs.ErrFatal) {
			s.log.Errorw("node client reconnect attempts exhausted, giving up", "error", err)
			return err
		}

		restarts++
		if restarts > maxRestarts {
			s.log.Errorw("supervisor restart attempts exhausted, giving up", "restarts", restarts)
			return errors.New("supervisor restart attempts exhausted")
		}

		delay := restartBackoff[len(restartBackoff)-1]
		if restarts-1 < len(restartBackoff) {
			delay = restartBackoff[restarts-1]
		}
		s.log.Warnw("node client exited, restarting", "error", err, "attempt", restarts, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
