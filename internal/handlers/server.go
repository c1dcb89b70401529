package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// ServerHandler consumes serverStatus events (C4): it tracks the current
// validator state, how long it has held that state, and a monotonic
// transition counter. It deliberately does NOT write
// validator_state_info — the HTTP poller (C6) owns that label set.
type ServerHandler struct {
	writer *tsdb.Writer
	log    *zap.SugaredLogger
	labels []string

	currentState  model.ValidatorState
	stateSince    time.Time
	stateChanges  float64
	haveState     bool
}

// NewServerHandler builds a C4 handler.
func NewServerHandler(writer *tsdb.Writer, instanceLabel string, log *zap.SugaredLogger) *ServerHandler {
	return &ServerHandler{
		writer: writer,
		log:    log,
		labels: []string{"instance", instanceLabel},
	}
}

// HandleServerStatus processes one serverStatus event per §4.4.
func (h *ServerHandler) HandleServerStatus(ctx context.Context, e rippled.ServerStatus) {
	newState := model.ParseValidatorState(e.ServerStatus)
	now := time.Now()

	if !h.haveState {
		h.currentState = newState
		h.stateSince = now
		h.haveState = true
	} else if newState != h.currentState {
		h.log.Infow("validator state transition", "from", h.currentState.String(), "to", newState.String())
		h.currentState = newState
		h.stateSince = now
		h.stateChanges++
	}

	nowMS := now.UnixMilli()
	samples := []model.Sample{
		model.NewSample("xrpl_validator_state_value", float64(h.currentState), nowMS, model.KindGauge, h.labels...),
		model.NewSample("xrpl_time_in_current_state_seconds", now.Sub(h.stateSince).Seconds(), nowMS, model.KindGauge, h.labels...),
		model.NewSample("xrpl_state_changes_total", h.stateChanges, nowMS, model.KindCounter, h.labels...),
	}

	if err := h.writer.WriteBatch(ctx, samples, true); err != nil {
		h.log.Warnw("failed to flush server-state metrics", "error", err)
	}
}

// CurrentState returns the validator's last-known state, for the
// exporter's in-memory snapshot.
func (h *ServerHandler) CurrentState() model.ValidatorState {
	return h.currentState
}
