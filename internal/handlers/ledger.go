// Package handlers implements C3 (ledger) and C4 (server) — the two
// lightweight stream consumers that sit between the node client and the
// reconciliation engine.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/reconcile"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// rippleEpochOffset converts a rippled ledger_time (seconds since the
// Ripple epoch, 2000-01-01T00:00:00Z) to Unix seconds.
const rippleEpochOffset = 946684800

const dropsPerXRP = 1_000_000

// maxHashBufferEntries is the §3 default size of the consensus hash
// buffer.
const maxHashBufferEntries = 1000

// LedgerHandler consumes ledgerClosed events (C3): it maintains the
// bounded consensus-hash buffer, feeds the reconciliation engine, and
// emits ledger-derived gauges.
type LedgerHandler struct {
	writer  *tsdb.Writer
	engine  *reconcile.Engine
	log     *zap.SugaredLogger
	buffer  *model.ConsensusHashBuffer
	labels  []string // instance label kv, e.g. "instance","validator"

	ledgersClosedTotal float64
	prevLedgerTimeUnix int64
	havePrevLedgerTime bool
}

// NewLedgerHandler builds a C3 handler writing into writer and feeding
// engine.
func NewLedgerHandler(writer *tsdb.Writer, engine *reconcile.Engine, instanceLabel string, log *zap.SugaredLogger) *LedgerHandler {
	return &LedgerHandler{
		writer: writer,
		engine: engine,
		log:    log,
		buffer: model.NewConsensusHashBuffer(maxHashBufferEntries),
		labels: []string{"instance", instanceLabel},
	}
}

// GetConsensusHash returns the stored consensus hash for a ledger index,
// or "", false if unseen or evicted.
func (h *LedgerHandler) GetConsensusHash(ledgerIndex uint32) (string, bool) {
	return h.buffer.Get(ledgerIndex)
}

// HandleLedgerClosed processes one ledgerClosed event per §4.3.
func (h *LedgerHandler) HandleLedgerClosed(ctx context.Context, e rippled.LedgerClosed) {
	h.ledgersClosedTotal++
	h.buffer.Put(e.LedgerIndex, e.LedgerHash)
	h.engine.OnLedgerClosed(e.LedgerIndex, e.LedgerHash)

	nowUnix := time.Now().Unix()
	ledgerCloseUnix := int64(e.LedgerTimeRipple) + rippleEpochOffset
	ageSeconds := float64(nowUnix - ledgerCloseUnix)
	if ageSeconds < 0 {
		ageSeconds = 0
	}

	var tps float64
	if h.havePrevLedgerTime {
		dt := ledgerCloseUnix - h.prevLedgerTimeUnix
		if dt > 0 {
			tps = float64(e.TxnCount) / float64(dt)
		}
	}
	h.prevLedgerTimeUnix = ledgerCloseUnix
	h.havePrevLedgerTime = true

	nowMS := time.Now().UnixMilli()
	samples := []model.Sample{
		h.gauge("xrpl_ledger_sequence", float64(e.LedgerIndex), nowMS),
		h.gauge("xrpl_ledger_age_seconds", ageSeconds, nowMS),
		h.gauge("xrpl_base_fee_xrp", float64(e.FeeBaseDrops)/dropsPerXRP, nowMS),
		h.gauge("xrpl_reserve_base_xrp", float64(e.ReserveBaseDrops)/dropsPerXRP, nowMS),
		h.gauge("xrpl_reserve_inc_xrp", float64(e.ReserveIncDrops)/dropsPerXRP, nowMS),
		h.gauge("xrpl_transaction_rate", tps, nowMS),
		model.NewSample("xrpl_ledgers_closed_total", h.ledgersClosedTotal, nowMS, model.KindCounter, h.labels...),
	}

	if err := h.writer.WriteBatch(ctx, samples, true); err != nil {
		h.log.Warnw("failed to flush ledger metrics", "error", err)
	}
}

func (h *LedgerHandler) gauge(name string, value float64, nowMS int64) model.Sample {
	return model.NewSample(name, value, nowMS, model.KindGauge, h.labels...)
}
