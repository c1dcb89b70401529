package reconcile

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

const (
	window1hDuration  = time.Hour
	window24hDuration = 24 * time.Hour

	// maxDedupEntries and dedupEvictBatch implement the §4.5.1 bounded
	// dedup set: evict the oldest 500 by ledger-index order once the set
	// would exceed 2000 entries.
	maxDedupEntries = 2000
	dedupEvictBatch = 500
)

// Options carries the engine's timing constants (§3, §4.5.2), normally
// sourced from config.Config.
type Options struct {
	GracePeriod       time.Duration
	LateRepairWindow  time.Duration
	CleanupAge        time.Duration
	ReconcileInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 8 * time.Second
	}
	if o.LateRepairWindow <= 0 {
		o.LateRepairWindow = 300 * time.Second
	}
	if o.CleanupAge <= 0 {
		o.CleanupAge = 600 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 1 * time.Second
	}
	return o
}

// Engine is C5, the pending-ledger reconciliation state machine plus
// windowed validation accounting. It exclusively owns PendingLedger,
// WindowDeque, RecoveryBaseline and the counters below; the ledger and
// server handlers reach it only through OnLedgerClosed/OnValidation.
type Engine struct {
	clock           Clock
	writer          *tsdb.Writer
	log             *zap.SugaredLogger
	ourValidatorKey string
	labels          []string
	opts            Options

	// mu guards everything below. The ledger handler and the validation
	// hot path run on the WS receive loop while the reconciliation ticker
	// runs on its own goroutine, so unlike the single-threaded original
	// this is not lock-free between them.
	mu sync.Mutex

	pending map[uint32]*PendingLedger

	dedupSeen  map[uint32]struct{}
	dedupOrder []uint32 // ledger indices in dedupSeen; re-sorted by index at each eviction

	window1h  WindowDeque
	window24h WindowDeque

	baseline RecoveryBaseline

	validationsCheckedTotal float64
	validationsTotal        float64
	agreementsTotal         float64
	missedTotal             float64
}

// New builds a reconciliation engine. ourValidatorKey matches against
// both validation_public_key and master_key on incoming validations;
// instanceLabel is attached to every emitted sample.
func New(writer *tsdb.Writer, clock Clock, ourValidatorKey, instanceLabel string, opts Options, log *zap.SugaredLogger) *Engine {
	return &Engine{
		clock:           clock,
		writer:          writer,
		log:             log,
		ourValidatorKey: ourValidatorKey,
		labels:          []string{"instance", instanceLabel},
		opts:            opts.withDefaults(),
		pending:         make(map[uint32]*PendingLedger),
		dedupSeen:       make(map[uint32]struct{}),
	}
}

func (e *Engine) getOrCreate(idx uint32) *PendingLedger {
	p, ok := e.pending[idx]
	if !ok {
		p = &PendingLedger{LedgerIndex: idx}
		e.pending[idx] = p
	}
	return p
}

// OnLedgerClosed records a ledger-close observation: the consensus hash
// and, if no close time has been recorded for this index yet, the close
// time that starts the grace-period clock (§4.5).
func (e *Engine) OnLedgerClosed(idx uint32, hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.getOrCreate(idx)
	p.ConsensusHash = hash
	if p.ClosedAt.IsZero() {
		p.ClosedAt = e.clock.Now()
	}
}

// OnValidation is the validation-stream hot path (§4.5.1).
func (e *Engine) OnValidation(ctx context.Context, msg rippled.ValidationReceived) {
	e.mu.Lock()

	e.validationsCheckedTotal++

	if e.ourValidatorKey == "" ||
		(msg.MasterKey != e.ourValidatorKey && msg.ValidationPublicKey != e.ourValidatorKey) {
		e.mu.Unlock()
		return
	}

	if e.isDuplicate(msg.LedgerIndex) {
		e.mu.Unlock()
		return
	}
	e.recordDedup(msg.LedgerIndex)

	p := e.getOrCreate(msg.LedgerIndex)
	p.OurHash = msg.LedgerHash
	if p.ValidatedAt.IsZero() {
		p.ValidatedAt = e.clock.Now()
	}

	agreed := true
	if p.ConsensusHash != "" {
		agreed = p.OurHash == p.ConsensusHash
	}

	now := e.clock.Now()
	rec := ValidationRecord{Timestamp: now, LedgerIndex: uint64(msg.LedgerIndex), Agreed: agreed}
	e.window1h.Push(rec)
	e.window24h.Push(rec)

	e.validationsTotal++

	e.window1h.Prune(now, window1hDuration)
	e.window24h.Prune(now, window24hDuration)

	e.mu.Unlock()

	nowMS := now.UnixMilli()
	agreedLabel := "false"
	if agreed {
		agreedLabel = "true"
	}
	eventLabels := append(append([]string(nil), e.labels...), "agreed", agreedLabel)
	event := model.NewSample("xrpl_validation_event", 1, nowMS, model.KindGauge, eventLabels...)
	if err := e.writer.Write(ctx, event, false); err != nil {
		e.log.Warnw("failed to write validation event sample", "error", err)
	}

	e.emitGauges(ctx, now)
}

// isDuplicate and recordDedup must be called with mu held.
func (e *Engine) isDuplicate(idx uint32) bool {
	_, ok := e.dedupSeen[idx]
	return ok
}

func (e *Engine) recordDedup(idx uint32) {
	e.dedupSeen[idx] = struct{}{}
	e.dedupOrder = append(e.dedupOrder, idx)

	if len(e.dedupOrder) <= maxDedupEntries {
		return
	}

	sort.Slice(e.dedupOrder, func(i, j int) bool { return e.dedupOrder[i] < e.dedupOrder[j] })
	evict := e.dedupOrder[:dedupEvictBatch]
	for _, x := range evict {
		delete(e.dedupSeen, x)
	}
	e.dedupOrder = append([]uint32(nil), e.dedupOrder[dedupEvictBatch:]...)
}

// ReconcilePendingLedgers runs one cycle of the §4.5.2 rule set over
// every pending ledger, in key order so verdicts are deterministic
// across a run even though they are mathematically order-independent.
func (e *Engine) ReconcilePendingLedgers(ctx context.Context) {
	e.mu.Lock()
	now := e.clock.Now()

	keys := make([]uint32, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	changed := false
	for _, idx := range keys {
		p := e.pending[idx]
		if p.ConsensusHash == "" || p.ClosedAt.IsZero() {
			continue
		}
		age := now.Sub(p.ClosedAt)

		// 1. Late repair.
		if p.Finalized && !p.FinalizedAsMissedAt.IsZero() && p.OurHash != "" &&
			now.Sub(p.FinalizedAsMissedAt) <= e.opts.LateRepairWindow {
			e.missedTotal--
			if p.OurHash == p.ConsensusHash {
				e.agreementsTotal++
			} else {
				e.missedTotal++
			}
			p.FinalizedAsMissedAt = time.Time{}
			changed = true
		}

		// 2. Cleanup.
		if p.Finalized && age > e.opts.CleanupAge {
			delete(e.pending, idx)
			continue
		}

		// 3. Finalization.
		if !p.Finalized && age > e.opts.GracePeriod {
			switch {
			case p.OurHash != "" && p.OurHash == p.ConsensusHash:
				e.agreementsTotal++
			case p.OurHash != "":
				e.missedTotal++
			default:
				e.missedTotal++
				p.FinalizedAsMissedAt = now
				rec := ValidationRecord{Timestamp: now, LedgerIndex: uint64(idx), Agreed: false}
				e.window1h.Push(rec)
				e.window24h.Push(rec)
			}
			p.Finalized = true
			changed = true
		}
	}

	e.window1h.Prune(now, window1hDuration)
	e.window24h.Prune(now, window24hDuration)
	e.mu.Unlock()

	if changed {
		e.emitGauges(ctx, now)
	}
}

// emitGauges computes and flushes the §4.5.5 metric set. Called with mu
// NOT held (it takes its own snapshot under lock).
func (e *Engine) emitGauges(ctx context.Context, now time.Time) {
	e.mu.Lock()

	var baseAgreed1h, baseMissed1h, baseAgreed24h, baseMissed24h float64
	if e.baseline.Loaded {
		d1h := decayFactor(now, e.baseline.RecoveryTime, window1hDuration)
		d24h := decayFactor(now, e.baseline.RecoveryTime, window24hDuration)
		baseAgreed1h = math.Round(float64(e.baseline.Agreements1h) * d1h)
		baseMissed1h = math.Round(float64(e.baseline.Missed1h) * d1h)
		baseAgreed24h = math.Round(float64(e.baseline.Agreements24h) * d24h)
		baseMissed24h = math.Round(float64(e.baseline.Missed24h) * d24h)
	}

	agreed1h := float64(e.window1h.AgreedCount()) + baseAgreed1h
	missed1h := float64(e.window1h.MissedCount()) + baseMissed1h
	agreed24h := float64(e.window24h.AgreedCount()) + baseAgreed24h
	missed24h := float64(e.window24h.MissedCount()) + baseMissed24h

	pct1h := percentAgreed(agreed1h, missed1h)
	pct24h := percentAgreed(agreed24h, missed24h)

	checkedTotal := e.validationsCheckedTotal
	validationsTotal := e.validationsTotal
	agreementsTotal := e.agreementsTotal
	missedTotal := e.missedTotal

	e.mu.Unlock()

	nowMS := now.UnixMilli()
	samples := []model.Sample{
		model.NewSample("xrpl_validations_checked_total", checkedTotal, nowMS, model.KindCounter, e.labels...),
		model.NewSample("xrpl_validations_total", validationsTotal, nowMS, model.KindCounter, e.labels...),
		model.NewSample("xrpl_validation_agreements_total", agreementsTotal, nowMS, model.KindCounter, e.labels...),
		model.NewSample("xrpl_validation_missed_total", missedTotal, nowMS, model.KindCounter, e.labels...),
		model.NewSample("xrpl_validation_agreement_pct_1h", pct1h, nowMS, model.KindGauge, e.labels...),
		model.NewSample("xrpl_validation_agreement_pct_24h", pct24h, nowMS, model.KindGauge, e.labels...),
		model.NewSample("xrpl_validation_agreements_1h", agreed1h, nowMS, model.KindGauge, e.labels...),
		model.NewSample("xrpl_validation_agreements_24h", agreed24h, nowMS, model.KindGauge, e.labels...),
		model.NewSample("xrpl_validation_missed_1h", missed1h, nowMS, model.KindGauge, e.labels...),
		model.NewSample("xrpl_validation_missed_24h", missed24h, nowMS, model.KindGauge, e.labels...),
	}

	if err := e.writer.WriteBatch(ctx, samples, true); err != nil {
		e.log.Warnw("failed to flush reconciliation gauges", "error", err)
	}
}

func percentAgreed(agreed, missed float64) float64 {
	total := agreed + missed
	if total <= 0 {
		return 0
	}
	return agreed / total * 100
}

// RecoverFromTSDB is called once at startup to rebuild counters and the
// decay baseline from whatever the TSDB already holds (§4.5.3, §4.5.4).
// Every query is best-effort: a failed or empty query leaves the
// corresponding counter at its zero value rather than aborting startup.
func (e *Engine) RecoverFromTSDB(ctx context.Context) {
	now := e.clock.Now()

	e.recoverValidationsTotal(ctx, now)

	if v, ok := e.queryScalar(ctx, "max_over_time(xrpl_validations_checked_total[24h])"); ok {
		e.mu.Lock()
		e.validationsCheckedTotal = v
		e.mu.Unlock()
	}
	if v, ok := e.queryScalar(ctx, "max_over_time(xrpl_validation_agreements_total[24h])"); ok {
		e.mu.Lock()
		e.agreementsTotal = v
		e.mu.Unlock()
	}
	if v, ok := e.queryScalar(ctx, "max_over_time(xrpl_validation_missed_total[24h])"); ok {
		e.mu.Lock()
		e.missedTotal = v
		e.mu.Unlock()
	}

	baseline := RecoveryBaseline{RecoveryTime: now}
	if v, ok := e.queryScalar(ctx, "last_over_time(xrpl_validation_agreements_1h[5m])"); ok {
		baseline.Agreements1h = int64(v)
		baseline.Loaded = true
	}
	if v, ok := e.queryScalar(ctx, "last_over_time(xrpl_validation_missed_1h[5m])"); ok {
		baseline.Missed1h = int64(v)
		baseline.Loaded = true
	}
	if v, ok := e.queryScalar(ctx, "last_over_time(xrpl_validation_agreements_24h[5m])"); ok {
		baseline.Agreements24h = int64(v)
		baseline.Loaded = true
	}
	if v, ok := e.queryScalar(ctx, "last_over_time(xrpl_validation_missed_24h[5m])"); ok {
		baseline.Missed24h = int64(v)
		baseline.Loaded = true
	}

	e.mu.Lock()
	e.baseline = baseline
	e.mu.Unlock()
}

// recoverValidationsTotal implements §4.5.4's restart-detection check:
// compare the validator's own uptime gauge now vs. 5 minutes ago. A drop
// beyond clock-skew tolerance means the validator process restarted, in
// which case validations_total resets to zero instead of being recovered.
func (e *Engine) recoverValidationsTotal(ctx context.Context, now time.Time) {
	pastTime := now.Add(-300 * time.Second)

	curRes, curErr := e.writer.QueryAt(ctx, "xrpl_validator_uptime_seconds", now)
	pastRes, pastErr := e.writer.QueryAt(ctx, "xrpl_validator_uptime_seconds", pastTime)

	curUptime, curOk := tsdb.ScalarValue(curRes)
	pastUptime, pastOk := tsdb.ScalarValue(pastRes)

	if curErr != nil || pastErr != nil || !curOk || !pastOk {
		// No uptime history to compare against; fall through to the
		// ordinary recovery path below.
		if v, ok := e.queryScalar(ctx, "max_over_time(xrpl_validations_total[24h])"); ok {
			e.mu.Lock()
			e.validationsTotal = v
			e.mu.Unlock()
		}
		return
	}

	if curUptime < pastUptime-120 {
		e.log.Infow("validator restart detected via uptime decrease, resetting validations_total",
			"past_uptime", pastUptime, "current_uptime", curUptime)
		e.mu.Lock()
		e.validationsTotal = 0
		e.mu.Unlock()
		return
	}

	if v, ok := e.queryScalar(ctx, "max_over_time(xrpl_validations_total[24h])"); ok {
		e.mu.Lock()
		e.validationsTotal = v
		e.mu.Unlock()
	}
}

func (e *Engine) queryScalar(ctx context.Context, expr string) (float64, bool) {
	res, err := e.writer.Query(ctx, expr)
	if err != nil {
		e.log.Debugw("recovery query failed", "expr", expr, "error", err)
		return 0, false
	}
	return tsdb.ScalarValue(res)
}

// FlushMetrics emits one last gauge snapshot at shutdown.
func (e *Engine) FlushMetrics(ctx context.Context) {
	e.emitGauges(ctx, e.clock.Now())
	if err := e.writer.Flush(ctx); err != nil {
		e.log.Warnw("failed to flush tsdb writer at shutdown", "error", err)
	}
}

// DebugStats is a debug accessor reporting the current size of the
// pending-ledger table and both window deques. It is not part of the
// exposition output — used only by the exporter's verbose health view,
// to keep metrics cardinality as specified.
type DebugStats struct {
	PendingCount int
	Window1hLen  int
	Window24hLen int
	DedupCount   int
}

// DebugStats snapshots the engine's internal table sizes.
func (e *Engine) DebugStats() DebugStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DebugStats{
		PendingCount: len(e.pending),
		Window1hLen:  e.window1h.Len(),
		Window24hLen: e.window24h.Len(),
		DedupCount:   len(e.dedupSeen),
	}
}

// Run ticks ReconcilePendingLedgers every opts.ReconcileInterval until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ReconcilePendingLedgers(ctx)
		}
	}
}
