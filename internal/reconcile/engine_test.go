package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// fakeClock is a settable Clock for deterministic reconciliation tests,
// driven by the literal t=N second offsets in the spec's scenarios.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advanceTo(seconds int64) {
	c.now = time.Unix(1_700_000_000+seconds, 0)
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

// discardingTSDB accepts any import/query request and always answers
// empty, so engine tests exercise real HTTP round trips without needing
// to assert on the wire payload.
func newDiscardingWriter(t *testing.T) *tsdb.Writer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/import/prometheus":
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/api/v1/query":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return tsdb.New(tsdb.Options{BaseURL: srv.URL}, testLogger(t))
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	clock := newFakeClock()
	e := New(newDiscardingWriter(t), clock, "our-key", "validator", Options{}, testLogger(t))
	return e, clock
}

// S1 — Agreement.
func TestScenarioS1Agreement(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	e.OnLedgerClosed(100, "A")
	clock.advanceTo(1)
	e.OnValidation(ctx, rippled.ValidationReceived{MasterKey: "our-key", LedgerIndex: 100, LedgerHash: "A"})

	clock.advanceTo(9)
	e.ReconcilePendingLedgers(ctx)

	assert.Equal(t, float64(1), e.agreementsTotal)
	assert.Equal(t, float64(0), e.missedTotal)
}

// S2 — Disagreement.
func TestScenarioS2Disagreement(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	e.OnLedgerClosed(101, "B")
	clock.advanceTo(2)
	e.OnValidation(ctx, rippled.ValidationReceived{MasterKey: "our-key", LedgerIndex: 101, LedgerHash: "C"})

	clock.advanceTo(9)
	e.ReconcilePendingLedgers(ctx)

	assert.Equal(t, float64(0), e.agreementsTotal)
	assert.Equal(t, float64(1), e.missedTotal)

	// no late repair should ever trigger: validation already observed.
	clock.advanceTo(60)
	e.ReconcilePendingLedgers(ctx)
	assert.Equal(t, float64(0), e.agreementsTotal)
	assert.Equal(t, float64(1), e.missedTotal)
}

// S3 — Missed then late repair.
func TestScenarioS3MissedThenLateRepair(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	e.OnLedgerClosed(102, "D")

	clock.advanceTo(9)
	e.ReconcilePendingLedgers(ctx)
	assert.Equal(t, float64(1), e.missedTotal)
	assert.Equal(t, float64(0), e.agreementsTotal)

	clock.advanceTo(60)
	e.OnValidation(ctx, rippled.ValidationReceived{MasterKey: "our-key", LedgerIndex: 102, LedgerHash: "D"})

	clock.advanceTo(61)
	e.ReconcilePendingLedgers(ctx)

	assert.Equal(t, float64(0), e.missedTotal)
	assert.Equal(t, float64(1), e.agreementsTotal)
}

// S4 — Late-repair deadline exceeded.
func TestScenarioS4LateRepairDeadlineExceeded(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	e.OnLedgerClosed(103, "E")

	clock.advanceTo(9)
	e.ReconcilePendingLedgers(ctx)
	assert.Equal(t, float64(1), e.missedTotal)

	clock.advanceTo(400) // past the 300s late-repair window
	e.OnValidation(ctx, rippled.ValidationReceived{MasterKey: "our-key", LedgerIndex: 103, LedgerHash: "E"})
	e.ReconcilePendingLedgers(ctx)

	assert.Equal(t, float64(1), e.missedTotal)
	assert.Equal(t, float64(0), e.agreementsTotal)
}

// S5 — Restart decay.
func TestScenarioS5RestartDecay(t *testing.T) {
	e, clock := newTestEngine(t)

	e.baseline = RecoveryBaseline{
		Loaded:        true,
		Agreements1h:  1000,
		Missed1h:      10,
		RecoveryTime:  clock.Now(),
	}

	pct := func() float64 {
		d1h := decayFactor(clock.Now(), e.baseline.RecoveryTime, window1hDuration)
		agreed := float64(e.window1h.AgreedCount()) + roundHalfAwayFromZero(float64(e.baseline.Agreements1h)*d1h)
		missed := float64(e.window1h.MissedCount()) + roundHalfAwayFromZero(float64(e.baseline.Missed1h)*d1h)
		return percentAgreed(agreed, missed)
	}

	assert.InDelta(t, 99.01, pct(), 0.1)

	for i := 0; i < 5; i++ {
		e.window1h.Push(ValidationRecord{Timestamp: clock.Now(), Agreed: true})
	}
	clock.advanceTo(1800)
	d1h := decayFactor(clock.Now(), e.baseline.RecoveryTime, window1hDuration)
	agreed1800 := float64(e.window1h.AgreedCount()) + roundHalfAwayFromZero(float64(e.baseline.Agreements1h)*d1h)
	assert.InDelta(t, 505, agreed1800, 0.5)

	clock.advanceTo(3600)
	d1hEnd := decayFactor(clock.Now(), e.baseline.RecoveryTime, window1hDuration)
	agreed3600 := float64(e.window1h.AgreedCount()) + roundHalfAwayFromZero(float64(e.baseline.Agreements1h)*d1hEnd)
	assert.InDelta(t, 5, agreed3600, 0.5)
}

func roundHalfAwayFromZero(f float64) float64 {
	if f < 0 {
		return -roundHalfAwayFromZero(-f)
	}
	return float64(int64(f + 0.5))
}

func TestDedupEvictsOldestOnOverflow(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for i := uint32(1); i <= maxDedupEntries+1; i++ {
		e.OnValidation(ctx, rippled.ValidationReceived{MasterKey: "our-key", LedgerIndex: i, LedgerHash: "X"})
	}

	assert.LessOrEqual(t, len(e.dedupSeen), maxDedupEntries)
	assert.False(t, e.isDuplicate(1), "oldest entries should have been evicted")
}

func TestRecoverFromTSDBNoHistoryLeavesCountersAtZero(t *testing.T) {
	e, _ := newTestEngine(t)
	e.RecoverFromTSDB(context.Background())

	assert.Equal(t, float64(0), e.validationsTotal)
	assert.False(t, e.baseline.Loaded)
}
