package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/reconcile"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

// newDiscardingWriter accepts any import/query request and always answers
// empty, so handler tests exercise real HTTP round trips without needing
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

func newTestEngine(t *testing.T) *reconcile.Engine {
	t.Helper()
	return reconcile.New(newDiscardingWriter(t), reconcile.RealClock, "", "validator", reconcile.Options{}, testLogger(t))
}

func TestHandleLedgerClosedPopulatesConsensusHashBuffer(t *testing.T) {
	h := NewLedgerHandler(newDiscardingWriter(t), newTestEngine(t), "validator", testLogger(t))

	h.HandleLedgerClosed(context.Background(), rippled.LedgerClosed{
		LedgerIndex:      100,
		LedgerHash:       "ABCDEF",
		LedgerTimeRipple: uint32(time.Now().Unix() - rippleEpochOffset),
		FeeBaseDrops:     10,
		ReserveBaseDrops: 10_000_000,
		ReserveIncDrops:  2_000_000,
		TxnCount:         5,
	})

	hash, ok := h.GetConsensusHash(100)
	require.True(t, ok)
	assert.Equal(t, "ABCDEF", hash)

	_, ok = h.GetConsensusHash(999)
	assert.False(t, ok)
}

func TestHandleLedgerClosedIncrementsCounterWithFutureLedgerTime(t *testing.T) {
	h := NewLedgerHandler(newDiscardingWriter(t), newTestEngine(t), "validator", testLogger(t))

	futureRippleTime := uint32(time.Now().Unix() - rippleEpochOffset + 3600)
	h.HandleLedgerClosed(context.Background(), rippled.LedgerClosed{
		LedgerIndex:      1,
		LedgerHash:       "H1",
		LedgerTimeRipple: futureRippleTime,
	})
	assert.Equal(t, float64(1), h.ledgersClosedTotal)

	h.HandleLedgerClosed(context.Background(), rippled.LedgerClosed{
		LedgerIndex:      2,
		LedgerHash:       "H2",
		LedgerTimeRipple: futureRippleTime,
	})
	assert.Equal(t, float64(2), h.ledgersClosedTotal)
}

func TestHandleLedgerClosedTracksPreviousLedgerTimeAcrossCalls(t *testing.T) {
	h := NewLedgerHandler(newDiscardingWriter(t), newTestEngine(t), "validator", testLogger(t))

	base := uint32(700_000_000)
	h.HandleLedgerClosed(context.Background(), rippled.LedgerClosed{
		LedgerIndex:      1,
		LedgerHash:       "H1",
		LedgerTimeRipple: base,
		TxnCount:         10,
	})
	require.True(t, h.havePrevLedgerTime)
	assert.Equal(t, int64(base)+rippleEpochOffset, h.prevLedgerTimeUnix)

	h.HandleLedgerClosed(context.Background(), rippled.LedgerClosed{
		LedgerIndex:      2,
		LedgerHash:       "H2",
		LedgerTimeRipple: base + 5,
		TxnCount:         20,
	})
	assert.Equal(t, int64(base+5)+rippleEpochOffset, h.prevLedgerTimeUnix)
}

func TestHandleServerStatusTracksFirstStateWithoutTransition(t *testing.T) {
	h := NewServerHandler(newDiscardingWriter(t), "validator", testLogger(t))

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})

	assert.True(t, h.haveState)
	assert.Equal(t, float64(0), h.stateChanges)
}

func TestHandleServerStatusCountsTransitions(t *testing.T) {
	h := NewServerHandler(newDiscardingWriter(t), "validator", testLogger(t))

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})
	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "connected"})
	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})

	assert.Equal(t, float64(2), h.stateChanges)
}

func TestHandleServerStatusIgnoresRepeatedIdenticalStatus(t *testing.T) {
	h := NewServerHandler(newDiscardingWriter(t), "validator", testLogger(t))

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})
	sinceFirst := h.stateSince

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})

	assert.Equal(t, float64(0), h.stateChanges)
	assert.Equal(t, sinceFirst, h.stateSince)
}

func TestCurrentStateReflectsLatestTransition(t *testing.T) {
	h := NewServerHandler(newDiscardingWriter(t), "validator", testLogger(t))

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "connected"})
	assert.Equal(t, h.CurrentState(), h.currentState)

	h.HandleServerStatus(context.Background(), rippled.ServerStatus{ServerStatus: "full"})
	assert.Equal(t, h.CurrentState(), h.currentState)
}
