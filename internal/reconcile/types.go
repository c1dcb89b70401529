// Package reconcile implements C5, the pending-ledger reconciliation
// state machine and windowed validation accounting — the core of this
// collector.
package reconcile

import "time"

// PendingLedger is the central reconciliation record for one ledger
// index: created on whichever of the two events (close, our validation)
// arrives first, mutated on the other, finalized once the grace period
// has elapsed past close.
type PendingLedger struct {
	LedgerIndex uint32

	ConsensusHash string // "" until the close event is observed
	OurHash       string // "" until our validation is observed

	ClosedAt    time.Time // zero until the close event is observed
	ValidatedAt time.Time // zero until our validation is observed

	Finalized            bool
	FinalizedAsMissedAt  time.Time // zero unless the verdict was "missed"
}

func (p *PendingLedger) hasClosed() bool    { return !p.ClosedAt.IsZero() }
func (p *PendingLedger) hasValidated() bool { return !p.ValidatedAt.IsZero() }
func (p *PendingLedger) wasMissedVerdict() bool {
	return !p.FinalizedAsMissedAt.IsZero()
}

// ValidationRecord is one reconciled-ledger datapoint feeding the
// windowed gauges. Created exactly once per reconciled ledger from our
// validator.
type ValidationRecord struct {
	Timestamp   time.Time
	LedgerIndex uint64
	Agreed      bool
}

// WindowDeque is an ordered, time-pruned sequence of ValidationRecord.
// Timestamps are expected non-decreasing (records are appended in arrival
// order).
type WindowDeque struct {
	records []ValidationRecord
}

// Push appends a record to the back of the deque.
func (d *WindowDeque) Push(r ValidationRecord) {
	d.records = append(d.records, r)
}

// Prune drops every record older than window relative to now.
func (d *WindowDeque) Prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(d.records) && d.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.records = d.records[i:]
	}
}

// AgreedCount returns the number of agreed=true records currently held.
func (d *WindowDeque) AgreedCount() int {
	n := 0
	for _, r := range d.records {
		if r.Agreed {
			n++
		}
	}
	return n
}

// MissedCount returns the number of agreed=false records currently held.
func (d *WindowDeque) MissedCount() int {
	n := 0
	for _, r := range d.records {
		if !r.Agreed {
			n++
		}
	}
	return n
}

// Len reports the number of records currently held.
func (d *WindowDeque) Len() int { return len(d.records) }

// RecoveryBaseline is the decaying contribution loaded once at startup
// from the TSDB's 5-minute windowed gauges (§4.5.3). Zero value means "no
// baseline was recovered" (Loaded == false), in which case the decay
// contribution is always zero.
type RecoveryBaseline struct {
	Loaded bool

	Agreements1h  int64
	Missed1h      int64
	Agreements24h int64
	Missed24h     int64

	RecoveryTime time.Time
}

// decayFactor returns max(0, 1 - age/window) at the given instant.
func decayFactor(now, recoveryTime time.Time, window time.Duration) float64 {
	age := now.Sub(recoveryTime)
	f := 1 - age.Seconds()/window.Seconds()
	if f < 0 {
		return 0
	}
	return f
}
