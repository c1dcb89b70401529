// Package exporter implements the in-process real-time HTTP surface
// (C7): a mutex-guarded snapshot of the validator's current state, kept
// fresh by independent pollers, served by a chi router running on its
// own OS thread so synchronous handler code never blocks the main
// cooperative scheduler (§5).
package exporter

import (
	"sync"
	"time"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
)

// NodeMode mirrors §4.7's three-way mode derivation.
type NodeMode string

const (
	ModeValidator NodeMode = "validator"
	ModeStockNode NodeMode = "stock_node"
	ModeUnknown   NodeMode = "unknown"
)

// Snapshot holds everything /metrics and /api/v1/query read. It is
// written by the pollers and read by the HTTP handlers; every access
// goes through the embedding Store's mutex.
type Snapshot struct {
	State             model.ValidatorState
	Mode              NodeMode
	PeerCount         int
	PeersInbound      int
	PeersOutbound     int
	LoadFactor        float64
	Uptime            int64
	ValidationQuorum  int
	AmendmentBlocked  bool
	UNLExpiryDays     float64
	BuildVersion      string

	CrawlPeerCount         int
	PeersHigherVersion     int
	PeersHigherVersionPct  float64
	UpgradeRecommended     bool
	UpgradeStatus          int

	UpdatedAt time.Time
}

// Store is the mutex-guarded holder pollers write into and handlers read
// from. It is safe for concurrent use by design: the HTTP server's own
// goroutine/thread never touches collector-side state directly.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStore builds an empty store; Mode starts Unknown until the first
// server_info poll completes.
func NewStore() *Store {
	return &Store{snap: Snapshot{Mode: ModeUnknown}}
}

// Get returns a copy of the current snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update applies fn to the stored snapshot in place under the write lock
// and stamps UpdatedAt.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now()
}
