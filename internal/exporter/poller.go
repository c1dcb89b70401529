package exporter

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
)

// StatePoller refreshes the snapshot's node-state fields every interval
// from the same HTTP companion channel the C6 pollers use; it is
// independent of them per §4.7 ("refreshed by independent pollers").
type StatePoller struct {
	client   *rippled.Client
	store    *Store
	log      *zap.SugaredLogger
	interval time.Duration
}

// NewStatePoller builds a state/server_info snapshot poller.
func NewStatePoller(client *rippled.Client, store *Store, interval time.Duration, log *zap.SugaredLogger) *StatePoller {
	return &StatePoller{client: client, store: store, log: log, interval: interval}
}

// Run ticks Poll every interval until ctx is cancelled.
func (p *StatePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches server_info and updates the snapshot's state fields.
func (p *StatePoller) Poll(ctx context.Context) {
	info, err := p.client.GetServerInfo(ctx)
	if err != nil {
		p.log.Debugw("exporter state poll failed", "error", err)
		return
	}

	mode := ModeStockNode
	if info.PubkeyValidator != "" && info.PubkeyValidator != "none" {
		mode = ModeValidator
	}

	p.store.Update(func(s *Snapshot) {
		s.State = model.ParseValidatorState(info.ServerState)
		s.Mode = mode
		s.PeerCount = info.PeerCount
		s.LoadFactor = info.LoadFactor
		s.Uptime = info.Uptime
		s.ValidationQuorum = info.ValidationQuorum
		s.AmendmentBlocked = info.AmendmentBlocked
		s.BuildVersion = info.BuildVersion
		s.UNLExpiryDays = unlExpiryDays(info.ValidatorListExpi, time.Now())
	})
}

// unlExpiryDays parses rippled's human-readable UNL expiry timestamp
// ("YYYY-Mon-DD HH:MM:SS", UTC) and clamps the remaining days at 0. An
// unparseable or empty timestamp yields 0 rather than a negative or NaN
// value reaching a dashboard.
func unlExpiryDays(raw string, now time.Time) float64 {
	if raw == "" {
		return 0
	}
	t, err := time.Parse("2006-Jan-02 15:04:05", raw)
	if err != nil {
		return 0
	}
	days := t.Sub(now).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

// PeersPoller refreshes inbound/outbound peer counts independently of
// the C6 peers poller, at the exporter's own 5 s cadence.
type PeersPoller struct {
	client   *rippled.Client
	store    *Store
	log      *zap.SugaredLogger
	interval time.Duration
}

// NewPeersPoller builds an exporter-local peers poller.
func NewPeersPoller(client *rippled.Client, store *Store, interval time.Duration, log *zap.SugaredLogger) *PeersPoller {
	return &PeersPoller{client: client, store: store, log: log, interval: interval}
}

// Run ticks Poll every interval until ctx is cancelled.
func (p *PeersPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches peers and updates inbound/outbound counts.
func (p *PeersPoller) Poll(ctx context.Context) {
	peers, err := p.client.GetPeers(ctx)
	if err != nil {
		p.log.Debugw("exporter peers poll failed", "error", err)
		return
	}
	var inbound, outbound int
	for _, peer := range peers {
		if peer.Inbound {
			inbound++
		} else {
			outbound++
		}
	}
	p.store.Update(func(s *Snapshot) {
		s.PeersInbound = inbound
		s.PeersOutbound = outbound
	})
}

// parseUint is a tiny helper crawl.go also needs for version components.
func parseUint(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
