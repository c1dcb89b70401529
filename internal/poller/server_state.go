package poller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// ServerStatePoller polls `server_state` for consensus state-accounting
// durations/transitions and derives database sizes from a filesystem
// walk, since rippled does not expose them directly (§4.6).
type ServerStatePoller struct {
	client   *rippled.Client
	writer   *tsdb.Writer
	log      *zap.SugaredLogger
	labels   []string
	interval time.Duration

	dataPath string
	nudbPath string // explicit override, empty to auto-discover
}

// NewServerStatePoller builds a server_state poller. dataPath and
// explicitNUDBPath come from RIPPLED_DATA_PATH / RIPPLED_NUDB_PATH.
func NewServerStatePoller(client *rippled.Client, writer *tsdb.Writer, instanceLabel, dataPath, explicitNUDBPath string, interval time.Duration, log *zap.SugaredLogger) *ServerStatePoller {
	return &ServerStatePoller{
		client:   client,
		writer:   writer,
		log:      log,
		labels:   []string{"instance", instanceLabel},
		interval: interval,
		dataPath: dataPath,
		nudbPath: explicitNUDBPath,
	}
}

// Run polls once immediately (server info is useful at startup) and then
// ticks every interval until ctx is cancelled.
func (p *ServerStatePoller) Run(ctx context.Context) {
	p.Poll(ctx)

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

// Poll fetches server_state and emits derived metrics.
func (p *ServerStatePoller) Poll(ctx context.Context) {
	state, err := p.client.GetServerState(ctx)
	if err != nil {
		p.log.Warnw("server_state poll failed", "error", err)
		return
	}

	nowMS := time.Now().UnixMilli()
	var samples []model.Sample

	for name, acc := range state.StateAccounting {
		durationS := parseNumericField(acc.DurationUs) / 1_000_000
		transitions := parseNumericField(acc.Transitions)
		labels := append(append([]string(nil), p.labels...), "state", name)
		samples = append(samples,
			model.NewSample("xrpl_state_accounting_duration_seconds", durationS, nowMS, model.KindGauge, labels...),
			model.NewSample("xrpl_state_accounting_transitions", transitions, nowMS, model.KindGauge, labels...),
		)
	}

	ledgerDBBytes := directorySize(filepath.Join(p.dataPath, "db"))
	nudbPath := p.discoverNUDBPath()
	var nudbBytes int64
	if nudbPath != "" {
		nudbBytes = directorySize(nudbPath)
	}
	samples = append(samples,
		model.NewSample("xrpl_ledger_db_bytes", float64(ledgerDBBytes), nowMS, model.KindGauge, p.labels...),
		model.NewSample("xrpl_ledger_nudb_bytes", float64(nudbBytes), nowMS, model.KindGauge, p.labels...),
		model.NewSample("xrpl_initial_sync_duration_seconds", parseNumericField(state.InitialSyncDurationUs)/1_000_000, nowMS, model.KindGauge, p.labels...),
	)

	info := append(append([]string(nil), p.labels...), "node_size", state.NodeSize, "complete_ledgers", state.CompleteLedgers)
	samples = append(samples, model.NewSample("xrpl_server_info", 1, nowMS, model.KindInfo, info...))

	if err := p.writer.WriteBatch(ctx, samples, false); err != nil {
		p.log.Warnw("failed to flush server_state metrics", "error", err)
	}
}

// discoverNUDBPath follows §6's auto-discovery order: explicit override,
// then <data_path>/db/nudb, then <data_path>/nudb. A directory qualifies
// only if it contains at least one rippledb.* subdirectory.
func (p *ServerStatePoller) discoverNUDBPath() string {
	if p.nudbPath != "" && isNUDBDir(p.nudbPath) {
		return p.nudbPath
	}

	candidates := []string{
		filepath.Join(p.dataPath, "db", "nudb"),
		filepath.Join(p.dataPath, "nudb"),
	}
	for _, c := range candidates {
		if isNUDBDir(c) {
			return c
		}
	}

	p.log.Debugw("could not auto-discover NuDB path", "candidates", candidates)
	return ""
}

func isNUDBDir(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > len("rippledb.") && e.Name()[:len("rippledb.")] == "rippledb." {
			return true
		}
	}
	return false
}

// directorySize recursively sums file sizes under path, best-effort:
// unreadable entries are skipped rather than failing the whole walk.
func directorySize(path string) int64 {
	var total int64
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
