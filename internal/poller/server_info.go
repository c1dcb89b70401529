package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// serverInfoFetchAttempts and serverInfoRetryDelay implement the direct
// HTTP server_info poll's own fast retry, distinct from the node
// client's own reconnect logic: this path must keep working during a
// rippled restart, when the WebSocket is down but the HTTP port answers
// again within a couple hundred milliseconds.
const (
	serverInfoFetchAttempts = 2
	serverInfoRetryDelay    = 200 * time.Millisecond
	serverInfoFetchTimeout  = 2 * time.Second
)

// ServerInfoPoller polls `server_info` directly over HTTP (bypassing the
// WebSocket) so state updates keep flowing during reconnect storms.
type ServerInfoPoller struct {
	client   *rippled.Client
	writer   *tsdb.Writer
	log      *zap.SugaredLogger
	labels   []string
	interval time.Duration

	lastJqTransOverflow float64
	haveLastJq          bool
}

// NewServerInfoPoller builds a server_info poller.
func NewServerInfoPoller(client *rippled.Client, writer *tsdb.Writer, instanceLabel string, interval time.Duration, log *zap.SugaredLogger) *ServerInfoPoller {
	return &ServerInfoPoller{
		client:   client,
		writer:   writer,
		log:      log,
		labels:   []string{"instance", instanceLabel},
		interval: interval,
	}
}

// Run ticks Poll every interval until ctx is cancelled.
func (p *ServerInfoPoller) Run(ctx context.Context) {
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

// Poll fetches server_info once, with its own short retry budget, and
// emits the derived sample set.
func (p *ServerInfoPoller) Poll(ctx context.Context) {
	info, err := p.fetch(ctx)
	if err != nil {
		p.log.Debugw("server_info poll failed, rippled may be restarting", "error", err)
		return
	}
	p.process(ctx, info)
}

func (p *ServerInfoPoller) fetch(ctx context.Context) (*rippled.ServerInfoResult, error) {
	var lastErr error
	for attempt := 0; attempt < serverInfoFetchAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, serverInfoFetchTimeout)
		info, err := p.client.GetServerInfo(attemptCtx)
		cancel()
		if err == nil {
			return info, nil
		}
		lastErr = err
		if attempt < serverInfoFetchAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(serverInfoRetryDelay):
			}
		}
	}
	return nil, lastErr
}

func (p *ServerInfoPoller) process(ctx context.Context, info *rippled.ServerInfoResult) {
	nowMS := time.Now().UnixMilli()

	uptime := (info.Uptime + 30) / 60 * 60 // round to nearest minute
	stateDurationS := float64(info.ServerStateDurUs) / 1_000_000
	stateValue := model.ParseValidatorState(info.ServerState)

	samples := []model.Sample{
		p.gauge("xrpl_peer_count", float64(info.PeerCount), nowMS),
		p.gauge("xrpl_load_factor", info.LoadFactor, nowMS),
		p.gauge("xrpl_io_latency_ms", float64(info.IOLatencyMs), nowMS),
		p.gauge("xrpl_consensus_converge_time_seconds", info.LastClose.ConvergeTimeS, nowMS),
		p.gauge("xrpl_validator_uptime_seconds", float64(uptime), nowMS),
		p.info("xrpl_validator_uptime_info", nowMS, "pretty", formatUptime(uptime)),
		p.gauge("xrpl_server_state_duration_seconds", stateDurationS, nowMS),
		p.gauge("xrpl_validation_quorum", float64(info.ValidationQuorum), nowMS),
		p.gauge("xrpl_proposers", float64(info.LastClose.Proposers), nowMS),
		p.gauge("xrpl_validator_state_value", float64(stateValue), nowMS),
		p.info("xrpl_validator_state_info", nowMS, "pubkey_node", info.PubkeyNode),
		p.gauge("xrpl_time_in_current_state_seconds", stateDurationS, nowMS),
	}

	// jq_trans_overflow is gated by a >= last_written check (only write
	// on non-decreasing values); peer_disconnects counters are always
	// written, including the initial zero, so the series exists from
	// time zero. Both behaviors are deliberate per the source and are
	// preserved verbatim rather than unified.
	jq := parseNumericField(info.JqTransOverflow)
	if !p.haveLastJq || jq >= p.lastJqTransOverflow {
		samples = append(samples, p.counter("xrpl_jq_trans_overflow_total", jq, nowMS))
		p.lastJqTransOverflow = jq
		p.haveLastJq = true
	}

	samples = append(samples,
		p.counter("xrpl_peer_disconnects_total", parseNumericField(info.PeerDisconnects), nowMS),
		p.counter("xrpl_peer_disconnects_resources_total", parseNumericField(info.PeerDisconnectsR), nowMS),
	)

	if err := p.writer.WriteBatch(ctx, samples, false); err != nil {
		p.log.Warnw("failed to flush server_info metrics", "error", err)
	}
}

func (p *ServerInfoPoller) gauge(name string, v float64, nowMS int64) model.Sample {
	return model.NewSample(name, v, nowMS, model.KindGauge, p.labels...)
}

func (p *ServerInfoPoller) counter(name string, v float64, nowMS int64) model.Sample {
	return model.NewSample(name, v, nowMS, model.KindCounter, p.labels...)
}

func (p *ServerInfoPoller) info(name string, nowMS int64, kv ...string) model.Sample {
	labels := append(append([]string(nil), p.labels...), kv...)
	return model.NewSample(name, 1, nowMS, model.KindInfo, labels...)
}
