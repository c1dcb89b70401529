package poller

import (
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/rippled"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// PeersPoller polls the admin-only `peers` command, falling back to a
// container exec when the API call is refused and a container name is
// configured (§4.6).
type PeersPoller struct {
	client          *rippled.Client
	writer          *tsdb.Writer
	log             *zap.SugaredLogger
	labels          []string
	dockerContainer string
	interval        time.Duration

	unavailableLogged bool
}

// NewPeersPoller builds a peers poller.
func NewPeersPoller(client *rippled.Client, writer *tsdb.Writer, instanceLabel, dockerContainer string, interval time.Duration, log *zap.SugaredLogger) *PeersPoller {
	return &PeersPoller{
		client:          client,
		writer:          writer,
		log:             log,
		labels:          []string{"instance", instanceLabel},
		dockerContainer: dockerContainer,
		interval:        interval,
	}
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

// Poll fetches peers and emits the derived gauges.
func (p *PeersPoller) Poll(ctx context.Context) {
	peers, err := p.client.GetPeers(ctx)
	if (err != nil || len(peers) == 0) && p.dockerContainer != "" {
		if fallback, ferr := p.getPeersDocker(); ferr == nil && len(fallback) > 0 {
			peers = fallback
			err = nil
		}
	}

	if err != nil || len(peers) == 0 {
		if !p.unavailableLogged {
			p.log.Warnw("peers command unavailable, skipping peer detail metrics",
				"docker_fallback_configured", p.dockerContainer != "", "error", err)
			p.unavailableLogged = true
		}
		return
	}
	p.unavailableLogged = false

	p.process(ctx, peers)
}

func (p *PeersPoller) process(ctx context.Context, peers []rippled.PeerSummary) {
	var inbound, outbound, insane int
	var latencies []float64

	for _, peer := range peers {
		if peer.Inbound {
			inbound++
		} else {
			outbound++
		}
		if peer.SanityValue == "insane" {
			insane++
		}
		if peer.LatencyMs > 0 {
			latencies = append(latencies, peer.LatencyMs)
		}
	}

	var p90 float64
	if len(latencies) > 0 {
		sort.Float64s(latencies)
		idx := int(float64(len(latencies)) * 0.9)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		p90 = latencies[idx]
	}

	nowMS := time.Now().UnixMilli()
	samples := []model.Sample{
		model.NewSample("xrpl_peers_inbound", float64(inbound), nowMS, model.KindGauge, p.labels...),
		model.NewSample("xrpl_peers_outbound", float64(outbound), nowMS, model.KindGauge, p.labels...),
		model.NewSample("xrpl_peers_insane", float64(insane), nowMS, model.KindGauge, p.labels...),
		model.NewSample("xrpl_peer_latency_p90_ms", p90, nowMS, model.KindGauge, p.labels...),
	}
	if err := p.writer.WriteBatch(ctx, samples, false); err != nil {
		p.log.Warnw("failed to flush peers metrics", "error", err)
	}
}

// getPeersDocker shells out to the container runtime to invoke rippled's
// own CLI when the admin API refuses the peers command directly.
func (p *PeersPoller) getPeersDocker() ([]rippled.PeerSummary, error) {
	out, err := exec.Command("docker", "exec", p.dockerContainer, "rippled", "peers").Output()
	if err != nil {
		return nil, err
	}

	var env struct {
		Result struct {
			Status string                 `json:"status"`
			Peers  []rippled.PeerSummary `json:"peers"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		return nil, err
	}
	return env.Result.Peers, nil
}
