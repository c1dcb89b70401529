package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/reconcile"
)

// reconcileStats is the reconciliation engine's debug accessor, narrowed
// to the one method /health's verbose variant needs.
type reconcileStats interface {
	DebugStats() reconcile.DebugStats
}

// Server is the embedded HTTP API (§4.7). Its handlers run on chi's own
// goroutines — effectively the "separate OS thread" §5 calls for — and
// only ever touch collector state through Store's mutex.
type Server struct {
	store      *Store
	engine     reconcileStats
	log        *zap.SugaredLogger
	instance   string
	httpServer *http.Server
}

// New builds a Server bound to addr, ready for ListenAndServe. engine may
// be nil, in which case /health?verbose=1 omits the pending-ledger stats.
func New(store *Store, engine reconcileStats, instanceLabel, addr string, log *zap.SugaredLogger) *Server {
	s := &Server{store: store, engine: engine, log: log, instance: instanceLabel}

	r := chi.NewRouter()
	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/v1/query", s.handleQuery)
	r.Post("/api/v1/query", s.handleQuery)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks serving until the listener fails or Shutdown is
// called from elsewhere; mirrors net/http.Server's own contract.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") == "" || s.engine == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("OK"))
		return
	}

	stats := s.engine.DebugStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"pending_count": stats.PendingCount,
		"window_1h_len": stats.Window1hLen,
		"window_24h_len": stats.Window24hLen,
		"dedup_count":   stats.DedupCount,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Get()
	nowMS := time.Now().UnixMilli()
	samples := s.samplesFromSnapshot(snap, nowMS)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	var b strings.Builder
	for _, sample := range samples {
		b.WriteString(sample.Encode())
		b.WriteByte('\n')
	}
	w.Write([]byte(b.String()))
}

func (s *Server) samplesFromSnapshot(snap Snapshot, nowMS int64) []model.Sample {
	labels := []string{"instance", s.instance}
	g := func(name string, v float64, extra ...string) model.Sample {
		return model.NewSample(name, v, nowMS, model.KindGauge, append(append([]string(nil), labels...), extra...)...)
	}

	amendmentBlocked := 0.0
	if snap.AmendmentBlocked {
		amendmentBlocked = 1.0
	}
	upgradeRecommended := 0.0
	if snap.UpgradeRecommended {
		upgradeRecommended = 1.0
	}

	return []model.Sample{
		g("xrpl_validator_state_value", float64(snap.State), "state", snap.State.String()),
		g("xrpl_node_mode", 1, "mode", string(snap.Mode)),
		g("xrpl_peer_count", float64(snap.PeerCount)),
		g("xrpl_peers_inbound", float64(snap.PeersInbound)),
		g("xrpl_peers_outbound", float64(snap.PeersOutbound)),
		g("xrpl_load_factor", snap.LoadFactor),
		g("xrpl_validator_uptime_seconds", float64(snap.Uptime)),
		g("xrpl_validation_quorum", float64(snap.ValidationQuorum)),
		g("xrpl_amendment_blocked", amendmentBlocked),
		g("xrpl_unl_expiry_days", snap.UNLExpiryDays),
		g("xrpl_crawl_peer_count", float64(snap.CrawlPeerCount)),
		g("xrpl_peers_higher_version", float64(snap.PeersHigherVersion)),
		g("xrpl_peers_higher_version_pct", snap.PeersHigherVersionPct),
		g("xrpl_upgrade_recommended", upgradeRecommended),
		g("xrpl_upgrade_status", float64(snap.UpgradeStatus)),
	}
}

// queryResult is the dashboard-shaped {status, data:{resultType, result}}
// envelope §4.7 requires from /api/v1/query.
type queryResult struct {
	Status string      `json:"status"`
	Data   queryVector `json:"data"`
}

type queryVector struct {
	ResultType string       `json:"resultType"`
	Result     []vectorItem `json:"result"`
}

type vectorItem struct {
	Metric map[string]string `json:"metric"`
	Value  [2]interface{}    `json:"value"`
}

func emptyResult() queryResult {
	return queryResult{Status: "success", Data: queryVector{ResultType: "vector", Result: []vectorItem{}}}
}

// handleQuery implements §4.7's deliberately non-PromQL parser:
// substring matching on metric name, with at most one optional
// {label="value"} filter recognized for "state" or "mode".
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		query = r.FormValue("query")
	}

	substr, filterKey, filterVal := parsePseudoQuery(query)

	snap := s.store.Get()
	nowMS := time.Now().UnixMilli()
	samples := s.samplesFromSnapshot(snap, nowMS)

	result := emptyResult()
	for _, sample := range samples {
		if substr != "" && !strings.Contains(sample.Name, substr) {
			continue
		}
		if filterKey != "" {
			if !sampleHasLabel(sample, filterKey, filterVal) {
				continue
			}
		}
		metric := map[string]string{"__name__": sample.Name}
		for _, l := range sample.Labels {
			metric[l.Key] = l.Value
		}
		result.Data.Result = append(result.Data.Result, vectorItem{
			Metric: metric,
			Value:  [2]interface{}{float64(nowMS) / 1000, formatValue(sample.Value)},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func sampleHasLabel(s model.Sample, key, val string) bool {
	for _, l := range s.Labels {
		if l.Key == key {
			return l.Value == val
		}
	}
	return false
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// parsePseudoQuery splits "name_substring{label=\"value\"}" into its
// substring and at most one label filter. Only "state" and "mode" are
// recognized filter keys per §4.7; anything else is ignored.
func parsePseudoQuery(q string) (substr, filterKey, filterVal string) {
	q = strings.TrimSpace(q)
	idx := strings.IndexByte(q, '{')
	if idx < 0 {
		return q, "", ""
	}
	substr = q[:idx]
	rest := q[idx+1:]
	rest = strings.TrimSuffix(rest, "}")

	eq := strings.IndexByte(rest, '=')
	if eq < 0 {
		return substr, "", ""
	}
	key := strings.TrimSpace(rest[:eq])
	val := strings.Trim(strings.TrimSpace(rest[eq+1:]), `"`)
	if key != "state" && key != "mode" {
		return substr, "", ""
	}
	return substr, key, val
}
