package exporter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// version is a (major, minor, patch, prerelease) tuple ordered per
// §4.7: an empty prerelease ("1.2.3" is a release) ranks higher than any
// non-empty one ("1.2.3-rc1" is a pre-release of 1.2.3).
type version struct {
	major, minor, patch int
	prerelease          string
	ok                  bool
}

// parseVersion parses strings like "1.12.0-rc2" or "2.0.0". Unparseable
// input yields a zero-value version with ok=false so callers can skip it
// rather than mis-rank it.
func parseVersion(raw string) version {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "v")
	core := raw
	var pre string
	if idx := strings.IndexAny(raw, "-+"); idx >= 0 {
		core = raw[:idx]
		pre = raw[idx+1:]
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) != 3 {
		return version{}
	}
	major, ok1 := parseUint(parts[0])
	minor, ok2 := parseUint(parts[1])
	patch, ok3 := parseUint(parts[2])
	if !ok1 || !ok2 || !ok3 {
		return version{}
	}
	return version{major: major, minor: minor, patch: patch, prerelease: pre, ok: true}
}

// higherThan reports whether v is strictly newer than other, using the
// empty-prerelease-ranks-higher rule.
func (v version) higherThan(other version) bool {
	if v.major != other.major {
		return v.major > other.major
	}
	if v.minor != other.minor {
		return v.minor > other.minor
	}
	if v.patch != other.patch {
		return v.patch > other.patch
	}
	if v.prerelease == other.prerelease {
		return false
	}
	if v.prerelease == "" {
		return true
	}
	if other.prerelease == "" {
		return false
	}
	return v.prerelease > other.prerelease
}

// CrawlPoller periodically surveys peer software versions via the
// validator's optional crawl endpoint and compares them to our own
// build, to drive an upgrade recommendation (§4.7). Disabled entirely
// when host is empty.
type CrawlPoller struct {
	store    *Store
	log      *zap.SugaredLogger
	http     *http.Client
	host     string
	crawlURL string
	interval time.Duration
}

// NewCrawlPoller builds a peer-version crawl poller against
// https://<host>:<crawlPort>/crawl. TLS verification is disabled: the
// crawl endpoint is typically self-signed.
func NewCrawlPoller(store *Store, host string, crawlPort int, interval time.Duration, log *zap.SugaredLogger) *CrawlPoller {
	if crawlPort <= 0 {
		host = ""
	}
	return &CrawlPoller{
		store: store,
		log:   log,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		host:     host,
		crawlURL: "https://" + host + ":" + strconv.Itoa(crawlPort) + "/crawl",
		interval: interval,
	}
}

// Run ticks Poll every interval until ctx is cancelled. A no-op if the
// poller was built with an empty host.
func (p *CrawlPoller) Run(ctx context.Context) {
	if p.host == "" {
		return
	}
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

type crawlResponse struct {
	Overlay struct {
		Active []struct {
			Version string `json:"version"`
		} `json:"active"`
	} `json:"overlay"`
}

// Poll fetches the crawl endpoint once and updates the snapshot's
// upgrade-advice fields.
func (p *CrawlPoller) Poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.crawlURL, nil)
	if err != nil {
		return
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Debugw("peer crawl failed", "error", err)
		return
	}
	defer resp.Body.Close()

	var body crawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.log.Debugw("peer crawl decode failed", "error", err)
		return
	}

	ours := parseVersion(p.store.Get().BuildVersion)

	total := 0
	higher := 0
	for _, peer := range body.Overlay.Active {
		v := parseVersion(peer.Version)
		if !v.ok {
			continue
		}
		total++
		if ours.ok && v.higherThan(ours) {
			higher++
		}
	}

	pct := 0.0
	if total > 0 {
		pct = float64(higher) / float64(total) * 100
	}
	recommended := pct > 60

	p.store.Update(func(s *Snapshot) {
		s.CrawlPeerCount = total
		s.PeersHigherVersion = higher
		s.PeersHigherVersionPct = pct
		s.UpgradeRecommended = recommended
		status := 0
		if recommended {
			status += 1
		}
		if s.AmendmentBlocked {
			status += 2
		}
		s.UpgradeStatus = status
	})
}
