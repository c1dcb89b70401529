package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RIPPLED_WS_URL", "")
	t.Setenv("EXPORTER_PORT", "")

	cfg := Load()

	assert.Equal(t, "ws://localhost:6006", cfg.RippledWSURL)
	assert.Equal(t, "http://localhost:5005", cfg.RippledHTTPURL)
	assert.Equal(t, "http://localhost:8428", cfg.VictoriaMetricsURL)
	assert.Equal(t, 9103, cfg.ExporterPort)
	assert.Equal(t, "validator", cfg.InstanceLabel)
	assert.Equal(t, 0, cfg.PeerCrawlPort)
	assert.Equal(t, 8*time.Second, cfg.GracePeriod)
	assert.Equal(t, 300*time.Second, cfg.LateRepairWindow)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EXPORTER_PORT", "9200")
	t.Setenv("PEER_CRAWL_PORT", "51235")
	t.Setenv("POLL_INTERVAL", "10")

	cfg := Load()

	assert.Equal(t, 9200, cfg.ExporterPort)
	assert.Equal(t, 51235, cfg.PeerCrawlPort)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}
