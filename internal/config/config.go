// Package config loads the environment-variable surface documented in
// spec §6. CLI argument parsing and full env-loading frameworks are an
// explicit Non-goal of the core (they belong to the excluded outer
// collaborator), so this stays a single flat Load() over os.Getenv
// rather than a viper/cobra style layer.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of environment-derived knobs the collector reads
// at startup. Nothing here is reloaded at runtime.
type Config struct {
	RippledWSURL       string
	RippledHTTPURL     string
	VictoriaMetricsURL string
	ValidatorPublicKey string
	DockerContainer    string
	RippledDataPath    string
	RippledNuDBPath    string
	RippledHost        string

	PeerCrawlPort     int
	PeerCrawlInterval time.Duration

	PollInterval      time.Duration
	PeersPollInterval time.Duration

	ExporterPort  int
	InstanceLabel string
	LogLevel      string

	StateDir string

	// Reconciliation engine tunables (not in the env table but kept
	// here so every timing constant in the spec has one home).
	GracePeriod        time.Duration
	LateRepairWindow   time.Duration
	CleanupAge         time.Duration
	ReconcileInterval  time.Duration
	MaxReconnectTries  int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	MaxHeartbeatMisses int
}

// Load reads the environment per the §6 table, applying the documented
// defaults for anything unset.
func Load() Config {
	return Config{
		RippledWSURL:       getenv("RIPPLED_WS_URL", "ws://localhost:6006"),
		RippledHTTPURL:     getenv("RIPPLED_HTTP_URL", "http://localhost:5005"),
		VictoriaMetricsURL: getenv("VICTORIA_METRICS_URL", "http://localhost:8428"),
		ValidatorPublicKey: getenv("VALIDATOR_PUBLIC_KEY", ""),
		DockerContainer:    getenv("RIPPLED_DOCKER_CONTAINER", ""),
		RippledDataPath:    getenv("RIPPLED_DATA_PATH", "/var/lib/rippled"),
		RippledNuDBPath:    getenv("RIPPLED_NUDB_PATH", ""),
		RippledHost:        getenv("RIPPLED_HOST", "localhost"),

		PeerCrawlPort:     getenvInt("PEER_CRAWL_PORT", 0),
		PeerCrawlInterval: getenvSeconds("PEER_CRAWL_INTERVAL", 300*time.Second),

		PollInterval:      getenvSeconds("POLL_INTERVAL", 2*time.Second),
		PeersPollInterval: getenvSeconds("PEERS_POLL_INTERVAL", 5*time.Second),

		ExporterPort:  getenvInt("EXPORTER_PORT", 9103),
		InstanceLabel: getenv("INSTANCE_LABEL", "validator"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),

		StateDir: getenv("STATE_DIR", "/var/lib/validator-telemetry-collector"),

		GracePeriod:        8 * time.Second,
		LateRepairWindow:   300 * time.Second,
		CleanupAge:         600 * time.Second,
		ReconcileInterval:  1 * time.Second,
		MaxReconnectTries:  10,
		HeartbeatInterval:  15 * time.Second,
		HeartbeatTimeout:   5 * time.Second,
		MaxHeartbeatMisses: 3,
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
