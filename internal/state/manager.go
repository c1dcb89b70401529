// Package state implements the dual-layer state backup and recovery
// system (C8): a TSDB-backed primary copy plus a local JSON file
// secondary, so counters like validations_total survive both a
// collector restart and a TSDB volume loss.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/errs"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/tsdb"
)

// criticalMetrics is the fixed set backed up every cycle. Losing any of
// these on restart means weeks of validation-agreement history vanish.
var criticalMetrics = []string{
	"validations_total",
	"validation_agreements_1h",
	"validation_missed_1h",
	"validation_agreements_24h",
	"validation_missed_24h",
}

// fileRecord is the on-disk shape of <state_dir>/<metric>.json.
type fileRecord struct {
	Value     float64                `json:"value"`
	Timestamp float64                `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager owns the backup directory and health bookkeeping.
type Manager struct {
	writer   *tsdb.Writer
	stateDir string
	log      *zap.SugaredLogger

	mu            sync.Mutex
	healthStatus  float64
	lastSaveTime  time.Time
	saveFailures  int
}

// New builds a Manager rooted at stateDir. Call ValidateDirectory before
// using it; an unwritable directory is a fatal startup condition.
func New(writer *tsdb.Writer, stateDir string, log *zap.SugaredLogger) *Manager {
	return &Manager{writer: writer, stateDir: stateDir, log: log, healthStatus: 1}
}

// ValidateDirectory creates stateDir if missing and confirms it is
// writable by writing and deleting a probe file. Per §4.8 this is a
// fatal check: callers should treat a non-nil error as reason to exit.
func (m *Manager) ValidateDirectory() error {
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating state directory %s: %v", errs.ErrFatal, m.stateDir, err)
	}

	probe := filepath.Join(m.stateDir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
		return fmt.Errorf("%w: state directory %s is not writable: %v", errs.ErrFatal, m.stateDir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("%w: cleaning up write probe in %s: %v", errs.ErrFatal, m.stateDir, err)
	}

	m.log.Infow("state directory validated", "dir", m.stateDir)
	return nil
}

// SaveState writes metricName's value to both layers: a TSDB gauge
// labeled {metric, type="server_state_backup"}, and a JSON file. A
// failure in either layer counts toward the degraded/failed health
// threshold.
func (m *Manager) SaveState(ctx context.Context, metricName string, value float64, metadata map[string]interface{}) {
	nowMS := time.Now().UnixMilli()
	sample := model.NewSample("xrpl_state_backup", value, nowMS, model.KindGauge,
		"metric", metricName, "type", "server_state_backup")

	tsdbErr := m.writer.Write(ctx, sample, false)

	record := fileRecord{Value: value, Timestamp: float64(time.Now().UnixNano()) / 1e9, Metadata: metadata}
	encoded, jsonErr := json.MarshalIndent(record, "", "  ")
	if jsonErr == nil {
		jsonErr = os.WriteFile(filepath.Join(m.stateDir, metricName+".json"), encoded, 0o644)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tsdbErr != nil || jsonErr != nil {
		m.saveFailures++
		m.log.Warnw("state save encountered a failure", "metric", metricName, "tsdb_error", tsdbErr, "file_error", jsonErr)
		switch {
		case m.saveFailures >= 3:
			m.healthStatus = 0
		default:
			m.healthStatus = 0.5
		}
		return
	}
	m.saveFailures = 0
	m.healthStatus = 1
	m.lastSaveTime = time.Now()
}

// RecoverState tries the TSDB backup first, then the JSON file, per
// §4.8's "TSDB backup first, JSON file second" recovery preference.
func (m *Manager) RecoverState(ctx context.Context, metricName string) (float64, bool) {
	if v, ok := m.recoverFromTSDB(ctx, metricName); ok {
		m.log.Infow("recovered state from tsdb", "metric", metricName, "value", v)
		return v, true
	}
	if v, ok := m.recoverFromFile(metricName); ok {
		m.log.Infow("recovered state from file", "metric", metricName, "value", v)
		return v, true
	}
	m.log.Infow("no backup found, starting fresh", "metric", metricName)
	return 0, false
}

func (m *Manager) recoverFromTSDB(ctx context.Context, metricName string) (float64, bool) {
	query := fmt.Sprintf(`xrpl_state_backup{metric="%s", type="server_state_backup"}`, metricName)
	res, err := m.writer.Query(ctx, query)
	if err != nil {
		return 0, false
	}
	return tsdb.ScalarValue(res)
}

func (m *Manager) recoverFromFile(metricName string) (float64, bool) {
	data, err := os.ReadFile(filepath.Join(m.stateDir, metricName+".json"))
	if err != nil {
		return 0, false
	}
	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return 0, false
	}
	return record.Value, true
}

// BackupCriticalMetrics queries each of criticalMetrics' current values
// from the TSDB and writes them through SaveState, stripping the
// "xrpl_" prefix for cleaner backup filenames (mirrors the source
// system's backup naming).
func (m *Manager) BackupCriticalMetrics(ctx context.Context) {
	for _, metricName := range criticalMetrics {
		v, ok := m.recoverFromTSDB(ctx, "xrpl_"+metricName)
		if !ok {
			res, err := m.writer.Query(ctx, "xrpl_"+metricName)
			if err != nil {
				continue
			}
			v, ok = tsdb.ScalarValue(res)
			if !ok {
				continue
			}
		}
		m.SaveState(ctx, metricName, v, nil)
	}
}

// EmitHealthMetrics writes the three §4.8 health samples.
func (m *Manager) EmitHealthMetrics(ctx context.Context) error {
	m.mu.Lock()
	health := m.healthStatus
	lastSave := m.lastSaveTime
	failures := m.saveFailures
	m.mu.Unlock()

	nowMS := time.Now().UnixMilli()
	var lastSaveUnix float64
	if !lastSave.IsZero() {
		lastSaveUnix = float64(lastSave.Unix())
	}

	samples := []model.Sample{
		model.NewSample("xrpl_state_health", health, nowMS, model.KindGauge, "status", healthLabel(health)),
		model.NewSample("xrpl_state_last_save_timestamp", lastSaveUnix, nowMS, model.KindGauge),
		model.NewSample("xrpl_state_save_failures_total", float64(failures), nowMS, model.KindCounter),
	}
	return m.writer.WriteBatch(ctx, samples, false)
}

func healthLabel(health float64) string {
	switch {
	case health >= 1:
		return "ok"
	case health >= 0.5:
		return "degraded"
	default:
		return "failed"
	}
}

// IsStale reports whether more than 600s have passed since the last
// successful save (and at least one save has happened).
func (m *Manager) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSaveTime.IsZero() {
		return false
	}
	return time.Since(m.lastSaveTime) > 600*time.Second
}

// Run backs up critical metrics and emits health samples every interval
// until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BackupCriticalMetrics(ctx)
			if err := m.EmitHealthMetrics(ctx); err != nil {
				m.log.Warnw("failed to emit state health metrics", "error", err)
			}
			if m.IsStale() {
				m.log.Warnw("state backup is stale", "last_save", m.lastSaveTime)
			}
		}
	}
}
