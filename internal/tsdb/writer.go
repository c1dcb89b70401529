// Package tsdb implements the batching exposition-format writer (C1) that
// pushes MetricSample values into a VictoriaMetrics-compatible TSDB, plus
// the thin pass-through query client that C5's restart recovery and C8's
// state backup use.
package tsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/errs"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
)

// Options configures the writer's batching and retry behavior.
type Options struct {
	BaseURL        string
	BatchSize      int
	MaxRetries     int
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	return o
}

// Writer batches samples and flushes them to the TSDB's Prometheus import
// endpoint. write* calls never block on network I/O beyond the
// batch-size boundary; only Flush, a write with flushImmediately set,
// and a write that crosses the batch size can block on the HTTP round
// trip plus retries.
type Writer struct {
	opts Options
	http *http.Client
	log  *zap.SugaredLogger

	mu    sync.Mutex
	batch []model.Sample
}

// New constructs a Writer against a VictoriaMetrics-compatible base URL.
func New(opts Options, log *zap.SugaredLogger) *Writer {
	opts = opts.withDefaults()
	return &Writer{
		opts: opts,
		http: &http.Client{Timeout: opts.RequestTimeout},
		log:  log,
	}
}

// Write appends a single sample to the batch, flushing immediately if the
// batch has reached BatchSize or flushImmediately is set.
func (w *Writer) Write(ctx context.Context, s model.Sample, flushImmediately bool) error {
	return w.WriteBatch(ctx, []model.Sample{s}, flushImmediately)
}

// WriteBatch appends many samples at once under a single lock acquisition.
func (w *Writer) WriteBatch(ctx context.Context, samples []model.Sample, flushImmediately bool) error {
	w.mu.Lock()
	w.batch = append(w.batch, samples...)
	shouldFlush := flushImmediately || len(w.batch) >= w.opts.BatchSize
	var toSend []model.Sample
	if shouldFlush {
		toSend = w.batch
		w.batch = nil
	}
	w.mu.Unlock()

	if toSend == nil {
		return nil
	}
	return w.send(ctx, toSend)
}

// Flush forces any buffered samples out now. It may block up to
// timeout * maxRetries * backoff_sum per the §4.1 failure contract.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	toSend := w.batch
	w.batch = nil
	w.mu.Unlock()

	if len(toSend) == 0 {
		return nil
	}
	return w.send(ctx, toSend)
}

// send encodes the batch to exposition text and POSTs it with bounded
// exponential-backoff retry. On exhaustion the batch is discarded and an
// error is logged — liveness over durability on the hot path, per §4.1.
func (w *Writer) send(ctx context.Context, samples []model.Sample) error {
	lines := make([]string, len(samples))
	for i, s := range samples {
		lines[i] = s.Encode()
	}
	body := strings.Join(lines, "\n")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall clock

	attempt := 0
	operation := func() error {
		attempt++
		err := w.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		if attempt > w.opts.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, uint64(w.opts.MaxRetries))); err != nil {
		w.log.Errorw("discarding batch after retry exhaustion", "samples", len(samples), "error", err)
		return fmt.Errorf("%w: tsdb send failed after %d attempts: %v", errs.ErrTransient, attempt, err)
	}
	return nil
}

func (w *Writer) postOnce(ctx context.Context, body string) error {
	endpoint := strings.TrimRight(w.opts.BaseURL, "/") + "/api/v1/import/prometheus"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building tsdb request: %v", errs.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return fmt.Errorf("%w: tsdb returned status %d", errs.ErrTransient, resp.StatusCode)
}

// HealthCheck probes the TSDB's own health endpoint.
func (w *Writer) HealthCheck(ctx context.Context) bool {
	endpoint := strings.TrimRight(w.opts.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// QueryResult mirrors the Prometheus-compatible vector/matrix response
// envelope: {status, data:{resultType, result}}.
type QueryResult struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

// Query runs an instant vector query against the TSDB's query API.
func (w *Writer) Query(ctx context.Context, expr string) (*QueryResult, error) {
	return w.queryEndpoint(ctx, "/api/v1/query", url.Values{"query": {expr}})
}

// QueryAt runs an instant vector query evaluated at a specific past
// timestamp, used by the reconciliation engine's restart-detection check
// (§4.5.4), which compares xrpl_validator_uptime_seconds now vs 5 minutes
// ago.
func (w *Writer) QueryAt(ctx context.Context, expr string, at time.Time) (*QueryResult, error) {
	v := url.Values{
		"query": {expr},
		"time":  {strconv.FormatInt(at.Unix(), 10)},
	}
	return w.queryEndpoint(ctx, "/api/v1/query", v)
}

// ScalarValue extracts the first vector result's value as a float64, and
// reports whether a result was present at all. The TSDB's vector result
// shape is [{metric:{...}, value:[ts, "stringvalue"]}, ...].
func ScalarValue(res *QueryResult) (float64, bool) {
	if res == nil {
		return 0, false
	}
	var entries []struct {
		Value [2]interface{} `json:"value"`
	}
	if err := json.Unmarshal(res.Data.Result, &entries); err != nil || len(entries) == 0 {
		return 0, false
	}
	s, ok := entries[0].Value[1].(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// QueryRange runs a range (matrix) query against the TSDB's query API.
func (w *Writer) QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) (*QueryResult, error) {
	v := url.Values{
		"query": {expr},
		"start": {strconv.FormatInt(start.Unix(), 10)},
		"end":   {strconv.FormatInt(end.Unix(), 10)},
		"step":  {strconv.FormatFloat(step.Seconds(), 'f', -1, 64)},
	}
	return w.queryEndpoint(ctx, "/api/v1/query_range", v)
}

func (w *Writer) queryEndpoint(ctx context.Context, path string, v url.Values) (*QueryResult, error) {
	endpoint := strings.TrimRight(w.opts.BaseURL, "/") + path + "?" + v.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building query request: %v", errs.ErrProtocol, err)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tsdb query returned status %d", errs.ErrTransient, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("%w: reading query response: %v", errs.ErrTransient, err)
	}

	var out QueryResult
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: decoding query response: %v", errs.ErrProtocol, err)
	}
	return &out, nil
}

// PendingCount reports the number of unflushed samples, for tests and the
// health endpoint.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batch)
}
