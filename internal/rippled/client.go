// Package rippled owns the single persistent WebSocket session to the
// validator node plus its companion HTTP JSON-RPC client (C2). It is the
// only place that speaks the validator's wire protocol.
package rippled

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/errs"
	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/model"
)

// ConnState is one state of the §4.2 reconnection state machine:
// Disconnected -> Connecting -> Connected -> (Listening <-> Probing) ->
// Degraded -> Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateListening
	StateProbing
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateProbing:
		return "probing"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// reconnectDelays is the backoff sequence indexed by
// min(attempt-1, len-1), per §4.2.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// HandlerSet is the dispatch table Listen/Run routes decoded Events to.
// Each field is optional; a nil handler silently drops that event kind
// (still counted in message statistics).
type HandlerSet struct {
	OnLedgerClosed       func(LedgerClosed)
	OnServerStatus       func(ServerStatus)
	OnValidationReceived func(ValidationReceived)
	OnUnknown            func(UnknownEvent)
}

// Options configures timeouts and reconnect policy.
type Options struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	MaxHeartbeatMisses    int
	MaxReconnectAttempts  int
	AutoReconnect         bool
	RequestTimeout        time.Duration
	HTTPRequestTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Second
	}
	if o.MaxHeartbeatMisses <= 0 {
		o.MaxHeartbeatMisses = 3
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.HTTPRequestTimeout <= 0 {
		o.HTTPRequestTimeout = 5 * time.Second
	}
	o.AutoReconnect = true
	return o
}

// pendingCall tracks one in-flight request awaiting its id-correlated
// response frame.
type pendingCall struct {
	resp chan json.RawMessage
}

// Client owns exactly one WebSocket connection and one companion HTTP
// JSON-RPC client, per §4.2.
type Client struct {
	wsURL   string
	httpURL string
	opts    Options
	log     *zap.SugaredLogger

	dialer *websocket.Dialer
	http   *http.Client

	mu                sync.Mutex
	conn              *websocket.Conn
	connGeneration    int64
	state             ConnState
	subscribedStreams []string
	reconnectAttempts int
	heartbeatFailures int
	lastHeartbeatTime time.Time
	lastMessageTime   time.Time
	messageCount      int64
	nextReqID         int64
	pending           map[int64]pendingCall

	fatal int32 // atomic bool: set once reconnect attempts are exhausted
}

// New builds a Client against the given WebSocket and HTTP base URLs.
func New(wsURL, httpURL string, opts Options, log *zap.SugaredLogger) *Client {
	opts = opts.withDefaults()
	return &Client{
		wsURL:   wsURL,
		httpURL: httpURL,
		opts:    opts,
		log:     log,
		dialer:  websocket.DefaultDialer,
		http:    &http.Client{Timeout: opts.HTTPRequestTimeout},
		pending: make(map[int64]pendingCall),
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connect dials the WebSocket once. Caller holds no lock.
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dialing %s: %v", errs.ErrTransient, c.wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connGeneration++
	c.reconnectAttempts = 0
	c.heartbeatFailures = 0
	c.state = StateConnected
	c.mu.Unlock()

	return nil
}

// Disconnect closes the current connection, if any.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Subscribe sends a subscribe RPC for the given streams and records them
// for replay after a reconnect.
func (c *Client) Subscribe(ctx context.Context, streams []string) error {
	_, err := c.request(ctx, "subscribe", map[string]interface{}{"streams": streams})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subscribedStreams = append([]string(nil), streams...)
	c.mu.Unlock()
	return nil
}

// forceClose closes the active socket (heartbeat watchdog tripping, or a
// test). It only affects the connection matching generation, so a
// stale heartbeat goroutine from a superseded connection is a no-op.
func (c *Client) forceClose(generation int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connGeneration != generation || c.conn == nil {
		return
	}
	c.conn.Close()
}

// Run is the cooperative supervisor loop for this client: connect,
// subscribe, listen, and on any disconnect reconnect with backoff and
// replay the recorded subscription list, until ctx is cancelled or
// reconnect attempts are exhausted (a fatal, errs.ErrFatal-wrapped
// condition the caller — the process supervisor, C8 — may escalate).
func (c *Client) Run(ctx context.Context, streams []string, handlers HandlerSet) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.connect(ctx); err != nil {
			if !c.bumpReconnectAndMaybeWait(ctx) {
				return c.exhaustedErr()
			}
			continue
		}

		// The receive loop must already be running: it is what delivers
		// the subscribe response to request().
		generation := c.currentGeneration()
		listenDone := make(chan error, 1)
		go func() { listenDone <- c.receiveLoop(ctx, generation, handlers) }()

		if err := c.Subscribe(ctx, streams); err != nil {
			c.log.Warnw("subscribe failed after connect", "error", err)
			c.Disconnect()
			<-listenDone
			if !c.bumpReconnectAndMaybeWait(ctx) {
				return c.exhaustedErr()
			}
			continue
		}

		heartbeatDone := make(chan struct{})
		go c.heartbeatLoop(ctx, generation, heartbeatDone)

		c.setState(StateListening)
		listenErr := <-listenDone
		<-heartbeatDone

		if ctx.Err() != nil {
			return nil
		}

		c.log.Warnw("connection lost, entering reconnect logic", "error", listenErr)
		c.setState(StateDegraded)
		if !c.bumpReconnectAndMaybeWait(ctx) {
			return c.exhaustedErr()
		}
	}
}

func (c *Client) currentGeneration() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connGeneration
}

// bumpReconnectAndMaybeWait increments the attempt counter, sleeps the
// indexed backoff delay (cooperatively, respecting ctx), and reports
// whether another attempt should be made.
func (c *Client) bumpReconnectAndMaybeWait(ctx context.Context) bool {
	c.mu.Lock()
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	if attempt > c.opts.MaxReconnectAttempts {
		return false
	}

	idx := attempt - 1
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	delay := reconnectDelays[idx]

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) exhaustedErr() error {
	atomic.StoreInt32(&c.fatal, 1)
	return fmt.Errorf("%w: reconnect attempts exhausted after %d tries", errs.ErrFatal, c.opts.MaxReconnectAttempts)
}

// IsFatal reports whether Run returned because reconnect attempts were
// exhausted.
func (c *Client) IsFatal() bool {
	return atomic.LoadInt32(&c.fatal) == 1
}

// receiveLoop consumes inbound frames in wire order and dispatches them
// to handlers. Cancellation is cooperative: ctx cancellation (which closes
// this generation's socket) or a forced close both unblock ReadMessage
// with an error, which ends the loop.
func (c *Client) receiveLoop(ctx context.Context, generation int64, handlers HandlerSet) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.forceClose(generation)
		case <-stop:
		}
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("%w: connection closed", errs.ErrTransient)
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", errs.ErrTransient, err)
		}

		c.mu.Lock()
		c.messageCount++
		c.lastMessageTime = time.Now()
		c.mu.Unlock()

		if c.tryDispatchResponse(raw) {
			continue
		}

		event, err := decodeEvent(raw)
		if err != nil {
			c.log.Debugw("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(event, handlers)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// tryDispatchResponse checks whether raw is a correlated response to an
// outstanding request (it carries an "id" this client is waiting on) and
// delivers it. Returns true if it was consumed as a response.
func (c *Client) tryDispatchResponse(raw []byte) bool {
	var withID struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &withID); err != nil || withID.ID == nil {
		return false
	}

	c.mu.Lock()
	call, ok := c.pending[*withID.ID]
	if ok {
		delete(c.pending, *withID.ID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	call.resp <- json.RawMessage(raw)
	return true
}

func (c *Client) dispatch(event Event, handlers HandlerSet) {
	switch e := event.(type) {
	case LedgerClosed:
		if handlers.OnLedgerClosed != nil {
			handlers.OnLedgerClosed(e)
		}
	case ServerStatus:
		if handlers.OnServerStatus != nil {
			handlers.OnServerStatus(e)
		}
	case ValidationReceived:
		if handlers.OnValidationReceived != nil {
			handlers.OnValidationReceived(e)
		}
	case UnknownEvent:
		c.log.Debugw("ignoring unknown stream message type", "type", e.Type)
		if handlers.OnUnknown != nil {
			handlers.OnUnknown(e)
		}
	}
}

// request sends a WebSocket command and awaits its id-correlated response,
// subject to opts.RequestTimeout.
func (c *Client) request(ctx context.Context, command string, params map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", errs.ErrTransient)
	}
	c.nextReqID++
	id := c.nextReqID
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = pendingCall{resp: ch}
	c.mu.Unlock()

	msg := map[string]interface{}{"id": id, "command": command}
	for k, v := range params {
		msg[k] = v
	}

	if err := conn.WriteJSON(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: writing request: %v", errs.ErrTransient, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp, nil
	case <-reqCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request %q timed out", errs.ErrTransient, command)
	}
}

// heartbeatLoop issues periodic pings and forces a reconnect after
// MaxHeartbeatMisses consecutive failures.
func (c *Client) heartbeatLoop(ctx context.Context, generation int64, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.currentGeneration() != generation {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatTimeout)
			_, err := c.request(pingCtx, "ping", nil)
			cancel()

			c.mu.Lock()
			if err == nil {
				c.lastHeartbeatTime = time.Now()
				c.heartbeatFailures = 0
			} else {
				c.heartbeatFailures++
			}
			misses := c.heartbeatFailures
			c.mu.Unlock()

			if err != nil {
				c.log.Warnw("heartbeat failed", "consecutive_misses", misses, "error", err)
			}
			if misses >= c.opts.MaxHeartbeatMisses {
				c.log.Errorw("heartbeat misses exceeded threshold, forcing reconnect", "misses", misses)
				c.forceClose(generation)
				return
			}
		}
	}
}

// EmitHealthMetrics returns the connection-health sample set described in
// §4.2: connection state, healthy flag, heartbeat failures, reconnect
// attempts, message count, and last-message age.
func (c *Client) EmitHealthMetrics(nowMS int64) []model.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := 0.0
	if c.state == StateListening || c.state == StateConnected {
		healthy = 1.0
	}

	lastMessageAge := 0.0
	if !c.lastMessageTime.IsZero() {
		lastMessageAge = time.Since(c.lastMessageTime).Seconds()
	}

	return []model.Sample{
		model.NewSample("xrpl_collector_connection_state", float64(c.state), nowMS, model.KindGauge),
		model.NewSample("xrpl_collector_healthy", healthy, nowMS, model.KindGauge),
		model.NewSample("xrpl_collector_heartbeat_failures", float64(c.heartbeatFailures), nowMS, model.KindGauge),
		model.NewSample("xrpl_collector_reconnect_attempts", float64(c.reconnectAttempts), nowMS, model.KindGauge),
		model.NewSample("xrpl_collector_message_count_total", float64(c.messageCount), nowMS, model.KindCounter),
		model.NewSample("xrpl_collector_last_message_age_seconds", lastMessageAge, nowMS, model.KindGauge),
	}
}

// SubscribedStreams returns the streams currently recorded for replay.
func (c *Client) SubscribedStreams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribedStreams...)
}

// --- HTTP JSON-RPC companion -------------------------------------------------

// httpRPC issues a single JSON-RPC request over the companion HTTP
// channel: {method, params:[{...}]} in, {result:{...}} out.
func (c *Client) httpRPC(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	body := RPCRequest{Method: method, Params: []interface{}{params}}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding rpc request: %v", errs.ErrProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, strings.NewReader(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("%w: building rpc request: %v", errs.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: rpc http status %d", errs.ErrTransient, resp.StatusCode)
	}

	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding rpc envelope: %v", errs.ErrProtocol, err)
	}
	return env.Result, nil
}

// GetServerInfo calls server_info over the HTTP companion channel.
func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfoResult, error) {
	raw, err := c.httpRPC(ctx, "server_info", nil)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Info ServerInfoResult `json:"info"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding server_info: %v", errs.ErrProtocol, err)
	}
	return &wrapper.Info, nil
}

// GetServerState calls server_state over the HTTP companion channel.
func (c *Client) GetServerState(ctx context.Context) (*ServerStateResult, error) {
	raw, err := c.httpRPC(ctx, "server_state", nil)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		State ServerStateResult `json:"state"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding server_state: %v", errs.ErrProtocol, err)
	}
	return &wrapper.State, nil
}

// GetPeers calls peers over the HTTP companion channel.
func (c *Client) GetPeers(ctx context.Context) ([]PeerSummary, error) {
	raw, err := c.httpRPC(ctx, "peers", nil)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Peers []PeerSummary `json:"peers"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decoding peers: %v", errs.ErrProtocol, err)
	}
	return wrapper.Peers, nil
}
