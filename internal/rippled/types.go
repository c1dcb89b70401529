package rippled

// Event is the closed union of inbound stream messages this collector
// understands. Per §9's design note, dynamic dispatch on a wire "type"
// string is flattened into an exhaustive type switch over this interface
// rather than a registry of string-keyed handler funcs.
type Event interface {
	eventKind() string
}

// LedgerClosed is the ledgerClosed stream message (§6).
type LedgerClosed struct {
	LedgerIndex      uint32
	LedgerHash       string
	LedgerTimeRipple uint32 // ripple-epoch seconds
	FeeBaseDrops     uint64
	ReserveBaseDrops uint64
	ReserveIncDrops  uint64
	TxnCount         uint32
	ValidatedLedgers string
}

func (LedgerClosed) eventKind() string { return "ledgerClosed" }

// ServerStatus is the serverStatus stream message.
type ServerStatus struct {
	ServerStatus string
}

func (ServerStatus) eventKind() string { return "serverStatus" }

// ValidationReceived is the validationReceived stream message.
type ValidationReceived struct {
	ValidationPublicKey string
	MasterKey           string
	LedgerIndex         uint32
	LedgerHash          string
	Flags               uint32
}

func (ValidationReceived) eventKind() string { return "validationReceived" }

// UnknownEvent is what an unrecognized "type" field decodes to. It is a
// named variant, not silently dropped — the receive loop logs it and
// passes it to HandlerSet.OnUnknown when set. No separate count of
// ignored messages is kept.
type UnknownEvent struct {
	Type string
	Raw  []byte
}

func (UnknownEvent) eventKind() string { return "unknown" }

// wireEnvelope is the minimal shape every stream message shares: a "type"
// discriminator plus the rest of the fields, decoded lazily per type.
type wireEnvelope struct {
	Type string `json:"type"`

	LedgerIndex      uint32 `json:"ledger_index"`
	LedgerHash       string `json:"ledger_hash"`
	LedgerTime       uint32 `json:"ledger_time"`
	FeeBase          uint64 `json:"fee_base"`
	ReserveBase      uint64 `json:"reserve_base"`
	ReserveInc       uint64 `json:"reserve_inc"`
	TxnCount         uint32 `json:"txn_count"`
	ValidatedLedgers string `json:"validated_ledgers"`

	ServerStatusField string `json:"server_status"`

	ValidationPublicKey string `json:"validation_public_key"`
	MasterKey           string `json:"master_key"`
	Flags               uint32 `json:"flags"`
}

// RPCRequest is the JSON-RPC body rippled expects:
// {method, params:[{...}]}.
type RPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params,omitempty"`
}

// RPCResponse is the {result:{status, ...}} envelope. Result is left as
// RawMessage so typed wrappers (ServerInfo, Peers, ...) can decode just
// the fields they need.
type RPCResponse struct {
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
	RawResult []byte `json:"-"`
}

// ServerInfoResult is the subset of `server_info`'s result.info this
// collector reads.
type ServerInfoResult struct {
	BuildVersion      string  `json:"build_version"`
	ServerState       string  `json:"server_state"`
	ServerStateDurUs  int64   `json:"server_state_duration_us"`
	CompleteLedgers   string  `json:"complete_ledgers"`
	IOLatencyMs       int64   `json:"io_latency_ms"`
	LoadFactor        float64 `json:"load_factor"`
	PeerCount         int     `json:"peers"`
	PeerDisconnects   string  `json:"peer_disconnects"`
	PeerDisconnectsR  string  `json:"peer_disconnects_resources"`
	JqTransOverflow   string  `json:"jq_trans_overflow"`
	Uptime            int64   `json:"uptime"`
	PubkeyNode        string  `json:"pubkey_node"`
	PubkeyValidator   string  `json:"pubkey_validator"`
	AmendmentBlocked  bool    `json:"amendment_blocked"`
	ValidationQuorum  int     `json:"validation_quorum"`
	NetworkID         int     `json:"network_id"`
	ValidatorListExpi string  `json:"validator_list_expires"`
	LastClose         struct {
		ConvergeTimeS float64 `json:"converge_time_s"`
		Proposers     int     `json:"proposers"`
	} `json:"last_close"`
}

// PeerSummary is one entry of `peers`' result.peers.
type PeerSummary struct {
	Address     string  `json:"address"`
	PublicKey   string  `json:"public_key"`
	Version     string  `json:"version"`
	LatencyMs   float64 `json:"latency"`
	Inbound     bool    `json:"inbound"`
	SanityValue string  `json:"sanity"`
}

// ServerStateResult is the subset of `server_state`'s result.state this
// collector reads.
type ServerStateResult struct {
	StateAccounting map[string]struct {
		DurationUs  string `json:"duration_us"`
		Transitions string `json:"transitions"`
	} `json:"state_accounting"`
	ValidatedLedger struct {
		Seq uint32 `json:"seq"`
	} `json:"validated_ledger"`
	NodeSize               string `json:"node_size"`
	CompleteLedgers        string `json:"complete_ledgers"`
	InitialSyncDurationUs  string `json:"initial_sync_duration_us"`
}
