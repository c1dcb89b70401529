package rippled

import (
	"encoding/json"
	"fmt"

	"github.com/realgrapedrop/xrpl-validator-dashboard/internal/errs"
)

// decodeEvent parses one inbound WebSocket frame into the closed Event
// union. Unrecognized "type" values become UnknownEvent rather than an
// error — the caller counts and logs them but keeps listening.
func decodeEvent(raw []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding stream frame: %v", errs.ErrProtocol, err)
	}

	switch env.Type {
	case "ledgerClosed":
		return LedgerClosed{
			LedgerIndex:      env.LedgerIndex,
			LedgerHash:       env.LedgerHash,
			LedgerTimeRipple: env.LedgerTime,
			FeeBaseDrops:     env.FeeBase,
			ReserveBaseDrops: env.ReserveBase,
			ReserveIncDrops:  env.ReserveInc,
			TxnCount:         env.TxnCount,
			ValidatedLedgers: env.ValidatedLedgers,
		}, nil
	case "serverStatus":
		return ServerStatus{ServerStatus: env.ServerStatusField}, nil
	case "validationReceived":
		return ValidationReceived{
			ValidationPublicKey: env.ValidationPublicKey,
			MasterKey:           env.MasterKey,
			LedgerIndex:         env.LedgerIndex,
			LedgerHash:          env.LedgerHash,
			Flags:               env.Flags,
		}, nil
	default:
		return UnknownEvent{Type: env.Type, Raw: raw}, nil
	}
}
