package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/web3guy0/spikebot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION PAYLOADS - Strict schema at the system boundary
// ═══════════════════════════════════════════════════════════════════════════════
//
// Upstream reasoning (out of scope here) hands the engine a JSON decision.
// It is decoded strictly once: unknown fields, bad actions and out-of-range
// values all fail with ErrMalformedDecisionPayload, and the engine falls back
// to the single safe default - hold, no position change.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Action is the decision verb.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision is the validated decision payload.
type Decision struct {
	Action        Action  `json:"action"`
	Symbol        string  `json:"symbol"`
	Confidence    float64 `json:"confidence"`
	StopLossBps   uint32  `json:"stop_loss_bps"`
	TakeProfitBps uint32  `json:"take_profit_bps"`
}

// ParseDecision decodes and validates a raw decision payload.
func ParseDecision(data []byte) (Decision, error) {
	var d Decision
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("decode: %v: %w", err, types.ErrMalformedDecisionPayload)
	}
	if dec.More() {
		return Decision{}, fmt.Errorf("trailing data: %w", types.ErrMalformedDecisionPayload)
	}
	if err := d.validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (d Decision) validate() error {
	switch d.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return fmt.Errorf("action %q: %w", d.Action, types.ErrMalformedDecisionPayload)
	}
	if d.Symbol == "" {
		return fmt.Errorf("empty symbol: %w", types.ErrMalformedDecisionPayload)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]: %w", d.Confidence, types.ErrMalformedDecisionPayload)
	}
	if d.Action != ActionHold {
		if d.StopLossBps < types.MinStopLossBps || d.StopLossBps > types.MaxStopLossBps {
			return fmt.Errorf("stop loss %d bps: %w", d.StopLossBps, types.ErrMalformedDecisionPayload)
		}
		if d.TakeProfitBps < types.TakeProfitFactor*d.StopLossBps {
			return fmt.Errorf("take profit %d bps below %dx stop loss: %w",
				d.TakeProfitBps, types.TakeProfitFactor, types.ErrMalformedDecisionPayload)
		}
	}
	return nil
}

// HoldDecision is the fallback applied when a payload fails validation.
func HoldDecision(symbol string) Decision {
	return Decision{Action: ActionHold, Symbol: symbol}
}
