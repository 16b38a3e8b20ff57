package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrValidation = errors.New("invalid action")

type ActionKind string

const (
	ActionOrderSubmit     ActionKind = "order_submit"
	ActionModelPromotion  ActionKind = "model_promotion"
	ActionRiskLimitChange ActionKind = "risk_limit_change"
	ActionUniverseChange  ActionKind = "universe_change"
)

// Action is a proposed operation subject to governance. Immutable once built.
type Action struct {
	Kind           ActionKind     `json:"kind"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	ProposedAt     string         `json:"proposed_at"`
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionOrderSubmit, ActionModelPromotion, ActionRiskLimitChange, ActionUniverseChange:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, a.Kind)
	}
	if a.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency_key", ErrValidation)
	}
	if a.ProposedAt == "" {
		return fmt.Errorf("%w: missing proposed_at", ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, a.ProposedAt); err != nil {
		return fmt.Errorf("%w: proposed_at is not RFC3339: %s", ErrValidation, a.ProposedAt)
	}
	if a.Kind == ActionOrderSubmit {
		if _, err := a.OrderIntent(); err != nil {
			return err
		}
	}
	return nil
}

func (a Action) IsOrder() bool {
	return a.Kind == ActionOrderSubmit
}

// IsGovernance reports whether the action changes system governance rather
// than submitting an order.
func (a Action) IsGovernance() bool {
	switch a.Kind {
	case ActionModelPromotion, ActionRiskLimitChange, ActionUniverseChange:
		return true
	default:
		return false
	}
}

// OrderIntent is the decoded payload of an order_submit action. Quantities
// and prices travel as decimal strings so evaluation never touches binary
// floats.
type OrderIntent struct {
	Symbol      string
	Side        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	ExpectedPnL decimal.Decimal
}

func (a Action) OrderIntent() (OrderIntent, error) {
	if a.Kind != ActionOrderSubmit {
		return OrderIntent{}, fmt.Errorf("%w: %s has no order intent", ErrValidation, a.Kind)
	}

	intent := OrderIntent{
		Symbol: payloadString(a.Payload, "symbol"),
		Side:   payloadString(a.Payload, "side"),
	}
	if intent.Symbol == "" {
		return OrderIntent{}, fmt.Errorf("%w: order payload missing symbol", ErrValidation)
	}
	if intent.Side != "buy" && intent.Side != "sell" {
		return OrderIntent{}, fmt.Errorf("%w: order side must be buy or sell, got %q", ErrValidation, intent.Side)
	}

	var err error
	if intent.Quantity, err = payloadDecimal(a.Payload, "quantity"); err != nil {
		return OrderIntent{}, err
	}
	if intent.Quantity.IsZero() {
		return OrderIntent{}, fmt.Errorf("%w: order quantity must be non-zero", ErrValidation)
	}
	if intent.Price, err = payloadDecimal(a.Payload, "price"); err != nil {
		return OrderIntent{}, err
	}
	if intent.Price.Sign() <= 0 {
		return OrderIntent{}, fmt.Errorf("%w: order price must be positive", ErrValidation)
	}

	// expected_pnl is optional; defaults to zero.
	if _, ok := a.Payload["expected_pnl"]; ok {
		if intent.ExpectedPnL, err = payloadDecimal(a.Payload, "expected_pnl"); err != nil {
			return OrderIntent{}, err
		}
	}
	return intent, nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, error) {
	raw := payloadString(payload, key)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: payload field %q must be a decimal string", ErrValidation, key)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: payload field %q: %s", ErrValidation, key, raw)
	}
	return d, nil
}
