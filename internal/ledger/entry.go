package ledger

import (
	"github.com/petralabs/riskgate/internal/crypto"
)

// GenesisHash is the fixed prev_hash of the first entry.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Event types appended by the governance core.
const (
	EventPolicyDecision     = "policy_decision"
	EventApprovalRequested  = "approval_requested"
	EventApprovalGranted    = "approval_granted"
	EventApprovalRejected   = "approval_rejected"
	EventActionExecuted     = "action_executed"
	EventActionFailed       = "action_failed"
	EventKillSwitchEngaged  = "kill_switch_engaged"
	EventKillSwitchReset    = "kill_switch_reset"
	EventTickFailed         = "tick_failed"
	EventDayRollover        = "day_rollover"
	EventCheckpoint         = "ledger_checkpoint"
)

// Entry is one immutable ledger record. Hash covers every field except
// itself: H(prev_hash || canonical(entry minus hash)).
type Entry struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// ComputeHash recomputes the chain hash for e from its hashed fields.
func ComputeHash(e Entry) (string, error) {
	body := map[string]any{
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp,
		"event_type": e.EventType,
		"actor":      e.Actor,
		"details":    e.Details,
		"prev_hash":  e.PrevHash,
	}
	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return "", err
	}
	input := make([]byte, 0, len(e.PrevHash)+len(canonical))
	input = append(input, e.PrevHash...)
	input = append(input, canonical...)
	return crypto.DigestWithPrefix(input), nil
}
