package types

type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// PolicyOutcome is the terminal result of evaluating one Action. Reasons
// lists every rule that triggered, in evaluation order; the first entry is
// the rule that decided the outcome.
type PolicyOutcome struct {
	Decision    Decision `json:"decision"`
	Reasons     []string `json:"reasons,omitempty"`
	EvaluatedAt string   `json:"evaluated_at"`
}

func (o PolicyOutcome) Allowed() bool {
	return o.Decision == DecisionAllow
}
