package types

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// Alert is immutable once created.
type Alert struct {
	ID        string         `json:"id"`
	Level     AlertLevel     `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Rank orders levels for threshold comparisons (info < warning < error < critical).
func (l AlertLevel) Rank() int {
	switch l {
	case AlertInfo:
		return 0
	case AlertWarning:
		return 1
	case AlertError:
		return 2
	case AlertCritical:
		return 3
	default:
		return -1
	}
}
