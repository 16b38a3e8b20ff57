package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage marks a durable-write failure. The caller must treat the
	// triggering action as not having occurred.
	ErrStorage = errors.New("ledger storage fault")

	// ErrIntegrity marks a hash-chain mismatch detected on verification.
	// Not recoverable locally; requires operator intervention.
	ErrIntegrity = errors.New("ledger integrity fault")

	ErrSequenceRange = errors.New("sequence range out of bounds")
)

// IntegrityError identifies the first divergent sequence number.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity fault at sequence %d: %s", e.Sequence, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
