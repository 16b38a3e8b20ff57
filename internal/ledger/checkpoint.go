package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/petralabs/riskgate/internal/crypto"
)

// Signer signs ledger checkpoint digests.
type Signer interface {
	KeyID() string
	SignEd25519(digest []byte) ([]byte, error)
}

// KeySigner is a Signer backed by an in-memory Ed25519 private key.
type KeySigner struct {
	ID   string
	Priv ed25519.PrivateKey
}

func (s KeySigner) KeyID() string { return s.ID }

func (s KeySigner) SignEd25519(digest []byte) ([]byte, error) {
	return crypto.SignEd25519(s.Priv, digest)
}

func checkpointDigest(headSeq uint64, headHash, signedAt string) ([]byte, error) {
	body := map[string]any{
		"head_sequence": headSeq,
		"head_hash":     headHash,
		"signed_at":     signedAt,
	}
	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return nil, err
	}
	return crypto.DigestBytes(canonical), nil
}

// Checkpoint signs the current head and appends a ledger_checkpoint entry
// carrying the signature, anchoring the chain to a key held outside the
// ledger file.
func (l *Ledger) Checkpoint(actor string, signer Signer) (Entry, error) {
	if signer == nil {
		return Entry{}, fmt.Errorf("%w: no checkpoint signer configured", ErrStorage)
	}

	headSeq, headHash := l.Head()
	signedAt := l.now().UTC().Format(time.RFC3339Nano)

	digest, err := checkpointDigest(headSeq, headHash, signedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: checkpoint digest: %v", ErrStorage, err)
	}
	sig, err := signer.SignEd25519(digest)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: checkpoint sign: %v", ErrStorage, err)
	}

	return l.Append(EventCheckpoint, actor, map[string]any{
		"head_sequence": headSeq,
		"head_hash":     headHash,
		"signed_at":     signedAt,
		"key_id":        signer.KeyID(),
		"signature":     base64.StdEncoding.EncodeToString(sig),
	})
}

// VerifyCheckpoint validates the signature inside a ledger_checkpoint entry.
func VerifyCheckpoint(entry Entry, publicKey ed25519.PublicKey) error {
	if entry.EventType != EventCheckpoint {
		return fmt.Errorf("entry %d is not a checkpoint", entry.Sequence)
	}

	headSeq, err := detailUint(entry.Details, "head_sequence")
	if err != nil {
		return err
	}
	headHash, _ := entry.Details["head_hash"].(string)
	signedAt, _ := entry.Details["signed_at"].(string)
	sigB64, _ := entry.Details["signature"].(string)

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("checkpoint signature encoding: %w", err)
	}

	digest, err := checkpointDigest(headSeq, headHash, signedAt)
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyEd25519(publicKey, digest, sig)
	if err != nil {
		return err
	}
	if !ok {
		return &IntegrityError{Sequence: entry.Sequence, Reason: "checkpoint signature invalid"}
	}
	return nil
}

func detailUint(details map[string]any, key string) (uint64, error) {
	switch v := details[key].(type) {
	case uint64:
		return v, nil
	case int:
		return uint64(v), nil
	case interface{ Int64() (int64, error) }: // json.Number
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("detail %q: %w", key, err)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("detail %q missing or non-numeric", key)
	}
}
