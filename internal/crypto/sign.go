package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidDigestLen is returned when a signing input is not a SHA-256
// digest.
var ErrInvalidDigestLen = errors.New("invalid digest length")

// DigestBytes returns the raw SHA-256 digest of data. Checkpoint signing
// operates on these bytes.
func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestWithPrefix digests data and renders it in the "sha256:<hex>" form
// the ledger chain stores.
func DigestWithPrefix(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SignEd25519 signs a SHA-256 digest. Anything that is not exactly digest
// sized is rejected so callers cannot sign a raw payload by mistake.
func SignEd25519(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	return ed25519.Sign(privateKey, digest), nil
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature over digest.
func VerifyEd25519(publicKey ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	return ed25519.Verify(publicKey, digest, sig), nil
}
