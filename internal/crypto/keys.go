package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrInvalidSeedSize is returned when a seed is not ed25519.SeedSize bytes.
var ErrInvalidSeedSize = errors.New("invalid ed25519 seed size")

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return privateKey, publicKey, nil
}

// LoadOrCreateKeyPair loads an Ed25519 private key from path, generating and
// persisting a fresh seed (0600, hex-encoded) when the file does not exist.
// Used for ledger checkpoint signing.
func LoadOrCreateKeyPair(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(path, []byte("hex:"+hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
			return nil, nil, fmt.Errorf("persist signing seed: %w", err)
		}
		return KeyPairFromSeed(seed)
	}
	return LoadEd25519PrivateKey(path)
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a file.
// Supported formats:
// - raw 64-byte private key
// - raw 32-byte seed
// - hex or base64 encoding of either form, optionally "hex:"/"base64:" prefixed
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := decodeBytes(raw)
	if err != nil {
		return nil, nil, err
	}

	switch len(data) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(data)
		pub := priv.Public().(ed25519.PublicKey)
		return priv, pub, nil
	case ed25519.SeedSize:
		return KeyPairFromSeed(data)
	default:
		return nil, nil, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func decodeBytes(raw []byte) ([]byte, error) {
	trim := strings.TrimSpace(string(raw))
	if trim == "" {
		return nil, fmt.Errorf("empty key file")
	}
	if strings.HasPrefix(trim, "base64:") {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trim, "base64:"))
	}
	if strings.HasPrefix(trim, "hex:") {
		return hex.DecodeString(strings.TrimPrefix(trim, "hex:"))
	}

	// try raw bytes first (common when file is binary)
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}

	if out, err := hex.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	if out, err := base64.RawURLEncoding.DecodeString(trim); err == nil {
		return out, nil
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
