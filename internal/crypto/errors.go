package crypto

import "errors"

// Canonicalization errors. Floats are rejected outright: the ledger chain
// needs byte-stable encodings and float formatting is not one.
var (
	ErrFloatNotAllowed = errors.New("float values are not allowed")
	ErrNonStringMapKey = errors.New("map keys must be strings")
	ErrUnsupportedType = errors.New("unsupported type for canonicalization")
	ErrKeyCollision    = errors.New("normalized map key collision")
)
