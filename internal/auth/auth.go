package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Authenticator interface {
	Authenticate(r *http.Request) error
}

// TokenAuthenticator checks requests against a single operator token. An
// empty token disables authentication, for local development only.
type TokenAuthenticator struct {
	Token string
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) error {
	if a.Token == "" {
		return nil
	}
	bearer, err := extractBearer(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.Token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 before they reach
// the handler.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Authenticate(r); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
