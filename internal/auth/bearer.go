package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	BearerPrefix = "Bearer "
)

// BearerAuthEngine accepts requests carrying a single shared token, the way
// Turborepo clients send TURBO_TOKEN.
type BearerAuthEngine struct {
	Token string
}

// NewBearerAuthEngine creates a BearerAuthEngine for token. An empty token
// rejects every request.
func NewBearerAuthEngine(token string) *BearerAuthEngine {
	return &BearerAuthEngine{Token: token}
}

// AuthenticateRequest checks the Authorization header for the configured
// bearer token.
func (e *BearerAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if e.Token == "" {
		return nil, nil
	}

	header := r.Header.Get("Authorization")
	if len(header) < len(BearerPrefix) || !strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
		return nil, nil
	}

	token := strings.TrimSpace(header[len(BearerPrefix):])
	if subtle.ConstantTimeCompare([]byte(token), []byte(e.Token)) != 1 {
		return nil, nil
	}

	return &User{ID: "turbo"}, nil
}
