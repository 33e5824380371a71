package auth

import (
	"context"
	"net/http"
	"strings"
)

// CompoundAuthEngine accepts a request when any of its engines does.
type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// NewTokenAuthEngine accepts any of the comma-separated bearer tokens, so a
// token can be rotated without downtime.
func NewTokenAuthEngine(tokens string) *CompoundAuthEngine {
	var engines []AuthEngine
	for token := range strings.SplitSeq(tokens, ",") {
		if token = strings.TrimSpace(token); token != "" {
			engines = append(engines, NewBearerAuthEngine(token))
		}
	}
	return NewCompoundAuthEngine(engines...)
}

// AuthenticateRequest returns the User of the first engine that accepts the
// request, nil otherwise.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	for _, engine := range e.engines {
		if user, err := engine.AuthenticateRequest(ctx, r); user != nil && err == nil {
			return user, nil
		}
	}

	return nil, nil
}
