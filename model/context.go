package model

import (
	"context"
	"errors"
)

// RequestContext carries the caller identity for one authenticated request.
// It is built by the auth middleware and is read-only afterwards.
type RequestContext struct {
	SubjectID     string
	Email         string
	Namespace     string
	Department    string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that the subject is known.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// SystemActor is the actor id recorded for actions taken by the service itself.
const SystemActor = "system"
