package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/paygate/auth"
	"github.com/upb/paygate/internal/policy"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for JWT claims
	ClaimsKey contextKey = "claims"

	// DecisionKey is the context key for the admission decision
	DecisionKey contextKey = "decision"
)

// GetRequestIDFromContext retrieves the request ID from context, falling
// back to the id set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetDecisionFromContext retrieves the admission decision of an admitted request
func GetDecisionFromContext(ctx context.Context) (policy.Decision, bool) {
	d, ok := ctx.Value(DecisionKey).(policy.Decision)
	return d, ok
}

// WithDecision adds the admission decision to the context
func WithDecision(ctx context.Context, d policy.Decision) context.Context {
	return context.WithValue(ctx, DecisionKey, d)
}
