package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// DefaultUserHeader is set by the gateway after it has authenticated the caller.
const DefaultUserHeader = "X-User-ID"

var ErrNoIdentity = errors.New("no user identity in request")

type contextKey struct{}

// Verifier resolves the calling user from a request the gateway has
// already authenticated.
type Verifier struct {
	header string
}

func NewVerifier(header string) *Verifier {
	if header == "" {
		header = DefaultUserHeader
	}
	return &Verifier{header: http.CanonicalHeaderKey(header)}
}

// Header returns the canonical header name the verifier reads.
func (v *Verifier) Header() string {
	return v.header
}

func (v *Verifier) VerifyUser(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(v.header))
	if userID == "" {
		return "", ErrNoIdentity
	}
	return userID, nil
}

// WithUserID stores the user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the id stored by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}
