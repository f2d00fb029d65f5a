package auth

import (
	"context"

	"github.com/rcourtman/pulse-sso/internal/rbac"
)

// Authorizer defines the interface for making access control decisions.
type Authorizer interface {
	// Check returns nil if the user may perform action on subject within
	// orgID. A refusal wraps ErrPermissionDenied; any other error means the
	// check itself failed.
	Check(ctx context.Context, orgID, userID string, action rbac.Action, subject rbac.Subject) error
}

type contextKey string

const (
	contextKeyUser contextKey = "user"
)

// WithUser adds a user ID to the context
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUser, userID)
}

// GetUser extracts the user ID from the context
func GetUser(ctx context.Context) string {
	if user, ok := ctx.Value(contextKeyUser).(string); ok {
		return user
	}
	return ""
}

// AllowAll is a pass-through implementation that allows everything.
// Used by single-operator deployments that have no membership data.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, string, rbac.Action, rbac.Subject) error {
	return nil
}

var _ Authorizer = (*rbac.Authorizer)(nil)
