package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcourtman/pulse-sso/internal/rbac"
)

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetUser(ctx))

	ctx = WithUser(ctx, "alice")
	assert.Equal(t, "alice", GetUser(ctx))
}

func TestAllowAll(t *testing.T) {
	var a Authorizer = AllowAll{}
	assert.NoError(t, a.Check(context.Background(), "org-1", "", rbac.ActionEdit, rbac.SubjectBilling))
}
