// Package rbac maps organization roles to the actions they may perform on
// each subject.
package rbac

import (
	"context"
	"fmt"
	"strings"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
)

// Role is an organization membership role.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleNoAccess Role = "no_access"
)

// Action is an operation on a subject.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
)

// Subject is a permission-scoped resource.
type Subject string

const (
	SubjectSSO     Subject = "sso"
	SubjectBilling Subject = "billing"
)

type grant struct {
	action  Action
	subject Subject
}

var rolePermissions = map[Role][]grant{
	RoleOwner: {
		{ActionRead, SubjectSSO}, {ActionCreate, SubjectSSO}, {ActionEdit, SubjectSSO},
		{ActionRead, SubjectBilling}, {ActionCreate, SubjectBilling}, {ActionEdit, SubjectBilling},
	},
	RoleAdmin: {
		{ActionRead, SubjectSSO}, {ActionCreate, SubjectSSO}, {ActionEdit, SubjectSSO},
		{ActionRead, SubjectBilling},
	},
	RoleMember: {
		{ActionRead, SubjectSSO},
	},
	RoleNoAccess: nil,
}

// ParseRole normalizes a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := rolePermissions[role]; !ok {
		return "", ierrors.Invalid("unknown role %q", raw)
	}
	return role, nil
}

// Can reports whether role may perform action on subject.
func Can(role Role, action Action, subject Subject) bool {
	for _, g := range rolePermissions[role] {
		if g.action == action && g.subject == subject {
			return true
		}
	}
	return false
}

// RoleLookup resolves a user's role in an organization. A user with no
// membership resolves to RoleNoAccess.
type RoleLookup interface {
	Role(ctx context.Context, orgID, userID string) (Role, error)
}

// Authorizer makes access control decisions against a RoleLookup.
type Authorizer struct {
	roles RoleLookup
}

// NewAuthorizer creates an authorizer over roles.
func NewAuthorizer(roles RoleLookup) *Authorizer {
	return &Authorizer{roles: roles}
}

// Check returns nil if userID may perform action on subject in orgID, an
// error wrapping ErrPermissionDenied if not, or the lookup error.
func (a *Authorizer) Check(ctx context.Context, orgID, userID string, action Action, subject Subject) error {
	allowed, err := a.Allowed(ctx, orgID, userID, action, subject)
	if err != nil {
		return err
	}
	if !allowed {
		return ierrors.Denied(string(action), string(subject))
	}
	return nil
}

// Allowed is Check without the denial error.
func (a *Authorizer) Allowed(ctx context.Context, orgID, userID string, action Action, subject Subject) (bool, error) {
	if a == nil || a.roles == nil {
		return false, nil
	}
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	role, err := a.roles.Role(ctx, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("resolve role: %w", err)
	}
	return Can(role, action, subject), nil
}

// StaticRoles is a fixed role table keyed by org then user. Used by tests
// and single-tenant setups.
type StaticRoles map[string]map[string]Role

// Role implements RoleLookup.
func (s StaticRoles) Role(_ context.Context, orgID, userID string) (Role, error) {
	if role, ok := s[orgID][userID]; ok {
		return role, nil
	}
	return RoleNoAccess, nil
}
