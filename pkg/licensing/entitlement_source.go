package licensing

import (
	"context"
	"errors"
)

// ErrEntitlementUnavailable is returned by live lookups when the billing
// backend cannot be reached. Cached lookups never surface it.
var ErrEntitlementUnavailable = errors.New("entitlements unavailable")

// EntitlementSource provides the entitlement snapshot for an organization.
type EntitlementSource interface {
	Entitlements(ctx context.Context, orgID string) (Snapshot, error)
}

// OnPremSource is the source used when no billing backend is configured.
// Every organization gets OnPremDefault.
type OnPremSource struct{}

// Entitlements returns the on-prem default snapshot.
func (OnPremSource) Entitlements(ctx context.Context, _ string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	return OnPremDefault(), nil
}

// StaticSource returns a fixed snapshot for every organization.
// Used by tests and the offline CLI.
type StaticSource struct {
	Snapshot Snapshot
}

// Entitlements returns the configured snapshot.
func (s StaticSource) Entitlements(ctx context.Context, _ string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot, nil
}
