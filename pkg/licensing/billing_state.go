package licensing

import (
	"context"
	"strings"
	"time"
)

// BillingState is the per-organization plan record kept by the billing
// backend. It is the wire/storage shape; Snapshot is the evaluated form.
type BillingState struct {
	Tier Tier `json:"tier"`

	// Capabilities are granted in addition to the tier's feature set.
	Capabilities []string `json:"capabilities"`

	// Limits by key (see LimitKey*). Missing or non-positive entries are unlimited.
	Limits map[string]int64 `json:"limits"`

	// Usage counters by limit key.
	Usage map[string]int64 `json:"usage"`

	AuditLogsRetentionDays int `json:"audit_logs_retention_days"`

	SubscriptionState SubscriptionState `json:"subscription_state"`
	TrialEndsAt       *int64            `json:"trial_ends_at,omitempty"`
	HasUsedTrial      bool              `json:"has_used_trial"`
}

// BillingStore abstracts persistence of per-organization billing state.
// GetBillingState returns (nil, nil) when the organization has no record.
type BillingStore interface {
	GetBillingState(ctx context.Context, orgID string) (*BillingState, error)
	SaveBillingState(ctx context.Context, orgID string, state *BillingState) error
}

// DefaultBillingState returns the state recorded for an organization that
// has never subscribed.
func DefaultBillingState() *BillingState {
	return &BillingState{
		Tier:         TierFree,
		Capabilities: []string{},
		Limits:       map[string]int64{},
		Usage:        map[string]int64{},
	}
}

// NormalizeBillingState returns a trimmed deep copy of state with non-nil
// collections. A nil state yields DefaultBillingState.
func NormalizeBillingState(state *BillingState) *BillingState {
	if state == nil {
		return DefaultBillingState()
	}

	cp := *state
	normalized := &cp

	normalized.Capabilities = make([]string, 0, len(state.Capabilities))
	for _, c := range state.Capabilities {
		if c = strings.TrimSpace(c); c != "" {
			normalized.Capabilities = append(normalized.Capabilities, c)
		}
	}
	normalized.Limits = cloneInt64Map(state.Limits)
	normalized.Usage = cloneInt64Map(state.Usage)
	normalized.TrialEndsAt = cloneInt64Ptr(state.TrialEndsAt)

	normalized.Tier = Tier(strings.ToLower(strings.TrimSpace(string(normalized.Tier))))
	if !IsValidTier(normalized.Tier) {
		normalized.Tier = TierFree
	}
	normalized.SubscriptionState = SubscriptionState(strings.ToLower(strings.TrimSpace(string(normalized.SubscriptionState))))

	return normalized
}

// ToSnapshot evaluates the billing state into a normalized snapshot at now.
// Enabled capabilities are the baseline set, the tier's feature set and any
// extra capabilities; the subscription state may revoke the premium ones.
func (b *BillingState) ToSnapshot(now time.Time) Snapshot {
	state := NormalizeBillingState(b)

	s := Snapshot{
		Tier:                   state.Tier,
		WorkspaceLimit:         limitFromMap(state.Limits, LimitKeyWorkspaces),
		MemberLimit:            limitFromMap(state.Limits, LimitKeyMembers),
		EnvironmentLimit:       limitFromMap(state.Limits, LimitKeyEnvironments),
		WorkspacesUsed:         state.Usage[LimitKeyWorkspaces],
		MembersUsed:            state.Usage[LimitKeyMembers],
		EnvironmentsUsed:       state.Usage[LimitKeyEnvironments],
		AuditLogsRetentionDays: state.AuditLogsRetentionDays,
		HasUsedTrial:           state.HasUsedTrial,
		Status:                 ParseSubscriptionState(string(state.SubscriptionState)),
	}
	if state.SubscriptionState == SubStateNone {
		s.Status = SubStateNone
	}
	if state.TrialEndsAt != nil {
		end := time.Unix(*state.TrialEndsAt, 0).UTC()
		s.TrialEnd = &end
	}

	for _, c := range BaselineCapabilities {
		s = s.with(c, true)
	}
	for _, c := range TierFeatures[state.Tier] {
		s = s.with(c, true)
	}
	for _, raw := range state.Capabilities {
		s = s.with(Capability(raw), true)
	}

	return s.Normalize(now)
}

func limitFromMap(limits map[string]int64, key string) Limit {
	n, ok := limits[key]
	if !ok || n <= 0 {
		return Unlimited()
	}
	return Limited(n)
}

func cloneInt64Map(values map[string]int64) map[string]int64 {
	cloned := make(map[string]int64, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

func cloneInt64Ptr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
