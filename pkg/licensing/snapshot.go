package licensing

import (
	"fmt"
	"time"
)

// Snapshot is the entitlement state of one organization at one point in
// time. Snapshots are values; copy freely, never mutate a shared one.
type Snapshot struct {
	Tier Tier `json:"tier"`

	WorkspaceLimit   Limit `json:"workspaceLimit"`
	MemberLimit      Limit `json:"memberLimit"`
	EnvironmentLimit Limit `json:"environmentLimit"`

	WorkspacesUsed   int64 `json:"workspacesUsed"`
	MembersUsed      int64 `json:"membersUsed"`
	EnvironmentsUsed int64 `json:"environmentsUsed"`

	SecretVersioning       bool `json:"secretVersioning"`
	PITRecovery            bool `json:"pitRecovery"`
	IPAllowlisting         bool `json:"ipAllowlisting"`
	RBAC                   bool `json:"rbac"`
	CustomRateLimits       bool `json:"customRateLimits"`
	CustomAlerts           bool `json:"customAlerts"`
	AuditLogs              bool `json:"auditLogs"`
	AuditLogsRetentionDays int  `json:"auditLogsRetentionDays"`
	SAMLSSO                bool `json:"samlSSO"`
	SecretApproval         bool `json:"secretApproval"`
	SecretRotation         bool `json:"secretRotation"`

	TrialEnd     *time.Time        `json:"trialEnd"`
	HasUsedTrial bool              `json:"hasUsedTrial"`
	Status       SubscriptionState `json:"status"`
}

// OnPremDefault returns the snapshot used when no billing backend is
// configured. Limits are unlimited, usage is zero and only the baseline
// protections are on.
func OnPremDefault() Snapshot {
	return Snapshot{
		Tier:             TierOnPrem,
		WorkspaceLimit:   Unlimited(),
		MemberLimit:      Unlimited(),
		EnvironmentLimit: Unlimited(),
		SecretVersioning: true,
		IPAllowlisting:   true,
		SecretRotation:   true,
		HasUsedTrial:     true,
		Status:           SubStateNone,
	}
}

// Has reports whether the flag for capability c is set. Unknown
// capabilities report false.
func (s Snapshot) Has(c Capability) bool {
	switch c {
	case CapSecretVersioning:
		return s.SecretVersioning
	case CapPITRecovery:
		return s.PITRecovery
	case CapIPAllowlisting:
		return s.IPAllowlisting
	case CapRBAC:
		return s.RBAC
	case CapCustomRateLimits:
		return s.CustomRateLimits
	case CapCustomAlerts:
		return s.CustomAlerts
	case CapAuditLogs:
		return s.AuditLogs
	case CapSAMLSSO:
		return s.SAMLSSO
	case CapSecretApproval:
		return s.SecretApproval
	case CapSecretRotation:
		return s.SecretRotation
	default:
		return false
	}
}

// with returns a copy of s with capability c set to enabled.
func (s Snapshot) with(c Capability, enabled bool) Snapshot {
	switch c {
	case CapSecretVersioning:
		s.SecretVersioning = enabled
	case CapPITRecovery:
		s.PITRecovery = enabled
	case CapIPAllowlisting:
		s.IPAllowlisting = enabled
	case CapRBAC:
		s.RBAC = enabled
	case CapCustomRateLimits:
		s.CustomRateLimits = enabled
	case CapCustomAlerts:
		s.CustomAlerts = enabled
	case CapAuditLogs:
		s.AuditLogs = enabled
	case CapSAMLSSO:
		s.SAMLSSO = enabled
	case CapSecretApproval:
		s.SecretApproval = enabled
	case CapSecretRotation:
		s.SecretRotation = enabled
	}
	return s
}

// Capabilities returns the enabled capability keys in catalog order.
func (s Snapshot) Capabilities() []Capability {
	all := make([]Capability, 0, len(BaselineCapabilities)+len(PremiumCapabilities))
	all = append(all, BaselineCapabilities...)
	all = append(all, PremiumCapabilities...)

	out := make([]Capability, 0, len(all))
	for _, c := range all {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Normalize returns a self-consistent copy of s evaluated at now:
// an elapsed trial becomes expired, states that do not honor premium
// features clear every premium flag, and retention is zero without
// audit logs.
func (s Snapshot) Normalize(now time.Time) Snapshot {
	if s.TrialEnd != nil {
		end := *s.TrialEnd
		s.TrialEnd = &end
		if s.Status == SubStateTrial && !now.Before(end) {
			s.Status = SubStateExpired
		}
	}

	if !GetBehavior(s.Status).FeaturesAvailable {
		for _, c := range PremiumCapabilities {
			s = s.with(c, false)
		}
	}

	if !s.AuditLogs || s.AuditLogsRetentionDays < 0 {
		s.AuditLogsRetentionDays = 0
	}
	if s.Tier == "" {
		s.Tier = TierFree
	}
	return s
}

// Validate reports the first self-consistency violation in s.
func (s Snapshot) Validate() error {
	if s.Tier != "" && !IsValidTier(s.Tier) {
		return fmt.Errorf("unknown tier %q", s.Tier)
	}
	if !s.AuditLogs && s.AuditLogsRetentionDays != 0 {
		return fmt.Errorf("audit log retention %d days without audit logs", s.AuditLogsRetentionDays)
	}
	if !GetBehavior(s.Status).FeaturesAvailable {
		for _, c := range PremiumCapabilities {
			if s.Has(c) {
				return fmt.Errorf("capability %q enabled in subscription state %q", c, s.Status)
			}
		}
	}
	return nil
}
