// Package licensing defines the organization entitlement model: the feature
// and tier catalog, the entitlement snapshot, its sources, and the gate used
// to decide whether a capability is unlocked.
//
// This package lives in pkg/ so integrations that only need the entitlement
// contract can depend on it without importing internal packages.
package licensing

// Capability is a gated feature key.
type Capability string

// Capability constants. The key strings match the billing payload keys.
const (
	// Baseline protections, enabled for on-prem installs.
	CapSecretVersioning Capability = "secretVersioning"
	CapIPAllowlisting   Capability = "ipAllowlisting"
	CapSecretRotation   Capability = "secretRotation"

	// Premium collaboration features.
	CapPITRecovery      Capability = "pitRecovery"
	CapRBAC             Capability = "rbac"
	CapCustomRateLimits Capability = "customRateLimits"
	CapCustomAlerts     Capability = "customAlerts"
	CapAuditLogs        Capability = "auditLogs"
	CapSAMLSSO          Capability = "samlSSO"
	CapSecretApproval   Capability = "secretApproval"
)

// BaselineCapabilities are granted to every install, including on-prem
// installs without a billing backend.
var BaselineCapabilities = []Capability{
	CapSecretVersioning,
	CapIPAllowlisting,
	CapSecretRotation,
}

// PremiumCapabilities require a paid (or trial) plan.
var PremiumCapabilities = []Capability{
	CapPITRecovery,
	CapRBAC,
	CapCustomRateLimits,
	CapCustomAlerts,
	CapAuditLogs,
	CapSAMLSSO,
	CapSecretApproval,
}

// Limit keys used in billing payloads.
const (
	LimitKeyWorkspaces   = "workspaces"
	LimitKeyMembers      = "members"
	LimitKeyEnvironments = "environments"
)

// Tier represents a plan level.
type Tier string

const (
	// TierOnPrem is the unrestricted self-hosted tier used when no billing
	// backend is configured.
	TierOnPrem     Tier = "on_prem"
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierTeam       Tier = "team"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var starterFeatures = appendFeatures(BaselineCapabilities,
	CapAuditLogs,
)

var teamFeatures = appendFeatures(starterFeatures,
	CapRBAC,
	CapCustomAlerts,
)

// proFeatures adds SSO and recovery on top of team.
var proFeatures = appendFeatures(teamFeatures,
	CapSAMLSSO,
	CapPITRecovery,
	CapCustomRateLimits,
)

var enterpriseFeatures = appendFeatures(proFeatures,
	CapSecretApproval,
)

// appendFeatures returns a new slice with extra features appended (no mutation).
func appendFeatures(base []Capability, extra ...Capability) []Capability {
	result := make([]Capability, len(base), len(base)+len(extra))
	copy(result, base)
	return append(result, extra...)
}

// TierFeatures maps each tier to its included capabilities.
var TierFeatures = map[Tier][]Capability{
	TierOnPrem:     BaselineCapabilities,
	TierFree:       BaselineCapabilities,
	TierStarter:    starterFeatures,
	TierTeam:       teamFeatures,
	TierPro:        proFeatures,
	TierEnterprise: enterpriseFeatures,
}

// orderedTiers is the upgrade path, cheapest first.
var orderedTiers = []Tier{TierFree, TierStarter, TierTeam, TierPro, TierEnterprise}

// TierHasFeature checks if a tier includes a specific capability.
func TierHasFeature(tier Tier, c Capability) bool {
	for _, f := range TierFeatures[tier] {
		if f == c {
			return true
		}
	}
	return false
}

// IsValidTier reports whether tier is a known tier.
func IsValidTier(tier Tier) bool {
	_, ok := TierFeatures[tier]
	return ok
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierOnPrem:
		return "Self-Hosted"
	case TierFree:
		return "Free"
	case TierStarter:
		return "Starter"
	case TierTeam:
		return "Team"
	case TierPro:
		return "Pro"
	case TierEnterprise:
		return "Enterprise"
	default:
		return "Unknown"
	}
}

// GetFeatureMinTierName returns the display name of the lowest paid tier
// that includes the given capability.
func GetFeatureMinTierName(c Capability) string {
	for _, tier := range orderedTiers {
		if TierHasFeature(tier, c) {
			return GetTierDisplayName(tier)
		}
	}
	return "Pro" // fallback
}

// GetFeatureDisplayName returns a human-readable name for a capability.
func GetFeatureDisplayName(c Capability) string {
	switch c {
	case CapSecretVersioning:
		return "Secret Versioning"
	case CapIPAllowlisting:
		return "IP Allowlisting"
	case CapSecretRotation:
		return "Secret Rotation"
	case CapPITRecovery:
		return "Point-in-Time Recovery"
	case CapRBAC:
		return "Role-Based Access Control (RBAC)"
	case CapCustomRateLimits:
		return "Custom Rate Limits"
	case CapCustomAlerts:
		return "Custom Alerts"
	case CapAuditLogs:
		return "Audit Logs"
	case CapSAMLSSO:
		return "SAML SSO"
	case CapSecretApproval:
		return "Secret Approval Workflows"
	default:
		return string(c)
	}
}
