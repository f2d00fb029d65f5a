package licensing

// LimitCheckResult is the outcome of comparing usage against a limit.
type LimitCheckResult string

const (
	LimitAllowed   LimitCheckResult = "allowed"
	LimitSoftBlock LimitCheckResult = "soft_block" // at or above 90% of the cap
	LimitHardBlock LimitCheckResult = "hard_block" // at or above the cap
)

// IsAllowed reports whether snapshot s unlocks capability c. It is pure and
// reads only the flag for c; unknown capabilities are denied.
func IsAllowed(s Snapshot, c Capability) bool {
	return s.Has(c)
}

// CheckLimit evaluates observed usage against limit. Unlimited limits and
// caps of zero are always allowed.
func CheckLimit(limit Limit, observed int64) LimitCheckResult {
	n, ok := limit.Value()
	if !ok || n <= 0 {
		return LimitAllowed
	}

	if observed >= n {
		return LimitHardBlock
	}

	if observed*10 >= n*9 {
		return LimitSoftBlock
	}

	return LimitAllowed
}

// CheckLimitKey evaluates observed usage against the snapshot limit named
// by key. Unknown keys are allowed.
func (s Snapshot) CheckLimitKey(key string, observed int64) LimitCheckResult {
	switch key {
	case LimitKeyWorkspaces:
		return CheckLimit(s.WorkspaceLimit, observed)
	case LimitKeyMembers:
		return CheckLimit(s.MemberLimit, observed)
	case LimitKeyEnvironments:
		return CheckLimit(s.EnvironmentLimit, observed)
	default:
		return LimitAllowed
	}
}
