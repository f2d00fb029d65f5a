package licensing

import "strings"

// SubscriptionState represents the subscription lifecycle state.
// The empty state means no subscription is attached (on-prem installs).
type SubscriptionState string

const (
	SubStateNone      SubscriptionState = ""
	SubStateTrial     SubscriptionState = "trialing"
	SubStateActive    SubscriptionState = "active"
	SubStateGrace     SubscriptionState = "past_due"
	SubStateExpired   SubscriptionState = "expired"
	SubStateSuspended SubscriptionState = "suspended"
	SubStateCanceled  SubscriptionState = "canceled"
)

// OperationClass categorizes what operations are allowed in a given state.
type OperationClass string

const (
	OpFull     OperationClass = "full"     // All operations allowed
	OpDegraded OperationClass = "degraded" // Existing resources work, new ones blocked
	OpLocked   OperationClass = "locked"   // All operations blocked, contact support
)

// StateBehavior describes what is allowed in a specific subscription state.
type StateBehavior struct {
	State SubscriptionState

	Operations OperationClass

	// FeaturesAvailable indicates whether premium capabilities are honored.
	FeaturesAvailable bool

	ShowWarning bool

	Description string
}

// StateBehaviors maps each subscription state to its behavior rules.
var StateBehaviors = map[SubscriptionState]StateBehavior{
	SubStateNone: {
		State:             SubStateNone,
		Operations:        OpFull,
		FeaturesAvailable: true,
		Description:       "No subscription attached; plan capabilities apply as-is.",
	},
	SubStateTrial: {
		State:             SubStateTrial,
		Operations:        OpFull,
		FeaturesAvailable: true,
		Description:       "Full capabilities with trial expiry timer.",
	},
	SubStateActive: {
		State:             SubStateActive,
		Operations:        OpFull,
		FeaturesAvailable: true,
		Description:       "Normal enforcement, all paid features active.",
	},
	SubStateGrace: {
		State:             SubStateGrace,
		Operations:        OpFull,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Features preserved with warning and countdown.",
	},
	SubStateExpired: {
		State:             SubStateExpired,
		Operations:        OpDegraded,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Baseline capabilities only; no data loss.",
	},
	SubStateSuspended: {
		State:             SubStateSuspended,
		Operations:        OpLocked,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Administrative lock; contact support.",
	},
	SubStateCanceled: {
		State:             SubStateCanceled,
		Operations:        OpDegraded,
		FeaturesAvailable: false,
		ShowWarning:       true,
		Description:       "Subscription canceled; paid capabilities revoked.",
	},
}

// GetBehavior returns the behavior rules for the given state.
// Returns expired behavior as default for unknown states.
func GetBehavior(state SubscriptionState) StateBehavior {
	if b, ok := StateBehaviors[state]; ok {
		return b
	}
	return StateBehaviors[SubStateExpired]
}

// ParseSubscriptionState normalizes a raw state string. Unknown values map
// to SubStateExpired so they never unlock premium capabilities.
func ParseSubscriptionState(raw string) SubscriptionState {
	state := SubscriptionState(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := StateBehaviors[state]; ok {
		return state
	}
	return SubStateExpired
}
