package licensing

import "fmt"

// DefaultUpgradeURL is used when no feature-specific URL mapping exists.
const DefaultUpgradeURL = "https://pulserelay.pro/pricing?utm_source=pulse-sso&utm_medium=app&utm_campaign=upgrade"

// UpgradePrompt is the call to action shown when a capability is locked.
type UpgradePrompt struct {
	Feature   Capability `json:"feature"`
	Message   string     `json:"message"`
	MinTier   string     `json:"minTier"`
	ActionURL string     `json:"actionUrl"`
}

// UpgradeURLForFeature returns the upgrade URL for a capability key.
func UpgradeURLForFeature(c Capability) string {
	if c == "" {
		return DefaultUpgradeURL
	}
	return DefaultUpgradeURL + "&feature=" + string(c)
}

// UpgradePromptFor builds the prompt for a locked capability, naming the
// lowest tier that unlocks it.
func UpgradePromptFor(c Capability) UpgradePrompt {
	minTier := GetFeatureMinTierName(c)
	return UpgradePrompt{
		Feature:   c,
		Message:   fmt.Sprintf("You can use %s if you switch to the %s plan.", GetFeatureDisplayName(c), minTier),
		MinTier:   minTier,
		ActionURL: UpgradeURLForFeature(c),
	}
}
