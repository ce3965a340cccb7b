package entitlements

import (
	"slices"
	"strings"
)

// Feature constants gate functionality in the collaborating modules.
const (
	FeatureAIInsights         = "ai_insights"
	FeatureAIAnalysis         = "ai_analysis"
	FeatureVoiceTranscription = "voice_transcription"
	FeatureProgressReports    = "progress_reports"
	FeatureUnlimitedTasks     = "unlimited_tasks"
	FeatureAdsEnabled         = "ads_enabled"
	FeatureAdvancedAnalytics  = "advanced_analytics"
	FeaturePrioritySupport    = "priority_support"
)

// LimitJournalsPerMonth is a quota; -1 means unlimited.
const LimitJournalsPerMonth = "journals_per_month"

// Unlimited is the quota value for "no limit".
const Unlimited int64 = -1

// DefaultEntitlementID is granted to paid tiers when the authority does not
// report explicit entitlement ids.
const DefaultEntitlementID = "premium"

var freeFeatures = []string{
	FeatureUnlimitedTasks,
	FeatureAdsEnabled,
}

var monthlyFeatures = []string{
	FeatureAIInsights,
	FeatureAIAnalysis,
	FeatureVoiceTranscription,
	FeatureProgressReports,
	FeatureUnlimitedTasks,
	FeatureAdvancedAnalytics,
}

// annualFeatures adds priority support on top of monthly.
var annualFeatures = append(slices.Clone(monthlyFeatures), FeaturePrioritySupport)

// TierFeatures maps each tier to the boolean features it grants.
var TierFeatures = map[Tier][]string{
	TierFree:    freeFeatures,
	TierMonthly: monthlyFeatures,
	TierAnnual:  annualFeatures,
}

// TierLimits maps each tier to its quotas.
var TierLimits = map[Tier]map[string]int64{
	TierFree:    {LimitJournalsPerMonth: 1},
	TierMonthly: {LimitJournalsPerMonth: Unlimited},
	TierAnnual:  {LimitJournalsPerMonth: Unlimited},
}

var orderedTiers = []Tier{TierFree, TierMonthly, TierAnnual}

// KnownFeature reports whether any tier defines the feature.
func KnownFeature(feature string) bool {
	for _, tier := range orderedTiers {
		if slices.Contains(TierFeatures[tier], feature) {
			return true
		}
	}
	_, isLimit := TierLimits[TierFree][feature]
	return isLimit
}

// TierHasFeature checks if a tier includes a feature. Quotas count as granted
// when they are unlimited or positive.
func TierHasFeature(tier Tier, feature string) bool {
	if slices.Contains(TierFeatures[tier], feature) {
		return true
	}
	if limit, ok := TierLimits[tier][feature]; ok {
		return limit == Unlimited || limit > 0
	}
	return false
}

// RequiredTier returns the lowest tier that grants the feature.
func RequiredTier(feature string) Tier {
	for _, tier := range orderedTiers {
		if TierHasFeature(tier, feature) {
			return tier
		}
	}
	return TierAnnual
}

// FeaturesFor returns a copy of the tier's feature list.
func FeaturesFor(tier Tier) []string {
	features, ok := TierFeatures[tier]
	if !ok {
		features = TierFeatures[TierFree]
	}
	return slices.Clone(features)
}

// LimitsFor returns a copy of the tier's quotas.
func LimitsFor(tier Tier) map[string]int64 {
	limits, ok := TierLimits[tier]
	if !ok {
		limits = TierLimits[TierFree]
	}
	out := make(map[string]int64, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}

// TierFromProduct maps a store product identifier to a tier. Unmappable
// products return TierFree.
func TierFromProduct(productID string) Tier {
	pid := strings.ToLower(strings.TrimSpace(productID))
	switch {
	case pid == "":
		return TierFree
	case strings.Contains(pid, "annual"), strings.Contains(pid, "yearly"):
		return TierAnnual
	case strings.Contains(pid, "monthly"):
		return TierMonthly
	default:
		return TierFree
	}
}

// DefaultEntitlements returns the entitlement set granted to a tier when the
// authority did not name one.
func DefaultEntitlements(tier Tier) []string {
	if !tier.IsPaid() {
		return []string{}
	}
	return []string{DefaultEntitlementID}
}
