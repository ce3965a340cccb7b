package entitlements

import "slices"

// Package is a purchasable offering as shown on the paywall.
type Package struct {
	ID                   string   `json:"package_id"`
	Tier                 Tier     `json:"tier"`
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	Price                float64  `json:"price"`
	Currency             string   `json:"currency"`
	BillingPeriod        string   `json:"billing_period"`
	RevenueCatIdentifier string   `json:"revenuecat_identifier,omitempty"`
	ProductIdentifier    string   `json:"product_identifier,omitempty"`
	Features             []string `json:"features"`
	Limitations          []string `json:"limitations,omitempty"`
	TrialAvailable       bool     `json:"trial_available"`
	TrialDurationDays    int      `json:"trial_duration_days,omitempty"`
	IsDefault            bool     `json:"is_default,omitempty"`
	Badge                string   `json:"badge,omitempty"`
	Savings              *Savings `json:"savings,omitempty"`
}

// Savings describes the discount of a longer billing period.
type Savings struct {
	Percentage int     `json:"percentage"`
	Amount     float64 `json:"amount"`
	Comparison string  `json:"comparison"`
}

// TierComparison is one column of the paywall comparison table.
type TierComparison struct {
	Features []string         `json:"features"`
	Limits   map[string]int64 `json:"limits"`
}

var catalogue = []Package{
	{
		ID:            "free",
		Tier:          TierFree,
		Name:          "Free",
		Description:   "Basic features to get started",
		Currency:      "USD",
		BillingPeriod: "lifetime",
		Features: []string{
			"1 journal entry per month",
			"Unlimited daily tasks",
			"Basic progress tracking",
		},
		Limitations: []string{
			"No AI insights",
			"No voice transcription",
			"No advanced analytics",
			"Advertisement supported",
		},
		IsDefault: true,
	},
	{
		ID:                   "monthly_premium",
		Tier:                 TierMonthly,
		Name:                 "Monthly Premium",
		Description:          "Full AI-powered experience",
		Price:                8.00,
		Currency:             "USD",
		BillingPeriod:        "monthly",
		RevenueCatIdentifier: "rc_monthly_premium_800",
		ProductIdentifier:    "monthly_premium_800",
		Features: []string{
			"Unlimited journal entries",
			"AI-powered insights & analysis",
			"Voice transcription",
			"Progress reports & analytics",
			"Ad-free experience",
			"Daily motivation & coaching",
		},
		TrialAvailable:    true,
		TrialDurationDays: 7,
	},
	{
		ID:                   "annual_premium",
		Tier:                 TierAnnual,
		Name:                 "Annual Premium",
		Description:          "Save 25% with yearly billing",
		Price:                70.00,
		Currency:             "USD",
		BillingPeriod:        "annual",
		RevenueCatIdentifier: "rc_annual_premium_7000",
		ProductIdentifier:    "annual_premium_7000",
		Features: []string{
			"All Monthly Premium features",
			"Priority customer support",
			"Early access to new features",
			"25% savings vs monthly ($96/year → $70/year)",
		},
		TrialAvailable:    true,
		TrialDurationDays: 7,
		Badge:             "Best Value",
		Savings: &Savings{
			Percentage: 25,
			Amount:     26.00,
			Comparison: "vs Monthly ($8 × 12 = $96)",
		},
	},
}

// Packages returns a copy of the paywall catalogue, cheapest first.
func Packages() []Package {
	out := make([]Package, len(catalogue))
	for i, p := range catalogue {
		p.Features = slices.Clone(p.Features)
		p.Limitations = slices.Clone(p.Limitations)
		if p.Savings != nil {
			s := *p.Savings
			p.Savings = &s
		}
		out[i] = p
	}
	return out
}

// FeatureComparison returns what each tier grants, keyed by tier.
func FeatureComparison() map[Tier]TierComparison {
	out := make(map[Tier]TierComparison, len(orderedTiers))
	for _, tier := range orderedTiers {
		out[tier] = TierComparison{
			Features: FeaturesFor(tier),
			Limits:   LimitsFor(tier),
		}
	}
	return out
}

// AllFeatures lists every gated feature and quota, in tier order.
func AllFeatures() []string {
	var out []string
	for _, tier := range orderedTiers {
		for _, f := range TierFeatures[tier] {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	for limit := range TierLimits[TierFree] {
		if !slices.Contains(out, limit) {
			out = append(out, limit)
		}
	}
	return out
}
