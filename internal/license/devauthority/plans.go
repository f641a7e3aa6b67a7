package devauthority

import (
	"fmt"
	"strings"
	"time"

	"github.com/Bakeneko/n8n/pkg/licensing"
)

// DefaultValidity is how long a development certificate stays valid.
const DefaultValidity = 7 * 24 * time.Hour

// Plan is the static entitlement set the development authority grants.
type Plan struct {
	Name     string
	Features map[string]bool
	Quotas   map[string]int64
	Validity time.Duration
}

// EnterprisePlan enables every known feature except the restrictive flags and
// leaves every quota unlimited.
func EnterprisePlan() Plan {
	features := make(map[string]bool)
	for _, f := range licensing.KnownFeatures() {
		features[f] = true
	}
	features[licensing.FeatureAPIDisabled] = false
	features[licensing.FeatureShowNonProdBanner] = false

	quotas := make(map[string]int64)
	for _, q := range licensing.KnownQuotas() {
		quotas[q] = licensing.UnlimitedQuota
	}
	return Plan{Name: "Enterprise", Features: features, Quotas: quotas, Validity: DefaultValidity}
}

// StarterPlan is a small paid plan with sharing and a handful of limits.
func StarterPlan() Plan {
	return Plan{
		Name: "Starter",
		Features: map[string]bool{
			licensing.FeatureSharing:         true,
			licensing.FeatureWorkflowHistory: true,
			licensing.FeatureVariables:       false,
		},
		Quotas: map[string]int64{
			licensing.QuotaUsers:                5,
			licensing.QuotaTriggers:             15,
			licensing.QuotaWorkflowHistoryPrune: 24,
			licensing.QuotaTeamProjects:         0,
		},
		Validity: DefaultValidity,
	}
}

// CommunityPlan grants nothing beyond the defaults.
func CommunityPlan() Plan {
	return Plan{
		Name: licensing.DefaultPlanName,
		Features: map[string]bool{
			licensing.FeatureSharing: false,
		},
		Quotas: map[string]int64{
			licensing.QuotaUsers: 1,
		},
		Validity: DefaultValidity,
	}
}

// PlanByName returns one of the built-in plans, matched case-insensitively.
func PlanByName(name string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "enterprise":
		return EnterprisePlan(), nil
	case "starter":
		return StarterPlan(), nil
	case "community":
		return CommunityPlan(), nil
	default:
		return Plan{}, fmt.Errorf("unknown development plan %q", name)
	}
}
