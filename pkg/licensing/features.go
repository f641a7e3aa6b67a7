// Package licensing defines shared entitlement contracts.
//
// This package exists so extension modules can depend on canonical feature
// and quota keys, plan defaults and the Snapshot value type without importing
// the internal renewal machinery.
package licensing

import "sort"

// Feature constants represent boolean entitlements granted by a license.
// These are carried in renewal certificates and checked at runtime.
const (
	FeatureSharing                      = "feat:sharing"
	FeatureLDAP                         = "feat:ldap"
	FeatureSAML                         = "feat:saml"
	FeatureLogStreaming                 = "feat:logStreaming"
	FeatureAdvancedExecutionFilters     = "feat:advancedExecutionFilters"
	FeatureVariables                    = "feat:variables"
	FeatureSourceControl                = "feat:sourceControl"
	FeatureAPIDisabled                  = "feat:apiDisabled"
	FeatureExternalSecrets              = "feat:externalSecrets"
	FeatureShowNonProdBanner            = "feat:showNonProdBanner"
	FeatureWorkflowHistory              = "feat:workflowHistory"
	FeatureDebugInEditor                = "feat:debugInEditor"
	FeatureBinaryDataS3                 = "feat:binaryDataS3"
	FeatureMultipleMainInstances        = "feat:multipleMainInstances"
	FeatureWorkerView                   = "feat:workerView"
	FeatureAdvancedPermissions          = "feat:advancedPermissions"
	FeatureProjectRoleAdmin             = "feat:projectRole:admin"
	FeatureProjectRoleEditor            = "feat:projectRole:editor"
	FeatureProjectRoleViewer            = "feat:projectRole:viewer"
	FeatureAIAssistant                  = "feat:aiAssistant"
	FeatureAskAI                        = "feat:askAi"
	FeatureCommunityNodesCustomRegistry = "feat:communityNodes:customRegistry"
)

// Quota constants represent numeric entitlements granted by a license.
const (
	QuotaUsers                = "quota:users"
	QuotaTriggers             = "quota:activeWorkflows"
	QuotaVariables            = "quota:maxVariables"
	QuotaWorkflowHistoryPrune = "quota:workflowHistoryPrune"
	QuotaTeamProjects         = "quota:maxTeamProjects"
)

// UnlimitedQuota is the sentinel returned for quotas the license does not cap.
const UnlimitedQuota int64 = -1

// DefaultPlanName is reported when no plan name has been loaded.
const DefaultPlanName = "Community"

// featureFallbacks lists opt-in values for unseen keys that would otherwise
// follow the permissive default. Both are "negative" flags: enabling them
// restricts the product rather than unlocking it.
var featureFallbacks = map[string]bool{
	FeatureShowNonProdBanner: false,
	FeatureAPIDisabled:       false,
}

// FeatureFallbacks returns a copy of the per-key fallbacks used for features a
// snapshot does not mention.
func FeatureFallbacks() map[string]bool {
	out := make(map[string]bool, len(featureFallbacks))
	for k, v := range featureFallbacks {
		out[k] = v
	}
	return out
}

var knownFeatures = []string{
	FeatureSharing,
	FeatureLDAP,
	FeatureSAML,
	FeatureLogStreaming,
	FeatureAdvancedExecutionFilters,
	FeatureVariables,
	FeatureSourceControl,
	FeatureAPIDisabled,
	FeatureExternalSecrets,
	FeatureShowNonProdBanner,
	FeatureWorkflowHistory,
	FeatureDebugInEditor,
	FeatureBinaryDataS3,
	FeatureMultipleMainInstances,
	FeatureWorkerView,
	FeatureAdvancedPermissions,
	FeatureProjectRoleAdmin,
	FeatureProjectRoleEditor,
	FeatureProjectRoleViewer,
	FeatureAIAssistant,
	FeatureAskAI,
	FeatureCommunityNodesCustomRegistry,
}

var knownQuotas = []string{
	QuotaUsers,
	QuotaTriggers,
	QuotaVariables,
	QuotaWorkflowHistoryPrune,
	QuotaTeamProjects,
}

// KnownFeatures returns the sorted catalogue of boolean feature keys.
func KnownFeatures() []string {
	out := append([]string(nil), knownFeatures...)
	sort.Strings(out)
	return out
}

// KnownQuotas returns the sorted catalogue of quota keys.
func KnownQuotas() []string {
	out := append([]string(nil), knownQuotas...)
	sort.Strings(out)
	return out
}

// IsKnownFeature reports whether key is part of the feature catalogue.
func IsKnownFeature(key string) bool {
	for _, f := range knownFeatures {
		if f == key {
			return true
		}
	}
	return false
}

// GetFeatureDisplayName returns a human-readable name for a feature or quota.
func GetFeatureDisplayName(feature string) string {
	switch feature {
	case FeatureSharing:
		return "Sharing"
	case FeatureLDAP:
		return "LDAP"
	case FeatureSAML:
		return "SAML SSO"
	case FeatureLogStreaming:
		return "Log Streaming"
	case FeatureAdvancedExecutionFilters:
		return "Advanced Execution Filters"
	case FeatureVariables:
		return "Variables"
	case FeatureSourceControl:
		return "Source Control"
	case FeatureAPIDisabled:
		return "Public API Disabled"
	case FeatureExternalSecrets:
		return "External Secrets"
	case FeatureShowNonProdBanner:
		return "Non-Production Banner"
	case FeatureWorkflowHistory:
		return "Workflow History"
	case FeatureDebugInEditor:
		return "Debug in Editor"
	case FeatureBinaryDataS3:
		return "S3 Binary Data Storage"
	case FeatureMultipleMainInstances:
		return "Multiple Main Instances"
	case FeatureWorkerView:
		return "Worker View"
	case FeatureAdvancedPermissions:
		return "Advanced Permissions"
	case FeatureProjectRoleAdmin:
		return "Project Admin Role"
	case FeatureProjectRoleEditor:
		return "Project Editor Role"
	case FeatureProjectRoleViewer:
		return "Project Viewer Role"
	case FeatureAIAssistant:
		return "AI Assistant"
	case FeatureAskAI:
		return "Ask AI"
	case FeatureCommunityNodesCustomRegistry:
		return "Custom Community Node Registry"
	case QuotaUsers:
		return "User Limit"
	case QuotaTriggers:
		return "Active Workflow Limit"
	case QuotaVariables:
		return "Variable Limit"
	case QuotaWorkflowHistoryPrune:
		return "Workflow History Retention"
	case QuotaTeamProjects:
		return "Team Project Limit"
	default:
		return feature
	}
}
