package license

import "github.com/Bakeneko/n8n/pkg/licensing"

// Feature keys re-exported for callers inside the process.
const (
	FeatureSharing                      = licensing.FeatureSharing
	FeatureLDAP                         = licensing.FeatureLDAP
	FeatureSAML                         = licensing.FeatureSAML
	FeatureLogStreaming                 = licensing.FeatureLogStreaming
	FeatureAdvancedExecutionFilters     = licensing.FeatureAdvancedExecutionFilters
	FeatureVariables                    = licensing.FeatureVariables
	FeatureSourceControl                = licensing.FeatureSourceControl
	FeatureAPIDisabled                  = licensing.FeatureAPIDisabled
	FeatureExternalSecrets              = licensing.FeatureExternalSecrets
	FeatureShowNonProdBanner            = licensing.FeatureShowNonProdBanner
	FeatureWorkflowHistory              = licensing.FeatureWorkflowHistory
	FeatureDebugInEditor                = licensing.FeatureDebugInEditor
	FeatureBinaryDataS3                 = licensing.FeatureBinaryDataS3
	FeatureMultipleMainInstances        = licensing.FeatureMultipleMainInstances
	FeatureWorkerView                   = licensing.FeatureWorkerView
	FeatureAdvancedPermissions          = licensing.FeatureAdvancedPermissions
	FeatureProjectRoleAdmin             = licensing.FeatureProjectRoleAdmin
	FeatureProjectRoleEditor            = licensing.FeatureProjectRoleEditor
	FeatureProjectRoleViewer            = licensing.FeatureProjectRoleViewer
	FeatureAIAssistant                  = licensing.FeatureAIAssistant
	FeatureAskAI                        = licensing.FeatureAskAI
	FeatureCommunityNodesCustomRegistry = licensing.FeatureCommunityNodesCustomRegistry
)

// Quota keys re-exported for callers inside the process.
const (
	QuotaUsers                = licensing.QuotaUsers
	QuotaTriggers             = licensing.QuotaTriggers
	QuotaVariables            = licensing.QuotaVariables
	QuotaWorkflowHistoryPrune = licensing.QuotaWorkflowHistoryPrune
	QuotaTeamProjects         = licensing.QuotaTeamProjects
)

// UnlimitedQuota is returned for quotas the snapshot does not cap.
const UnlimitedQuota = licensing.UnlimitedQuota

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	return licensing.GetFeatureDisplayName(feature)
}
