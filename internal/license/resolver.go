package license

import (
	"time"

	"github.com/coder/quartz"

	"github.com/Bakeneko/n8n/pkg/licensing"
)

// DefaultFeatureEnabled is the resolver's answer for a feature the current
// snapshot does not mention.
//
// The fallback is permissive: every unknown feature reads as enabled,
// including negative flags such as feat:apiDisabled. This is the opposite of
// a deny-by-default gate and is a product decision carried over from the
// existing licensing behaviour, not an accident. Deployments that want the
// strict posture set Config.DenyUnknownFeatures. Config.NegativeFeatureFallbacks
// opts into licensing.FeatureFallbacks, which keeps negative flags off until a
// snapshot sets them.
const DefaultFeatureEnabled = true

// Resolver answers entitlement queries over the current snapshot. Each call
// reads the store once, so a renewal landing mid-call cannot mix two snapshots.
type Resolver struct {
	store          *Store
	clock          quartz.Clock
	defaultEnabled bool
	fallbacks      map[string]bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithDefaultFeatureEnabled overrides the fallback for unknown features.
func WithDefaultFeatureEnabled(enabled bool) ResolverOption {
	return func(r *Resolver) {
		r.defaultEnabled = enabled
	}
}

// WithFeatureFallbacks sets per-key fallbacks consulted before the default.
// A resolver has none unless this option is given.
func WithFeatureFallbacks(fallbacks map[string]bool) ResolverOption {
	return func(r *Resolver) {
		r.fallbacks = make(map[string]bool, len(fallbacks))
		for k, v := range fallbacks {
			r.fallbacks[k] = v
		}
	}
}

// WithResolverClock sets the clock used for expiry checks.
func WithResolverClock(clock quartz.Clock) ResolverOption {
	return func(r *Resolver) {
		r.clock = clock
	}
}

// NewResolver creates a resolver over store.
func NewResolver(store *Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:          store,
		clock:          quartz.NewReal(),
		defaultEnabled: DefaultFeatureEnabled,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the snapshot the next query would read.
func (r *Resolver) Snapshot() *licensing.Snapshot {
	return r.store.Read()
}

// Version returns the current snapshot version.
func (r *Resolver) Version() uint64 {
	return r.store.Version()
}

// IsFeatureEnabled reports whether a boolean feature is enabled.
func (r *Resolver) IsFeatureEnabled(key string) bool {
	return r.featureIn(r.store.Read(), key)
}

func (r *Resolver) featureIn(snap *licensing.Snapshot, key string) bool {
	if enabled, ok := snap.Feature(key); ok {
		return enabled
	}
	if fallback, ok := r.fallbacks[key]; ok {
		return fallback
	}
	return r.defaultEnabled
}

// Quota returns the limit for key, or licensing.UnlimitedQuota when absent.
func (r *Resolver) Quota(key string) int64 {
	return r.QuotaOr(key, licensing.UnlimitedQuota)
}

// QuotaOr returns the limit for key, or def when absent.
func (r *Resolver) QuotaOr(key string, def int64) int64 {
	if limit, ok := r.store.Read().Quota(key); ok {
		return limit
	}
	return def
}

// PlanName returns the plan name, or licensing.DefaultPlanName when unset.
func (r *Resolver) PlanName() string {
	if name := r.store.Read().PlanName(); name != "" {
		return name
	}
	return licensing.DefaultPlanName
}

// IsWithinLimit reports whether usage is below the quota for key. Unlimited
// quotas admit any usage.
func (r *Resolver) IsWithinLimit(key string, usage int64) bool {
	limit := r.Quota(key)
	if limit == licensing.UnlimitedQuota {
		return true
	}
	return usage < limit
}

// IsExpired reports whether the current snapshot's validity has ended.
func (r *Resolver) IsExpired() bool {
	return r.store.Read().IsExpired(r.clock.Now())
}

// ConsumerID returns the consumer ID of the current snapshot, or "unknown".
func (r *Resolver) ConsumerID() string {
	if id := r.store.Read().ConsumerID(); id != "" {
		return id
	}
	return "unknown"
}

// CurrentEntitlements returns the flattened, sorted entitlement view.
func (r *Resolver) CurrentEntitlements() []licensing.Entitlement {
	return r.store.Read().Entitlements()
}

// Plan describes the main plan of the current snapshot.
type Plan struct {
	Name      string    `json:"name"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
	Expired   bool      `json:"expired"`
}

// MainPlan returns the plan of the current snapshot, or nil before first load.
func (r *Resolver) MainPlan() *Plan {
	snap := r.store.Read()
	if !snap.IsLoaded() {
		return nil
	}
	name := snap.PlanName()
	if name == "" {
		name = licensing.DefaultPlanName
	}
	return &Plan{
		Name:      name,
		ValidFrom: snap.ValidFrom(),
		ValidTo:   snap.ValidTo(),
		Expired:   snap.IsExpired(r.clock.Now()),
	}
}

func (r *Resolver) IsSharingEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureSharing)
}

func (r *Resolver) IsLogStreamingEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureLogStreaming)
}

func (r *Resolver) IsLDAPEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureLDAP)
}

func (r *Resolver) IsSAMLEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureSAML)
}

func (r *Resolver) IsAIAssistantEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureAIAssistant)
}

func (r *Resolver) IsAskAIEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureAskAI)
}

func (r *Resolver) IsAdvancedExecutionFiltersEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureAdvancedExecutionFilters)
}

func (r *Resolver) IsAdvancedPermissionsLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureAdvancedPermissions)
}

func (r *Resolver) IsDebugInEditorLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureDebugInEditor)
}

func (r *Resolver) IsBinaryDataS3Licensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureBinaryDataS3)
}

func (r *Resolver) IsMultipleMainInstancesLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureMultipleMainInstances)
}

func (r *Resolver) IsVariablesEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureVariables)
}

func (r *Resolver) IsSourceControlLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureSourceControl)
}

func (r *Resolver) IsExternalSecretsEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureExternalSecrets)
}

func (r *Resolver) IsWorkflowHistoryLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureWorkflowHistory)
}

func (r *Resolver) IsAPIDisabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureAPIDisabled)
}

func (r *Resolver) IsWorkerViewLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureWorkerView)
}

func (r *Resolver) IsProjectRoleAdminLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureProjectRoleAdmin)
}

func (r *Resolver) IsProjectRoleEditorLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureProjectRoleEditor)
}

func (r *Resolver) IsProjectRoleViewerLicensed() bool {
	return r.IsFeatureEnabled(licensing.FeatureProjectRoleViewer)
}

func (r *Resolver) IsCustomNpmRegistryEnabled() bool {
	return r.IsFeatureEnabled(licensing.FeatureCommunityNodesCustomRegistry)
}

// UsersLimit returns the user quota, unlimited by default.
func (r *Resolver) UsersLimit() int64 {
	return r.Quota(licensing.QuotaUsers)
}

// TriggerLimit returns the active workflow quota, unlimited by default.
func (r *Resolver) TriggerLimit() int64 {
	return r.Quota(licensing.QuotaTriggers)
}

// VariablesLimit returns the variables quota, unlimited by default.
func (r *Resolver) VariablesLimit() int64 {
	return r.Quota(licensing.QuotaVariables)
}

// WorkflowHistoryPruneLimit returns the history retention quota, unlimited by default.
func (r *Resolver) WorkflowHistoryPruneLimit() int64 {
	return r.Quota(licensing.QuotaWorkflowHistoryPrune)
}

// TeamProjectLimit returns the team project quota. Unlike the other quotas it
// defaults to 0: team projects need an explicit grant.
func (r *Resolver) TeamProjectLimit() int64 {
	return r.QuotaOr(licensing.QuotaTeamProjects, 0)
}

// IsWithinUsersLimit reports whether the user quota is unlimited.
func (r *Resolver) IsWithinUsersLimit() bool {
	return r.UsersLimit() == licensing.UnlimitedQuota
}
