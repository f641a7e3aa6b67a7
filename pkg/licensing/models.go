package licensing

import (
	"sort"
	"time"
)

// Grant is the entitlement payload returned by the license authority for a
// renewal, activation or reload. It carries no version: the coordinator stamps
// one when it turns the grant into a Snapshot.
type Grant struct {
	// Boolean features keyed by feature name.
	Features map[string]bool `json:"features,omitempty"`

	// Numeric quotas keyed by quota name. Absent keys mean "use default".
	Quotas map[string]int64 `json:"quotas,omitempty"`

	// Plan name, empty when the authority does not report one.
	PlanName string `json:"plan_name,omitempty"`

	// Consumer ID assigned by the authority to this deployment.
	ConsumerID string `json:"consumer_id,omitempty"`

	// Validity window of the certificate.
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`

	// Raw certificate string, handed to the persistence collaborator.
	Certificate string `json:"-"`
}

// Snapshot is an immutable view of the entitlements known at one point in
// time. All accessors return copies; a Snapshot is never mutated after
// NewSnapshot returns. The nil Snapshot behaves like the unloaded one.
type Snapshot struct {
	version     uint64
	fetchedAt   time.Time
	features    map[string]bool
	quotas      map[string]int64
	planName    string
	consumerID  string
	validFrom   time.Time
	validTo     time.Time
	certificate string
}

var unloaded = &Snapshot{}

// Unloaded returns the version 0 snapshot used before any entitlements load.
func Unloaded() *Snapshot {
	return unloaded
}

// NewSnapshot builds a snapshot from a grant. The grant's maps are copied so the
// caller may keep using them.
func NewSnapshot(version uint64, fetchedAt time.Time, grant Grant) *Snapshot {
	s := &Snapshot{
		version:     version,
		fetchedAt:   fetchedAt,
		features:    make(map[string]bool, len(grant.Features)),
		quotas:      make(map[string]int64, len(grant.Quotas)),
		planName:    grant.PlanName,
		consumerID:  grant.ConsumerID,
		validFrom:   grant.ValidFrom,
		validTo:     grant.ValidTo,
		certificate: grant.Certificate,
	}
	for k, v := range grant.Features {
		s.features[k] = v
	}
	for k, v := range grant.Quotas {
		s.quotas[k] = v
	}
	return s
}

// Version returns the snapshot version. 0 means nothing has loaded yet.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// IsLoaded reports whether this snapshot came from the authority.
func (s *Snapshot) IsLoaded() bool {
	return s.Version() > 0
}

// FetchedAt returns when the grant behind this snapshot was received.
func (s *Snapshot) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// Feature returns the value of a boolean feature and whether it is present.
func (s *Snapshot) Feature(key string) (enabled bool, ok bool) {
	if s == nil {
		return false, false
	}
	enabled, ok = s.features[key]
	return enabled, ok
}

// Quota returns the value of a numeric quota and whether it is present.
func (s *Snapshot) Quota(key string) (limit int64, ok bool) {
	if s == nil {
		return 0, false
	}
	limit, ok = s.quotas[key]
	return limit, ok
}

// Features returns a copy of the boolean feature map.
func (s *Snapshot) Features() map[string]bool {
	out := make(map[string]bool)
	if s == nil {
		return out
	}
	for k, v := range s.features {
		out[k] = v
	}
	return out
}

// Quotas returns a copy of the quota map.
func (s *Snapshot) Quotas() map[string]int64 {
	out := make(map[string]int64)
	if s == nil {
		return out
	}
	for k, v := range s.quotas {
		out[k] = v
	}
	return out
}

// PlanName returns the raw plan name, which may be empty.
func (s *Snapshot) PlanName() string {
	if s == nil {
		return ""
	}
	return s.planName
}

// ConsumerID returns the consumer ID assigned by the authority.
func (s *Snapshot) ConsumerID() string {
	if s == nil {
		return ""
	}
	return s.consumerID
}

// ValidFrom returns the start of the validity window.
func (s *Snapshot) ValidFrom() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.validFrom
}

// ValidTo returns the end of the validity window. Zero means open-ended.
func (s *Snapshot) ValidTo() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.validTo
}

// Certificate returns the raw certificate the snapshot was built from.
func (s *Snapshot) Certificate() string {
	if s == nil {
		return ""
	}
	return s.certificate
}

// IsExpired reports whether validTo lies before now. Expiry is surfaced to
// callers; the snapshot keeps serving until a newer one replaces it.
func (s *Snapshot) IsExpired(now time.Time) bool {
	if s == nil || s.validTo.IsZero() {
		return false
	}
	return now.After(s.validTo)
}

// Entitlement is one entry of the flattened entitlement view.
type Entitlement struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Limit       *int64 `json:"limit,omitempty"`
}

// Entitlements returns the snapshot's features and quotas sorted by key.
func (s *Snapshot) Entitlements() []Entitlement {
	features := s.Features()
	quotas := s.Quotas()

	out := make([]Entitlement, 0, len(features)+len(quotas))
	for key, enabled := range features {
		enabled := enabled
		out = append(out, Entitlement{Key: key, DisplayName: GetFeatureDisplayName(key), Enabled: &enabled})
	}
	for key, limit := range quotas {
		limit := limit
		out = append(out, Entitlement{Key: key, DisplayName: GetFeatureDisplayName(key), Limit: &limit})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
