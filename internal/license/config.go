package license

import (
	"errors"
	"fmt"
	"time"
)

// Default coordinator settings.
const (
	DefaultRenewalInterval = 24 * time.Hour
	DefaultAutoRenewOffset = 72 * time.Hour
	DefaultMinRenewalDelay = time.Minute
	DefaultBackoffInitial  = 5 * time.Second
	DefaultBackoffMax      = 30 * time.Minute
	DefaultBackoffJitter   = 0.1
	DefaultShutdownGrace   = 5 * time.Second
	DefaultTokenTTL        = time.Hour
	DefaultTokenIssuer     = "n8n-license"
	DefaultTenantID        = "1"
)

// Config controls the renewal coordinator.
type Config struct {
	Role       Role
	InstanceID string
	TenantID   string
	// ServerURL belongs to the network collaborator and is passed through unexamined.
	ServerURL string

	AutoRenewEnabled     bool
	MultiInstanceEnabled bool

	// RenewalInterval is the nominal time between renewals.
	RenewalInterval time.Duration
	// AutoRenewOffset renews this long before the interval (or the snapshot's
	// expiry) runs out, to tolerate authority latency.
	AutoRenewOffset time.Duration
	// MinRenewalDelay floors every armed delay.
	MinRenewalDelay time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BackoffJitter is the randomization factor applied to backoff delays (0..1).
	BackoffJitter float64

	// AttemptTimeout bounds a single authority call. Zero leaves timeouts to
	// the network collaborator.
	AttemptTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for an in-flight attempt.
	ShutdownGrace time.Duration

	TokenTTL    time.Duration
	TokenIssuer string

	// DenyUnknownFeatures flips the resolver's fallback for features a
	// snapshot does not mention from enabled to disabled.
	DenyUnknownFeatures bool
	// NegativeFeatureFallbacks keeps negative flags (feat:apiDisabled,
	// feat:showNonProdBanner) disabled while a snapshot does not mention them.
	NegativeFeatureFallbacks bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Role:             RoleMain,
		TenantID:         DefaultTenantID,
		AutoRenewEnabled: true,
		RenewalInterval:  DefaultRenewalInterval,
		AutoRenewOffset:  DefaultAutoRenewOffset,
		MinRenewalDelay:  DefaultMinRenewalDelay,
		BackoffInitial:   DefaultBackoffInitial,
		BackoffMax:       DefaultBackoffMax,
		BackoffJitter:    DefaultBackoffJitter,
		ShutdownGrace:    DefaultShutdownGrace,
		TokenTTL:         DefaultTokenTTL,
		TokenIssuer:      DefaultTokenIssuer,
	}
}

// withDefaults fills zero durations and identifiers from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.TenantID == "" {
		c.TenantID = d.TenantID
	}
	if c.RenewalInterval == 0 {
		c.RenewalInterval = d.RenewalInterval
	}
	if c.MinRenewalDelay == 0 {
		c.MinRenewalDelay = d.MinRenewalDelay
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.TokenIssuer == "" {
		c.TokenIssuer = d.TokenIssuer
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseRole(string(c.Role)); err != nil {
		errs = append(errs, err)
	}
	if c.RenewalInterval <= 0 {
		errs = append(errs, fmt.Errorf("renewal interval must be positive, got %s", c.RenewalInterval))
	}
	if c.AutoRenewOffset < 0 {
		errs = append(errs, fmt.Errorf("auto-renew offset must not be negative, got %s", c.AutoRenewOffset))
	}
	if c.MinRenewalDelay < 0 {
		errs = append(errs, fmt.Errorf("minimum renewal delay must not be negative, got %s", c.MinRenewalDelay))
	}
	if c.BackoffInitial <= 0 {
		errs = append(errs, fmt.Errorf("backoff initial delay must be positive, got %s", c.BackoffInitial))
	}
	if c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff max %s is below initial delay %s", c.BackoffMax, c.BackoffInitial))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("backoff jitter must be within [0,1], got %v", c.BackoffJitter))
	}
	if c.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("attempt timeout must not be negative, got %s", c.AttemptTimeout))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown grace must not be negative, got %s", c.ShutdownGrace))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("token TTL must be positive, got %s", c.TokenTTL))
	}
	return errors.Join(errs...)
}

// renewalDelay is the nominal delay between renewals: the interval minus the
// pre-expiry offset, floored at MinRenewalDelay. An offset at least as long
// as the interval leaves the full interval; the offset then only applies to
// the snapshot's expiry.
func (c Config) renewalDelay() time.Duration {
	delay := c.RenewalInterval - c.AutoRenewOffset
	if delay <= 0 {
		delay = c.RenewalInterval
	}
	if delay < c.MinRenewalDelay {
		delay = c.MinRenewalDelay
	}
	return delay
}
