// Package license coordinates the entitlement snapshot of an instance: when
// to renew it, who may renew it, and how the rest of the process reads it.
package license

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Bakeneko/n8n/internal/license/leadership"
	"github.com/Bakeneko/n8n/pkg/licensing"
)

// Deps are the collaborators of a Service. Authority is required.
type Deps struct {
	Authority  Authority
	Leadership leadership.Signal
	Saver      CertificateSaver
	Signer     *TokenSigner
	Clock      quartz.Clock
	// Registerer receives the coordinator's metrics. Nil skips registration.
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// Service is the application-facing license surface. Entitlement reads come
// from the embedded Resolver and never fail; lifecycle calls drive the
// Scheduler.
type Service struct {
	*Resolver

	cfg       Config
	store     *Store
	scheduler *Scheduler
	tokens    *TokenIssuer
	metrics   *RenewalMetrics
}

// NewService wires a coordinator from cfg and deps.
func NewService(cfg Config, deps Deps) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid license config: %w", err)
	}
	if deps.Authority == nil {
		return nil, fmt.Errorf("license authority is required")
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}

	store := NewStore()
	metrics := NewRenewalMetrics(deps.Registerer)

	opts := []ResolverOption{WithResolverClock(deps.Clock)}
	if cfg.DenyUnknownFeatures {
		opts = append(opts, WithDefaultFeatureEnabled(false))
	}
	if cfg.NegativeFeatureFallbacks {
		opts = append(opts, WithFeatureFallbacks(licensing.FeatureFallbacks()))
	}

	return &Service{
		Resolver:  NewResolver(store, opts...),
		cfg:       cfg,
		store:     store,
		scheduler: NewScheduler(cfg, store, deps, metrics),
		tokens:    NewTokenIssuer(store, deps.Signer, deps.Clock, cfg),
		metrics:   metrics,
	}, nil
}

// Init loads an initial snapshot and starts renewal. See Scheduler.Init.
func (s *Service) Init(ctx context.Context, force bool) error {
	return s.scheduler.Init(ctx, force)
}

// Reinit discards the running renewal loop and redoes the full init path,
// for example after the license key changed.
func (s *Service) Reinit(ctx context.Context) error {
	if err := s.scheduler.Init(ctx, true); err != nil {
		return err
	}
	s.scheduler.logger.Debug().Msg("License reinitialized")
	return nil
}

// Activate exchanges an activation key for entitlements and reports failure.
func (s *Service) Activate(ctx context.Context, key string) error {
	return s.scheduler.Activate(ctx, key)
}

// Reload re-reads the current certificate without renewing it.
func (s *Service) Reload(ctx context.Context) error {
	return s.scheduler.Reload(ctx)
}

// Shutdown stops renewal. See Scheduler.Shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown(ctx)
}

// IssueManagementToken signs a short-lived token for the current snapshot.
func (s *Service) IssueManagementToken() (string, error) {
	return s.tokens.Issue()
}

// CurrentSnapshotVersion returns the version currently served.
func (s *Service) CurrentSnapshotVersion() uint64 {
	return s.store.Version()
}

// OnChange registers a callback invoked after every applied snapshot.
func (s *Service) OnChange(fn func(*licensing.Snapshot)) {
	s.scheduler.OnChange(fn)
}

// Status returns the coordinator's current state.
func (s *Service) Status() SchedulerStatus {
	return s.scheduler.Status()
}

// Info summarises the served license for logs and diagnostics.
func (s *Service) Info() string {
	snap := s.store.Read()
	if !snap.IsLoaded() {
		return "n/a"
	}
	plan := snap.PlanName()
	if plan == "" {
		plan = licensing.DefaultPlanName
	}
	info := fmt.Sprintf("plan=%s version=%d consumer=%s", plan, snap.Version(), s.ConsumerID())
	if validTo := snap.ValidTo(); !validTo.IsZero() {
		info += " valid_to=" + validTo.UTC().Format(time.RFC3339)
	}
	return info
}
