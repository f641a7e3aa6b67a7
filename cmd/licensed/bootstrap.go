package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/Bakeneko/n8n/internal/config"
	"github.com/Bakeneko/n8n/internal/license"
	"github.com/Bakeneko/n8n/internal/license/devauthority"
	"github.com/Bakeneko/n8n/internal/license/leadership"
	"github.com/Bakeneko/n8n/internal/logging"
)

// coordinator bundles the service with the collaborators the process drives.
type coordinator struct {
	svc       *license.Service
	tracker   *leadership.Tracker
	authority *devauthority.Authority
}

// newCoordinator wires a Service on the development authority. reg may be nil.
func newCoordinator(cfg *config.Config, reg prometheus.Registerer) (*coordinator, error) {
	plan, err := devauthority.PlanByName(cfg.DevPlan)
	if err != nil {
		return nil, err
	}
	authority := devauthority.New(plan)

	var signer *license.TokenSigner
	if cfg.TokenSecret != "" {
		signer, err = license.SignerFromSecret(cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("management token secret: %w", err)
		}
	}

	tracker := leadership.NewTracker()
	tracker.Set(cfg.Leadership)

	svc, err := license.NewService(cfg.License, license.Deps{
		Authority:  authority,
		Leadership: tracker,
		Signer:     signer,
		Registerer: reg,
		Logger:     logging.Scoped("license"),
	})
	if err != nil {
		return nil, err
	}
	return &coordinator{svc: svc, tracker: tracker, authority: authority}, nil
}

// start runs the init path and, when nothing could be loaded, activates the
// configured key.
func (c *coordinator) start(ctx context.Context, cfg *config.Config) error {
	if err := c.svc.Init(ctx, false); err != nil {
		return fmt.Errorf("initialize license: %w", err)
	}
	if c.svc.Snapshot().IsLoaded() {
		return nil
	}

	key := cfg.ActivationKey
	if key == "" && cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", cfg.KeyFile).Msg("Failed to read license key file")
		}
		key = strings.TrimSpace(string(data))
	}
	if key == "" {
		return nil
	}
	if err := c.svc.Activate(ctx, key); err != nil {
		log.Warn().Err(err).Msg("Failed to activate configured license key")
	}
	return nil
}
