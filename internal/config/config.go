// Package config loads the license coordinator configuration from the
// environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Bakeneko/n8n/internal/license"
	"github.com/Bakeneko/n8n/internal/license/leadership"
)

// Environment variables recognised by Load.
const (
	EnvFile                = "N8N_LICENSE_ENV_FILE"
	EnvAutoRenewEnabled    = "N8N_LICENSE_AUTO_RENEW_ENABLED"
	EnvAutoRenewOffset     = "N8N_LICENSE_AUTO_RENEW_OFFSET"
	EnvRenewalInterval     = "N8N_LICENSE_RENEWAL_INTERVAL"
	EnvMinRenewalDelay     = "N8N_LICENSE_MIN_RENEWAL_DELAY"
	EnvMultiMainEnabled    = "N8N_MULTI_MAIN_SETUP_ENABLED"
	EnvTenantID            = "N8N_LICENSE_TENANT_ID"
	EnvServerURL           = "N8N_LICENSE_SERVER_URL"
	EnvInstanceType        = "N8N_INSTANCE_TYPE"
	EnvInstanceID          = "N8N_INSTANCE_ID"
	EnvActivationKey       = "N8N_LICENSE_ACTIVATION_KEY"
	EnvKeyFile             = "N8N_LICENSE_KEY_FILE"
	EnvBackoffInitial      = "N8N_LICENSE_BACKOFF_INITIAL"
	EnvBackoffMax          = "N8N_LICENSE_BACKOFF_MAX"
	EnvBackoffJitter       = "N8N_LICENSE_BACKOFF_JITTER"
	EnvAttemptTimeout      = "N8N_LICENSE_ATTEMPT_TIMEOUT"
	EnvShutdownGrace       = "N8N_LICENSE_SHUTDOWN_GRACE"
	EnvTokenTTL            = "N8N_LICENSE_TOKEN_TTL"
	EnvTokenSecret         = "N8N_LICENSE_TOKEN_SECRET"
	EnvTokenIssuer         = "N8N_LICENSE_TOKEN_ISSUER"
	EnvDenyUnknownFeatures = "N8N_LICENSE_DENY_UNKNOWN_FEATURES"
	EnvFeatureFallbacks    = "N8N_LICENSE_NEGATIVE_FEATURE_FALLBACKS"
	EnvLeadership          = "N8N_LICENSE_LEADERSHIP"
	EnvDevPlan             = "N8N_LICENSE_DEV_PLAN"
	EnvLogLevel            = "LOG_LEVEL"
	EnvLogFormat           = "LOG_FORMAT"
	EnvMetricsAddr         = "N8N_LICENSE_METRICS_ADDR"
)

// Defaults for the process-level settings.
const (
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "auto"
	DefaultMetricsAddr = ":9464"
	DefaultDevPlan     = "Enterprise"
)

// Config is the full process configuration.
type Config struct {
	License license.Config

	// ActivationKey is activated at startup when no snapshot could be loaded.
	ActivationKey string
	// KeyFile, when set, is watched for license key changes.
	KeyFile     string
	TokenSecret string
	// Leadership is the initial leadership status reported to the coordinator.
	Leadership leadership.Status
	DevPlan    string

	LogLevel    string
	LogFormat   string
	MetricsAddr string

	// EnvOverrides records which variables were set in the environment.
	EnvOverrides map[string]bool
}

// Load reads .env (N8N_LICENSE_ENV_FILE, or .env in the working directory)
// and then the environment. Values already present in the environment win
// over the file. Every invalid value is reported, not just the first.
func Load() (*Config, error) {
	if envFile := os.Getenv(EnvFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
		log.Info().Str("file", envFile).Msg("Loaded env file")
	} else if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		License:      license.DefaultConfig(),
		Leadership:   leadership.StatusUnset,
		DevPlan:      DefaultDevPlan,
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		MetricsAddr:  DefaultMetricsAddr,
		EnvOverrides: make(map[string]bool),
	}
	p := &envParser{overrides: cfg.EnvOverrides}

	lc := &cfg.License
	p.bool(EnvAutoRenewEnabled, &lc.AutoRenewEnabled)
	p.duration(EnvAutoRenewOffset, &lc.AutoRenewOffset)
	p.duration(EnvRenewalInterval, &lc.RenewalInterval)
	p.duration(EnvMinRenewalDelay, &lc.MinRenewalDelay)
	p.bool(EnvMultiMainEnabled, &lc.MultiInstanceEnabled)
	p.string(EnvTenantID, &lc.TenantID)
	p.string(EnvServerURL, &lc.ServerURL)
	p.string(EnvInstanceID, &lc.InstanceID)
	p.duration(EnvBackoffInitial, &lc.BackoffInitial)
	p.duration(EnvBackoffMax, &lc.BackoffMax)
	p.float(EnvBackoffJitter, &lc.BackoffJitter)
	p.duration(EnvAttemptTimeout, &lc.AttemptTimeout)
	p.duration(EnvShutdownGrace, &lc.ShutdownGrace)
	p.duration(EnvTokenTTL, &lc.TokenTTL)
	p.string(EnvTokenIssuer, &lc.TokenIssuer)
	p.bool(EnvDenyUnknownFeatures, &lc.DenyUnknownFeatures)
	p.bool(EnvFeatureFallbacks, &lc.NegativeFeatureFallbacks)

	if v, ok := p.lookup(EnvInstanceType); ok {
		role, err := license.ParseRole(v)
		if err != nil {
			p.fail(EnvInstanceType, err)
		} else {
			lc.Role = role
		}
	}
	if v, ok := p.lookup(EnvLeadership); ok {
		status, err := leadership.ParseStatus(v)
		if err != nil {
			p.fail(EnvLeadership, err)
		} else {
			cfg.Leadership = status
		}
	}

	p.string(EnvActivationKey, &cfg.ActivationKey)
	p.string(EnvKeyFile, &cfg.KeyFile)
	p.string(EnvTokenSecret, &cfg.TokenSecret)
	p.string(EnvDevPlan, &cfg.DevPlan)
	p.string(EnvLogLevel, &cfg.LogLevel)
	p.string(EnvLogFormat, &cfg.LogFormat)
	p.string(EnvMetricsAddr, &cfg.MetricsAddr)

	if lc.InstanceID == "" {
		lc.InstanceID = uuid.NewString()
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := lc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid license settings: %w", err)
	}
	return cfg, nil
}

// envParser reads typed values and collects parse errors.
type envParser struct {
	overrides map[string]bool
	errs      []error
}

func (p *envParser) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	p.overrides[key] = true
	return v, true
}

func (p *envParser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *envParser) string(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *envParser) bool(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = b
}

func (p *envParser) float(key string, dst *float64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = f
}

// duration accepts Go duration strings and bare integers as seconds.
func (p *envParser) duration(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = d
}
