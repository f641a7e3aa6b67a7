// Package devauthority is an in-process license authority that grants a
// static plan. It backs local development and tests; it has no wire protocol
// and does not sign its certificates.
package devauthority

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Bakeneko/n8n/internal/license"
	"github.com/Bakeneko/n8n/pkg/licensing"
)

var (
	ErrUnknownKey   = errors.New("activation key is not recognised")
	ErrNotActivated = errors.New("no license key has been activated")
)

// Calls counts the requests an Authority has served, failed ones included.
type Calls struct {
	Renew    int
	Activate int
	Reload   int
}

// Authority implements license.Authority from a fixed Plan.
type Authority struct {
	mu         sync.Mutex
	plan       Plan
	clock      quartz.Clock
	consumerID string
	keys       map[string]bool

	activeKey  string
	instanceID string
	tenantID   string
	failures   []error
	calls      Calls
}

var _ license.Authority = (*Authority)(nil)

// Option configures an Authority.
type Option func(*Authority)

// WithClock sets the clock used for certificate validity.
func WithClock(clock quartz.Clock) Option {
	return func(a *Authority) { a.clock = clock }
}

// WithKeys restricts activation to keys. Renewal then requires a prior
// activation. Without keys every non-empty key is accepted and renewal works
// immediately.
func WithKeys(keys ...string) Option {
	return func(a *Authority) {
		for _, k := range keys {
			if k != "" {
				a.keys[k] = true
			}
		}
	}
}

// WithConsumerID fixes the consumer id reported in grants.
func WithConsumerID(id string) Option {
	return func(a *Authority) { a.consumerID = id }
}

// New returns an authority granting plan.
func New(plan Plan, opts ...Option) *Authority {
	a := &Authority{
		plan:       plan,
		clock:      quartz.NewReal(),
		consumerID: uuid.NewString(),
		keys:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.plan.Validity <= 0 {
		a.plan.Validity = DefaultValidity
	}
	return a
}

// FailNext queues errors returned by the next calls, one per call, before any
// other processing.
func (a *Authority) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
}

// Calls returns the request counters.
func (a *Authority) Calls() Calls {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Authority) Renew(ctx context.Context, instanceID, tenantID string) (licensing.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls.Renew++
	if err := a.precheckLocked(ctx, "renew"); err != nil {
		return licensing.Grant{}, err
	}
	if len(a.keys) > 0 && a.activeKey == "" {
		return licensing.Grant{}, license.TerminalError("renew", ErrNotActivated)
	}
	a.instanceID = instanceID
	a.tenantID = tenantID
	return a.grantLocked()
}

func (a *Authority) Activate(ctx context.Context, key string) (licensing.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls.Activate++
	if err := a.precheckLocked(ctx, "activate"); err != nil {
		return licensing.Grant{}, err
	}
	if key == "" {
		return licensing.Grant{}, license.TerminalError("activate", license.ErrEmptyActivation)
	}
	if len(a.keys) > 0 && !a.keys[key] {
		return licensing.Grant{}, license.TerminalError("activate", ErrUnknownKey)
	}
	a.activeKey = key
	return a.grantLocked()
}

func (a *Authority) Reload(ctx context.Context) (licensing.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls.Reload++
	if err := a.precheckLocked(ctx, "reload"); err != nil {
		return licensing.Grant{}, err
	}
	if len(a.keys) > 0 && a.activeKey == "" {
		return licensing.Grant{}, license.TerminalError("reload", ErrNotActivated)
	}
	return a.grantLocked()
}

func (a *Authority) precheckLocked(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("license %s: %w", op, err)
	}
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return err
	}
	return nil
}

// certificate is the unsigned payload carried in Grant.Certificate.
type certificate struct {
	Plan       string    `json:"plan"`
	ConsumerID string    `json:"consumer_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	ValidTo    time.Time `json:"valid_to"`
}

func (a *Authority) grantLocked() (licensing.Grant, error) {
	now := a.clock.Now().UTC()
	validTo := now.Add(a.plan.Validity)

	raw, err := json.Marshal(certificate{
		Plan:       a.plan.Name,
		ConsumerID: a.consumerID,
		InstanceID: a.instanceID,
		TenantID:   a.tenantID,
		IssuedAt:   now,
		ValidTo:    validTo,
	})
	if err != nil {
		return licensing.Grant{}, fmt.Errorf("encode development certificate: %w", err)
	}

	return licensing.Grant{
		Features:    copyMap(a.plan.Features),
		Quotas:      copyMap(a.plan.Quotas),
		PlanName:    a.plan.Name,
		ConsumerID:  a.consumerID,
		ValidFrom:   now,
		ValidTo:     validTo,
		Certificate: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DecodeCertificate returns the plan and validity recorded in a development
// certificate.
func DecodeCertificate(cert string) (plan string, validTo time.Time, err error) {
	raw, err := base64.StdEncoding.DecodeString(cert)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("decode development certificate: %w", err)
	}
	var c certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", time.Time{}, fmt.Errorf("parse development certificate: %w", err)
	}
	return c.Plan, c.ValidTo, nil
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
