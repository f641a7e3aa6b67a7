package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Bakeneko/n8n/pkg/licensing"
)

// ManagementClaims is the claim set of a management token: the subset of the
// current snapshot internal services need to authorize calls.
type ManagementClaims struct {
	PlanName string           `json:"plan"`
	Features map[string]bool  `json:"features,omitempty"`
	Quotas   map[string]int64 `json:"quotas,omitempty"`
	// Version is the snapshot version the token was cut from.
	Version uint64 `json:"ver"`
	jwt.RegisteredClaims
}

// TokenIssuer signs management tokens from the current snapshot.
type TokenIssuer struct {
	store    *Store
	signer   *TokenSigner
	clock    quartz.Clock
	issuer   string
	subject  string
	ttl      time.Duration
	interval time.Duration
}

// NewTokenIssuer creates an issuer. The token lifetime is capped by both ttl
// and the renewal interval.
func NewTokenIssuer(store *Store, signer *TokenSigner, clock quartz.Clock, cfg Config) *TokenIssuer {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &TokenIssuer{
		store:    store,
		signer:   signer,
		clock:    clock,
		issuer:   cfg.TokenIssuer,
		subject:  cfg.InstanceID,
		ttl:      cfg.TokenTTL,
		interval: cfg.RenewalInterval,
	}
}

// Issue signs a token for the current snapshot.
func (t *TokenIssuer) Issue() (string, error) {
	if t.signer == nil || t.signer.Method == nil {
		return "", ErrNoSigner
	}
	snap := t.store.Read()
	now := t.clock.Now()
	lifetime := t.lifetime(snap, now)
	if lifetime <= 0 {
		return "", ErrSnapshotExpired
	}

	planName := snap.PlanName()
	if planName == "" {
		planName = licensing.DefaultPlanName
	}
	claims := ManagementClaims{
		PlanName: planName,
		Features: snap.Features(),
		Quotas:   snap.Quotas(),
		Version:  snap.Version(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   t.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(t.signer.Method, claims)
	if t.signer.KeyID != "" {
		token.Header["kid"] = t.signer.KeyID
	}
	signed, err := token.SignedString(t.signer.Key)
	if err != nil {
		return "", fmt.Errorf("sign management token: %w", err)
	}
	return signed, nil
}

// lifetime keeps a token from outliving the data it carries: it never exceeds
// the TTL, the renewal interval, or the snapshot's remaining validity. It is
// zero once the snapshot has expired.
func (t *TokenIssuer) lifetime(snap *licensing.Snapshot, now time.Time) time.Duration {
	d := t.ttl
	if t.interval > 0 && t.interval < d {
		d = t.interval
	}
	if validTo := snap.ValidTo(); !validTo.IsZero() {
		remaining := validTo.Sub(now)
		if remaining <= 0 {
			return 0
		}
		if remaining < d {
			d = remaining
		}
	}
	return d
}

// ParseManagementToken verifies raw against the signer's verification key and
// returns its claims.
func ParseManagementToken(raw string, signer *TokenSigner, opts ...jwt.ParserOption) (*ManagementClaims, error) {
	if signer == nil || signer.Method == nil {
		return nil, ErrNoSigner
	}
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{signer.Method.Alg()})}, opts...)

	claims := &ManagementClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return signer.VerifyKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse management token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("parse management token: token invalid")
	}
	return claims, nil
}
