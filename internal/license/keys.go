package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedKey is returned when a signing key cannot be decoded.
var ErrMalformedKey = errors.New("malformed signing key")

// TokenSigner carries the key material for management tokens. Key management
// lives outside this package; the signer only pairs a method with its keys.
type TokenSigner struct {
	Method jwt.SigningMethod
	// Key signs tokens.
	Key any
	// VerifyKey checks tokens. For HMAC it is the signing secret itself.
	VerifyKey any
	// KeyID is written to the kid header when set.
	KeyID string
}

// HMACSigner signs with HS256 and a shared secret.
func HMACSigner(secret []byte) *TokenSigner {
	return &TokenSigner{Method: jwt.SigningMethodHS256, Key: secret, VerifyKey: secret}
}

// Ed25519Signer signs with EdDSA.
func Ed25519Signer(key ed25519.PrivateKey, keyID string) *TokenSigner {
	return &TokenSigner{
		Method:    jwt.SigningMethodEdDSA,
		Key:       key,
		VerifyKey: key.Public(),
		KeyID:     keyID,
	}
}

// SignerFromSecret builds a signer from a configured secret. Values prefixed
// with "ed25519:" carry a base64 Ed25519 seed or private key; anything else is
// used as an HMAC secret.
func SignerFromSecret(secret string) (*TokenSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSigner
	}
	encoded, ok := strings.CutPrefix(secret, "ed25519:")
	if !ok {
		return HMACSigner([]byte(secret)), nil
	}
	key, err := decodeEd25519Key(encoded)
	if err != nil {
		return nil, err
	}
	return Ed25519Signer(key, ""), nil
}

// decodeEd25519Key accepts a seed or a full private key, base64 encoded.
func decodeEd25519Key(encoded string) (ed25519.PrivateKey, error) {
	encoded = strings.TrimSpace(encoded)

	// Try standard base64 first, then URL-safe
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
	}

	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrMalformedKey, len(decoded))
	}
}
