// Package auth provides credential signing and verification through a
// multi-key registry that supports zero-downtime key rotation.
//
// Rotation: ship a registry where the new key is active and the previous key
// is inactive. Both keys verify, only the new key signs. Once every token
// signed by the previous key has expired (bounded by RefreshTokenExpiry), the
// previous key can be removed. Removing a key immediately invalidates every
// token it signed; shipping a registry containing only a brand-new key is the
// emergency revocation procedure.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum accepted HMAC secret length in bytes.
const MinSecretLength = 32

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// Registry construction errors.
var (
	ErrNoKeys         = errors.New("signing key registry is empty")
	ErrNoActiveKey    = errors.New("signing key registry has no active key")
	ErrMultipleActive = errors.New("signing key registry has more than one active key")
	ErrEmptyKid       = errors.New("signing key kid cannot be empty")
	ErrDuplicateKid   = errors.New("signing key kid is duplicated")
	ErrSecretTooShort = fmt.Errorf("signing key secret must be at least %d bytes", MinSecretLength)
)

// SigningKey is one entry of the signing key registry.
type SigningKey struct {
	Kid    string
	Secret string
	Active bool
}

// KeyRegistry holds the signing keys loaded at startup. Exactly one key is
// active and used for new signatures; every key verifies.
// A KeyRegistry is immutable after construction and safe for concurrent use.
type KeyRegistry struct {
	keys   []SigningKey // registry order, used for kid-less verification
	byKid  map[string]SigningKey
	active SigningKey
	leeway time.Duration
	now    func() time.Time
}

// NewKeyRegistry validates keys and builds a registry. It fails fast when the
// registry does not contain exactly one active key.
func NewKeyRegistry(keys []SigningKey) (*KeyRegistry, error) {
	return NewKeyRegistryWithLeeway(keys, DefaultLeeway)
}

// NewKeyRegistryWithLeeway builds a registry with a custom validation leeway.
func NewKeyRegistryWithLeeway(keys []SigningKey, leeway time.Duration) (*KeyRegistry, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	r := &KeyRegistry{
		keys:   make([]SigningKey, 0, len(keys)),
		byKid:  make(map[string]SigningKey, len(keys)),
		leeway: leeway,
		now:    time.Now,
	}

	activeCount := 0
	for _, k := range keys {
		k.Kid = strings.TrimSpace(k.Kid)
		if k.Kid == "" {
			return nil, ErrEmptyKid
		}
		if _, dup := r.byKid[k.Kid]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKid, k.Kid)
		}
		if len(k.Secret) < MinSecretLength {
			return nil, fmt.Errorf("%w (kid %s)", ErrSecretTooShort, k.Kid)
		}
		if k.Active {
			activeCount++
			r.active = k
		}
		r.keys = append(r.keys, k)
		r.byKid[k.Kid] = k
	}

	switch {
	case activeCount == 0:
		return nil, ErrNoActiveKey
	case activeCount > 1:
		return nil, ErrMultipleActive
	}
	return r, nil
}

// ActiveKid returns the kid of the key used for new signatures.
func (r *KeyRegistry) ActiveKid() string {
	return r.active.Kid
}

// Kids returns all registered kids in registry order.
func (r *KeyRegistry) Kids() []string {
	kids := make([]string, len(r.keys))
	for i, k := range r.keys {
		kids[i] = k.Kid
	}
	return kids
}

// Sign signs claims with the active key and embeds its kid in the header.
func (r *KeyRegistry) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = r.active.Kid
	signed, err := token.SignedString([]byte(r.active.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates tokenString and returns its claims.
//
// The kid header is read without trusting it and only selects the
// verification key. A known kid is verified against that key alone; an
// absent or unknown kid is tried against every key in registry order, which
// covers tokens issued before kids were embedded.
func (r *KeyRegistry) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidSignature
	}

	if kid := unverifiedKid(tokenString); kid != "" {
		if key, ok := r.byKid[kid]; ok {
			return r.verifyWith(tokenString, key)
		}
	}

	for _, key := range r.keys {
		claims, err := r.verifyWith(tokenString, key)
		if err == nil {
			return claims, nil
		}
		// The signature checked out, only the claims did not.
		if errors.Is(err, ErrExpiredToken) {
			return nil, err
		}
	}
	return nil, ErrInvalidSignature
}

// verifyWith validates tokenString against a single key.
func (r *KeyRegistry) verifyWith(tokenString string, key SigningKey) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidSignature
		}
		return []byte(key.Secret), nil
	}, jwt.WithLeeway(r.leeway), jwt.WithTimeFunc(r.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidSignature
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// unverifiedKid extracts the kid header without verifying the signature.
func unverifiedKid(tokenString string) string {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return ""
	}
	kid, _ := token.Header["kid"].(string)
	return kid
}
