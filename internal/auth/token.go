package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token expiration durations.
const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// ErrInvalidSignature is returned when a token does not verify against any
// registered key. It never reveals which key or kid was tried.
var ErrInvalidSignature = errors.New("invalid token signature")

// ErrExpiredToken is returned when the token signature is valid but the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptySubject is returned when a token is requested for an empty subject.
var ErrEmptySubject = errors.New("subject cannot be empty")

// Claims represents the JWT claims issued for a principal.
type Claims struct {
	jwt.RegisteredClaims
	Type   string `json:"typ"`              // Token type: "access" or "refresh"
	Region string `json:"region,omitempty"` // Home region of the principal, compared with the edge region
}

// SignOptions controls token issuance.
type SignOptions struct {
	Type   string        // TokenTypeAccess or TokenTypeRefresh
	TTL    time.Duration // Lifetime; defaults by type
	Region string        // Optional region claim
}

// Issue creates and signs a token for subject with the active key.
func (r *KeyRegistry) Issue(subject string, opts SignOptions) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if opts.Type == "" {
		opts.Type = TokenTypeAccess
	}
	if opts.TTL <= 0 {
		opts.TTL = AccessTokenExpiry
		if opts.Type == TokenTypeRefresh {
			opts.TTL = RefreshTokenExpiry
		}
	}

	now := r.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(opts.TTL)),
		},
		Type:   opts.Type,
		Region: opts.Region,
	}
	return r.Sign(claims)
}

// IssueAccessToken creates an access token (15m expiry).
func (r *KeyRegistry) IssueAccessToken(subject, region string) (string, error) {
	return r.Issue(subject, SignOptions{Type: TokenTypeAccess, Region: region})
}

// IssueRefreshToken creates a refresh token (7d expiry).
func (r *KeyRegistry) IssueRefreshToken(subject, region string) (string, error) {
	return r.Issue(subject, SignOptions{Type: TokenTypeRefresh, Region: region})
}
