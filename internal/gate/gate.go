// Package gate is the authentication pipeline in front of every mutating
// request. It combines the lockout guard, the signing-key registry and the
// abuse scorer in a fixed order:
//
//	lock check -> credential/token verification -> failure tracking or clear
//	-> suspension gate -> per-request abuse evaluation
//
// Logins are checked against the identifier lock before the secret is
// verified. Tokens are checked against the lock of their subject right after
// the signature, since the subject is only known once the token verifies.
//
// Lockout and suspension, once confirmed, always block. Everything the abuse
// scorer reports beyond that is advisory and never fails a request.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/caseguard/internal/abuse"
	"github.com/onnwee/caseguard/internal/auth"
	"github.com/onnwee/caseguard/internal/lockout"
	"github.com/onnwee/caseguard/internal/tracing"
)

var (
	// ErrInvalidCredentials is the single, generic authentication failure.
	// It never tells the caller which key, kid or check failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSuspended is matched by every *SuspendedError.
	ErrSuspended = errors.New("principal suspended")
)

// SuspendedError reports an active suspension.
type SuspendedError struct {
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("principal suspended until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrSuspended) succeed.
func (e *SuspendedError) Is(target error) bool {
	return target == ErrSuspended
}

// Identity is what a CredentialVerifier knows about a principal.
type Identity struct {
	PrincipalID string
	Region      string // Home region, bound into issued tokens
}

// CredentialVerifier checks a login secret. It belongs to the user store,
// which lives outside this module.
type CredentialVerifier interface {
	// VerifyCredentials returns the identity for identifier when secret is
	// correct. When identifier names a known principal but the secret is
	// wrong it returns that identity together with ErrInvalidCredentials,
	// so the failure can be attributed. Unknown identifiers return a zero
	// Identity and ErrInvalidCredentials.
	VerifyCredentials(ctx context.Context, identifier, secret string) (Identity, error)
}

// LoginAttempt is one sign-in request.
type LoginAttempt struct {
	Identifier string
	Secret     string
	Signals    abuse.RequestSignals
}

// LoginResult carries the issued tokens.
type LoginResult struct {
	PrincipalID  string `json:"principal_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // Access token lifetime in seconds
	TokenType    string `json:"token_type"`
}

// Principal is an authenticated caller.
type Principal struct {
	ID      string
	Region  string
	TokenID string
}

// Config wires an Authenticator.
type Config struct {
	Keys        *auth.KeyRegistry
	Lockout     *lockout.Guard
	Abuse       *abuse.Scorer // Optional
	Credentials CredentialVerifier
	Logger      *slog.Logger
	Metrics     *Metrics // Optional
}

// Authenticator runs the authentication pipeline.
type Authenticator struct {
	keys        *auth.KeyRegistry
	lockout     *lockout.Guard
	abuse       *abuse.Scorer
	credentials CredentialVerifier
	logger      *slog.Logger
	metrics     *Metrics
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Keys == nil {
		return nil, errors.New("gate: key registry is required")
	}
	if cfg.Lockout == nil {
		return nil, errors.New("gate: lockout guard is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authenticator{
		keys:        cfg.Keys,
		lockout:     cfg.Lockout,
		abuse:       cfg.Abuse,
		credentials: cfg.Credentials,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Login verifies a credential and issues tokens.
//
// A locked identifier is rejected before the secret is looked at, so a
// correct password does not bypass the lock. A wrong secret counts towards
// the lock and, for a known principal, records a failed_login signal.
func (a *Authenticator) Login(ctx context.Context, attempt LoginAttempt) (_ *LoginResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "gate.login")
	defer func() { endSpan(err) }()

	if a.credentials == nil {
		return nil, errors.New("gate: no credential verifier configured")
	}

	if status := a.lockout.Check(ctx, attempt.Identifier); status.Locked {
		a.observeLogin(ResultLocked)
		return nil, status.Err()
	}

	identity, err := a.credentials.VerifyCredentials(ctx, attempt.Identifier, attempt.Secret)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			a.observeLogin(ResultError)
			return nil, fmt.Errorf("verify credentials: %w", err)
		}
		a.loginFailed(ctx, attempt, identity)
		a.observeLogin(ResultInvalid)
		return nil, ErrInvalidCredentials
	}

	if err := a.lockout.Clear(ctx, attempt.Identifier); err != nil {
		a.logger.WarnContext(ctx, "failed to clear lockout counter", slog.String("error", err.Error()))
	}

	if err := a.checkSuspension(ctx, identity.PrincipalID); err != nil {
		a.observeLogin(ResultSuspended)
		return nil, err
	}

	signals := attempt.Signals
	signals.TokenRegion = identity.Region
	if err := a.evaluate(ctx, identity.PrincipalID, signals); err != nil {
		a.observeLogin(ResultSuspended)
		return nil, err
	}

	access, err := a.keys.IssueAccessToken(identity.PrincipalID, identity.Region)
	if err != nil {
		a.observeLogin(ResultError)
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.keys.IssueRefreshToken(identity.PrincipalID, identity.Region)
	if err != nil {
		a.observeLogin(ResultError)
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	a.observeLogin(ResultSuccess)
	return &LoginResult{
		PrincipalID:  identity.PrincipalID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(auth.AccessTokenExpiry / time.Second),
		TokenType:    "Bearer",
	}, nil
}

// loginFailed records a failed attempt. Both calls are best effort.
func (a *Authenticator) loginFailed(ctx context.Context, attempt LoginAttempt, identity Identity) {
	count, err := a.lockout.RecordPrincipalFailure(ctx, attempt.Identifier, identity.PrincipalID)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to record login failure", slog.String("error", err.Error()))
	}

	if a.abuse == nil || identity.PrincipalID == "" {
		return
	}
	metadata := map[string]string{"attempt": fmt.Sprint(count)}
	if _, err := a.abuse.RecordSignal(ctx, identity.PrincipalID, abuse.SignalFailedLogin, metadata); err != nil {
		a.logger.WarnContext(ctx, "failed to record failed_login signal", slog.String("error", err.Error()))
	}
}

// Authenticate verifies an access token and applies the lock, the
// suspension gate and the per-request abuse evaluation.
func (a *Authenticator) Authenticate(ctx context.Context, token string, signals abuse.RequestSignals) (*Principal, error) {
	claims, err := a.verify(ctx, token, auth.TokenTypeAccess)
	if err != nil {
		return nil, err
	}

	if err := a.checkSuspension(ctx, claims.Subject); err != nil {
		return nil, err
	}

	signals.TokenRegion = claims.Region
	if err := a.evaluate(ctx, claims.Subject, signals); err != nil {
		return nil, err
	}

	return &Principal{ID: claims.Subject, Region: claims.Region, TokenID: claims.ID}, nil
}

// Refresh exchanges a refresh token for a new access token. The region
// claim is carried over from the refresh token.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := a.verify(ctx, refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return "", err
	}
	if err := a.checkSuspension(ctx, claims.Subject); err != nil {
		return "", err
	}
	return a.keys.IssueAccessToken(claims.Subject, claims.Region)
}

// verify checks the token signature and type, then rejects a subject
// covered by an active lock.
func (a *Authenticator) verify(ctx context.Context, token, typ string) (*auth.Claims, error) {
	claims, err := a.keys.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}
	if status := a.lockout.CheckPrincipal(ctx, claims.Subject); status.Locked {
		return nil, status.Err()
	}
	return claims, nil
}

// checkSuspension blocks a confirmed suspension. A scoring store failure is
// logged and treated as not suspended.
func (a *Authenticator) checkSuspension(ctx context.Context, principalID string) error {
	if a.abuse == nil {
		return nil
	}
	until, suspended, err := a.abuse.Suspension(ctx, principalID)
	if err != nil {
		a.logger.WarnContext(ctx, "suspension check unavailable, continuing",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
		return nil
	}
	if suspended {
		return &SuspendedError{Until: until}
	}
	return nil
}

// evaluate runs the per-request abuse checks. Only a suspension opened by
// this very request is returned; every other outcome is absorbed.
func (a *Authenticator) evaluate(ctx context.Context, principalID string, signals abuse.RequestSignals) error {
	if a.abuse == nil {
		return nil
	}
	eval, err := a.abuse.EvaluateRequest(ctx, principalID, signals)
	if err != nil {
		a.logger.WarnContext(ctx, "abuse evaluation incomplete",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
	}
	if eval != nil && eval.NewlySuspended && eval.Profile != nil && eval.Profile.SuspendedUntil != nil {
		return &SuspendedError{Until: *eval.Profile.SuspendedUntil}
	}
	return nil
}

func (a *Authenticator) observeLogin(result string) {
	if a.metrics != nil {
		a.metrics.IncLogins(result)
	}
}
