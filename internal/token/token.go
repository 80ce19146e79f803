// Package token issues and verifies the short-lived access and long-lived
// refresh tokens used by every protected surface.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "denticore"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Claims are the verified token claims used across the service.
type Claims struct {
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// UserID is the token subject.
func (c *Claims) UserID() string { return c.Subject }

// Pair bundles a freshly issued access/refresh token set.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) Option {
	return func(i *Issuer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			i.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer around the shared signing secret.
func NewIssuer(secret string, opts ...Option) *Issuer {
	i := &Issuer{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a token pair for the user. The refresh token carries a
// token_type marker so it is rejected wherever an access token is required.
func (i *Issuer) Issue(userID, role string) (Pair, error) {
	now := i.now().UTC()
	accessExp := now.Add(i.accessTTL)
	refreshExp := now.Add(i.refreshTTL)

	access, err := i.sign(userID, role, typeAccess, now, accessExp)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.sign(userID, role, typeRefresh, now, refreshExp)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *Issuer) sign(userID, role, tokenType string, now, exp time.Time) (string, error) {
	claims := Claims{
		Role:      strings.TrimSpace(strings.ToLower(role)),
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify validates an access token. Any structural, signature or expiry
// failure yields nil so callers uniformly map absence of claims to 401.
func (i *Issuer) Verify(token string) *Claims {
	return i.verify(token, typeAccess)
}

// VerifyRefresh validates a refresh token, rejecting access tokens.
func (i *Issuer) VerifyRefresh(token string) *Claims {
	return i.verify(token, typeRefresh)
}

func (i *Issuer) verify(token, wantType string) *Claims {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil
	}
	if claims.TokenType != wantType {
		return nil
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.Role == "" {
		return nil
	}
	return claims
}
