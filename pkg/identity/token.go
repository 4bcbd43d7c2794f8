// Package identity issues and verifies the bearer tokens callers
// present at the HTTP boundary. Tokens carry the caller identity and
// granted roles as HS256 JWTs.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/obscura-systems/veilmeter/pkg/contracts"
)

const issuer = "veilmeter/identity"

// ErrInvalidToken is returned for tokens that fail parsing, signature
// verification or claim validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims are the veilmeter token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenManager signs and verifies tokens with a shared secret.
type TokenManager struct {
	secret []byte
	clock  func() time.Time
}

// NewTokenManager creates a manager over the shared secret.
func NewTokenManager(secret []byte) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity: empty signing secret: %w", contracts.ErrInvalidInput)
	}
	return &TokenManager{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// Issue creates a signed token for the identity with the given roles.
func (tm *TokenManager) Issue(id contracts.Identity, roles []contracts.Role, ttl time.Duration) (string, error) {
	if id == contracts.Nobody {
		return "", fmt.Errorf("identity: empty subject: %w", contracts.ErrInvalidInput)
	}
	now := tm.clock().UTC()
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: names,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Verify parses a token and returns the identity and roles it carries.
// Any signing method other than HS256 is rejected.
func (tm *TokenManager) Verify(tokenString string) (contracts.Identity, []contracts.Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return tm.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return tm.clock().UTC() }),
	)
	if err != nil {
		return contracts.Nobody, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return contracts.Nobody, nil, ErrInvalidToken
	}
	roles := make([]contracts.Role, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = contracts.Role(r)
	}
	return contracts.Identity(claims.Subject), roles, nil
}
