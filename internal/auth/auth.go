// Package auth issues and verifies the party tokens presented at the
// gateway handshake. The verified party id is the only identity the
// coordinator trusts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"lingualink/internal/clock"
	"lingualink/pkg/types"
)

var (
	ErrMissingSecret = errors.New("auth: signing secret is empty")
	ErrInvalidToken  = errors.New("auth: invalid or expired token")
	ErrInvalidRole   = errors.New("auth: role must be tutor or student")
)

// Claims identifies one party.
type Claims struct {
	PartyID string `json:"party_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 party tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}, nil
}

// Issue returns a signed token for the party.
func (i *Issuer) Issue(partyID, role string) (string, error) {
	if !types.IsValidPartyID(partyID) {
		return "", types.ErrInvalidPartyID
	}
	if role != types.RoleTutor && role != types.RoleStudent {
		return "", ErrInvalidRole
	}

	now := i.clock.Now()
	claims := Claims{
		PartyID: partyID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  partyID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its party identity.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(i.clock.Now(), false) {
		return nil, ErrInvalidToken
	}
	if !types.IsValidPartyID(claims.PartyID) {
		return nil, ErrInvalidToken
	}
	if claims.Role != types.RoleTutor && claims.Role != types.RoleStudent {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
