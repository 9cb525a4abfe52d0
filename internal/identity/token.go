package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is how long a verification token stays valid.
const TokenTTL = 2 * time.Hour

// Claims are the JWT claims carried by a verification token.
type Claims struct {
	Fingerprint string `json:"fingerprint"`
	Gender      string `json:"gender"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 verification tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer with the given signing secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    TokenTTL,
		now:    time.Now,
	}
}

// Issue returns a signed token binding the fingerprint to the verified gender.
func (i *TokenIssuer) Issue(fingerprint, gender string) (string, error) {
	now := i.now()
	claims := Claims{
		Fingerprint: fingerprint,
		Gender:      gender,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims. Expired tokens
// and tokens signed with any other method or secret are rejected.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("identity: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("identity: invalid token")
	}
	return claims, nil
}
