package connection

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an access token obtained from the backend login
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Lifetime returns how long the token remains valid from now, or fallback
// when the expiry is unknown or already passed
func (t *Token) Lifetime(fallback time.Duration) time.Duration {
	if t == nil || t.ExpiresAt.IsZero() {
		return fallback
	}
	if d := time.Until(t.ExpiresAt); d > 0 {
		return d
	}
	return fallback
}

// NewToken builds a token from a login response. expiresIn wins when set,
// then the exp claim of a JWT access token; otherwise the expiry stays unknown.
func NewToken(accessToken string, expiresIn time.Duration) *Token {
	t := &Token{AccessToken: accessToken}
	if expiresIn > 0 {
		t.ExpiresAt = time.Now().Add(expiresIn)
		return t
	}
	if exp, ok := jwtExpiry(accessToken); ok {
		t.ExpiresAt = exp
	}
	return t
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected to schedule renewal
func jwtExpiry(accessToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
