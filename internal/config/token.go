package config

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry inspects a bearer token without verifying its signature and
// returns its expiry claim. The gateway is the verifier; this only exists
// to warn the user before connecting with a token that already expired.
// Returns false for opaque tokens or tokens with no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
