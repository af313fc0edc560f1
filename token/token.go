// Package token reads access-token claims on the client.
//
// Signatures are NOT verified here: the backend is the only party that can trust a
// token. The claims are used for scheduling (proactive refresh) and display only.
package token

import (
	"errors"
	"fmt"
	"time"

	rideid "github.com/chimerakang/rideid-go"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned by ExpiresAt for tokens without an exp claim.
var ErrNoExpiry = errors.New("rideid/token: no exp claim")

// Parse decodes the claims of a JWT without verifying its signature.
func Parse(raw string) (*rideid.Claims, error) {
	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("rideid/token: %w", err)
	}
	mapClaims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("rideid/token: unexpected claims type")
	}
	return toClaims(mapClaims), nil
}

// ExpiresAt returns the exp claim of raw.
func ExpiresAt(raw string) (time.Time, error) {
	c, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt.IsZero() {
		return time.Time{}, ErrNoExpiry
	}
	return c.ExpiresAt, nil
}

// ExpiresWithin reports whether raw expires before now+window.
// Opaque or exp-less tokens never report true; the 401 path handles them.
func ExpiresWithin(raw string, window time.Duration, now time.Time) bool {
	exp, err := ExpiresAt(raw)
	if err != nil {
		return false
	}
	return !exp.After(now.Add(window))
}

func toClaims(m jwt.MapClaims) *rideid.Claims {
	c := &rideid.Claims{
		Extra: make(map[string]any),
	}

	if v, ok := m["sub"].(string); ok {
		c.Subject = v
	}
	if v, ok := m["email"].(string); ok {
		c.Email = v
	}
	if v, ok := m["iss"].(string); ok {
		c.Issuer = v
	}
	if v, ok := m["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(v), 0)
	}
	if v, ok := m["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(v), 0)
	}
	if roles, ok := m["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				c.Roles = append(c.Roles, s)
			}
		}
	}

	standard := map[string]bool{
		"sub": true, "email": true, "iss": true, "exp": true,
		"iat": true, "roles": true, "aud": true, "nbf": true, "jti": true,
	}
	for k, v := range m {
		if !standard[k] {
			c.Extra[k] = v
		}
	}
	return c
}
