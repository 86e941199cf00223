package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoToken = errors.New("no token")

var tokenJunk = strings.NewReplacer(`"`, "", `'`, "", `\`, "")

// CleanToken strips whitespace, quotes and escape characters. Older builds of
// the web client persisted the token through JSON.stringify (sometimes twice),
// leaving it wrapped in quotes. None of these characters occur in a JWT.
func CleanToken(raw string) string {
	return strings.TrimSpace(tokenJunk.Replace(raw))
}

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the user id carried by the token.
func (c *Claims) AccountID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// ParseClaims reads the claims of a bearer token without verifying its
// signature; the server stays the authority. Only used to learn who is
// logged in and whether the token is worth sending.
func ParseClaims(token string) (*Claims, error) {
	token = CleanToken(token)
	if token == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
