// Package auth supplies the bearer token attached to backend requests.
package auth

import (
	"context"
	"os"
	"strings"
)

// TokenSource returns the current access token. An empty token means no
// credentials are available.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

func (s Static) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

// Env reads the token from an environment variable on every call so a
// refreshed token is picked up without a restart.
type Env struct {
	Key      string
	Fallback string
}

func (e Env) AccessToken(context.Context) (string, error) {
	if v, ok := os.LookupEnv(e.Key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return e.Fallback, nil
}
