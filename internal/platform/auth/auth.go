// Package auth authenticates control API callers from identity headers that
// a trusted gateway signs with a shared secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/esmda-go/internal/platform/env"
)

type Mode string

const (
	ModeGateway  Mode = "gateway"
	ModeDisabled Mode = "disabled"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Config struct {
	Mode    Mode
	Secret  string
	MaxSkew time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxSkew, err := env.Duration("ESMDA_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:    Mode(strings.ToLower(strings.TrimSpace(env.String("ESMDA_AUTH_MODE", string(ModeDisabled))))),
		Secret:  env.String("ESMDA_INTERNAL_AUTH_SECRET", ""),
		MaxSkew: maxSkew,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDisabled:
		return nil
	case ModeGateway:
		if strings.TrimSpace(c.Secret) == "" {
			return errors.New("ESMDA_INTERNAL_AUTH_SECRET is required when ESMDA_AUTH_MODE=gateway")
		}
		if c.MaxSkew < 0 {
			return errors.New("ESMDA_AUTH_MAX_SKEW must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("ESMDA_AUTH_MODE must be one of: gateway, disabled (got %q)", c.Mode)
	}
}

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
