// Package auth authenticates callers of the custody HTTP API. Requests either
// come through a gateway that asserts the acting participant in signed
// headers, or carry an OIDC bearer token; dev mode trusts the headers unsigned.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/cargo-custody/internal/platform/env"
)

type Mode string

const (
	ModeSigned Mode = "signed"
	ModeOIDC   Mode = "oidc"
	ModeDev    Mode = "dev"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode    Mode
	Secret  string
	MaxSkew time.Duration

	OIDCIssuerURL string
	OIDCClientID  string
	ActorClaim    string
	RolesClaim    string

	// DevActor is used in dev mode when a request carries no actor header.
	DevActor string
	DevRoles []string
}

// ConfigFromEnv defaults to signed mode when CUSTODY_INTERNAL_AUTH_SECRET is
// set and to dev mode otherwise.
func ConfigFromEnv() (Config, error) {
	secret := env.String("CUSTODY_INTERNAL_AUTH_SECRET", "")
	def := ModeDev
	if secret != "" {
		def = ModeSigned
	}
	modeRaw := strings.ToLower(env.String("CUSTODY_AUTH_MODE", ""))
	if modeRaw == "" {
		modeRaw = string(def)
	}
	skew, err := env.Duration("CUSTODY_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:     Mode(modeRaw),
		Secret:   secret,
		MaxSkew:  skew,

		OIDCIssuerURL: env.String("OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("OIDC_CLIENT_ID", ""),
		ActorClaim:    env.String("CUSTODY_OIDC_ACTOR_CLAIM", "sub"),
		RolesClaim:    env.String("CUSTODY_OIDC_ROLES_CLAIM", "roles"),

		DevActor: env.String("CUSTODY_DEV_ACTOR", ""),
		DevRoles: env.CSV("CUSTODY_DEV_ROLES", nil),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeSigned:
		if strings.TrimSpace(c.Secret) == "" {
			return errors.New("CUSTODY_INTERNAL_AUTH_SECRET is required when CUSTODY_AUTH_MODE=signed")
		}
		if c.MaxSkew < 0 {
			return errors.New("CUSTODY_AUTH_MAX_SKEW must not be negative")
		}
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("OIDC_ISSUER_URL is required when CUSTODY_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("OIDC_CLIENT_ID is required when CUSTODY_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.ActorClaim) == "" {
			return errors.New("CUSTODY_OIDC_ACTOR_CLAIM is required when CUSTODY_AUTH_MODE=oidc")
		}
	case ModeDev:
	default:
		return fmt.Errorf("CUSTODY_AUTH_MODE must be one of: signed, oidc, dev (got %q)", c.Mode)
	}
	return nil
}

// New returns the authenticator for cfg.Mode. OIDC mode fetches the issuer's
// discovery document.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeDev:
		return DevAuthenticator{Actor: cfg.DevActor, Roles: cfg.DevRoles}, nil
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	default:
		return &HeadersAuthenticator{Secret: cfg.Secret, MaxSkew: cfg.MaxSkew}, nil
	}
}

// Identity is the authenticated caller. Actor is a participant id.
type Identity struct {
	Actor string
	Roles []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return id, ok
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
