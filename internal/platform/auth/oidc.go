package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCAuthenticator accepts bearer ID tokens from an OpenID Connect issuer.
// The actor is read from ActorClaim and must name a participant id.
type OIDCAuthenticator struct {
	verifier   *oidc.IDTokenVerifier
	actorClaim string
	rolesClaim string
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return newOIDCAuthenticator(provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}), cfg), nil
}

func newOIDCAuthenticator(verifier *oidc.IDTokenVerifier, cfg Config) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: verifier, actorClaim: cfg.ActorClaim, rolesClaim: cfg.RolesClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := tokenFromHeader(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Identity{}, err
	}
	actor := strings.TrimSpace(stringClaim(claims, a.actorClaim))
	if actor == "" {
		return Identity{}, errors.New("token has no " + a.actorClaim + " claim")
	}
	return Identity{Actor: actor, Roles: rolesClaim(claims, a.rolesClaim)}, nil
}

func tokenFromHeader(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// rolesClaim accepts a JSON array of strings or a comma separated string.
func rolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return parseCSV(strings.Join(items, ","))
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
