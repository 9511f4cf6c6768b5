package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderActor = "X-Custody-Actor"
	HeaderRoles = "X-Custody-Roles"

	HeaderAuthTimestamp = "X-Custody-Auth-Ts"
	HeaderAuthSignature = "X-Custody-Auth-Sig"

	headerRequestID = "X-Request-Id"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// HeadersAuthenticator accepts actor headers signed by the gateway with a
// shared secret.
type HeadersAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	now     func() time.Time
}

func (a *HeadersAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	actor := strings.TrimSpace(r.Header.Get(HeaderActor))
	if actor == "" {
		return Identity{}, ErrUnauthenticated
	}
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))

	ts := strings.TrimSpace(r.Header.Get(HeaderAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}

	now := time.Now().UTC()
	if a.now != nil {
		now = a.now()
	}
	if err := VerifyTimestamp(ts, now, a.MaxSkew); err != nil {
		return Identity{}, err
	}
	if err := VerifySignature(a.Secret, ts, r.Method, r.URL.Path, r.Header.Get(headerRequestID), actor, rolesRaw, sig); err != nil {
		return Identity{}, err
	}
	return Identity{Actor: actor, Roles: parseCSV(rolesRaw)}, nil
}

// DevAuthenticator trusts the actor header as sent.
type DevAuthenticator struct {
	Actor string
	Roles []string
}

func (a DevAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	actor := strings.TrimSpace(r.Header.Get(HeaderActor))
	roles := parseCSV(r.Header.Get(HeaderRoles))
	if actor == "" {
		actor = a.Actor
		if len(roles) == 0 {
			roles = a.Roles
		}
	}
	if actor == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Actor: actor, Roles: roles}, nil
}

// Sign sets the timestamp and signature headers on an outgoing request.
func Sign(r *http.Request, secret string, now time.Time) error {
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := ComputeSignature(secret, ts, r.Method, r.URL.Path, r.Header.Get(headerRequestID),
		r.Header.Get(HeaderActor), r.Header.Get(HeaderRoles))
	if err != nil {
		return err
	}
	r.Header.Set(HeaderAuthTimestamp, ts)
	r.Header.Set(HeaderAuthSignature, sig)
	return nil
}

func ComputeSignature(secret, ts, method, path, requestID, actor, roles string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(ts) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(canonical(ts, method, path, requestID, actor, roles))); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifySignature(secret, ts, method, path, requestID, actor, roles, signature string) error {
	expected, err := ComputeSignature(secret, ts, method, path, requestID, actor, roles)
	if err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errors.New("signature is required")
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("invalid signature")
	}
	return nil
}

// VerifyTimestamp checks a unix-seconds timestamp against now. A non-positive
// maxSkew disables the window check.
func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	parsed, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	at := time.Unix(parsed, 0).UTC()
	if at.After(now.Add(maxSkew)) || at.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}

func canonical(ts, method, path, requestID, actor, roles string) string {
	return strings.Join([]string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(requestID),
		strings.TrimSpace(actor),
		strings.TrimSpace(roles),
	}, "\n")
}
