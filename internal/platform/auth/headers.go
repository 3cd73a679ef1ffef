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
	HeaderSubject = "X-Esmda-Subject"
	HeaderEmail   = "X-Esmda-Email"
	HeaderRoles   = "X-Esmda-Roles"

	HeaderTimestamp = "X-Esmda-Auth-Ts"
	HeaderSignature = "X-Esmda-Auth-Sig"
)

// Signed is the part of a request covered by the gateway signature.
type Signed struct {
	Timestamp string
	Method    string
	Path      string
	RequestID string
	Subject   string
	Email     string
	Roles     string
}

func (s Signed) canonical() string {
	return strings.Join([]string{
		strings.TrimSpace(s.Timestamp),
		strings.ToUpper(strings.TrimSpace(s.Method)),
		strings.TrimSpace(s.Path),
		strings.TrimSpace(s.RequestID),
		strings.TrimSpace(s.Subject),
		strings.TrimSpace(s.Email),
		strings.TrimSpace(s.Roles),
	}, "\n")
}

// Sign returns the base64url HMAC-SHA256 of the canonical request.
func Sign(secret string, s Signed) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("internal auth secret is required")
	}
	if strings.TrimSpace(s.Timestamp) == "" {
		return "", errors.New("timestamp is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(s.canonical())); err != nil {
		return "", fmt.Errorf("hmac: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func verifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
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

// GatewayAuthenticator trusts identity headers carrying a valid signature.
type GatewayAuthenticator struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

func NewGatewayAuthenticator(cfg Config) (*GatewayAuthenticator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("internal auth secret is required")
	}
	return &GatewayAuthenticator{secret: cfg.Secret, maxSkew: cfg.MaxSkew, now: time.Now}, nil
}

func (a *GatewayAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	s := Signed{
		Timestamp: r.Header.Get(HeaderTimestamp),
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: r.Header.Get("X-Request-Id"),
		Subject:   strings.TrimSpace(r.Header.Get(HeaderSubject)),
		Email:     strings.TrimSpace(r.Header.Get(HeaderEmail)),
		Roles:     strings.TrimSpace(r.Header.Get(HeaderRoles)),
	}
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if s.Subject == "" || strings.TrimSpace(s.Timestamp) == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	if err := verifyTimestamp(s.Timestamp, a.now().UTC(), a.maxSkew); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	expected, err := Sign(a.secret, s)
	if err != nil {
		return Identity{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Identity{}, fmt.Errorf("%w: invalid signature", ErrUnauthenticated)
	}
	return Identity{Subject: s.Subject, Email: s.Email, Roles: parseCSV(s.Roles)}, nil
}
