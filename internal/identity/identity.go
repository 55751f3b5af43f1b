// Package identity issues and verifies the signed access tokens that guard
// the REST API and the websocket handshake, and owns password hashing.
//
// Token format: base64(JSON payload) + "." + base64(HMAC-SHA256 signature)
// Payload: {"sub": "<user id>", "exp": 1234567890}
//
// The signing secret comes from PARLEY_TOKEN_SECRET; with no secret
// configured the auth surface stays disabled and no tokens can be minted.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/parleyhq/parley/internal/clock"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
)

var (
	// ErrTokenInvalid means the token is malformed, mis-signed, or expired.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrUserUnknown means the token decoded cleanly but its subject does
	// not resolve to an active user.
	ErrUserUnknown = errors.New("unknown or inactive user")

	// ErrDisabled means no signing secret is configured.
	ErrDisabled = errors.New("token secret not configured")
)

// tokenPayload is the JWT-like claim set carried inside a signed token.
type tokenPayload struct {
	Subject string `json:"sub"`
	Exp     int64  `json:"exp"` // Unix timestamp
}

// Service mints access tokens and resolves them back to users.
type Service struct {
	secret []byte
	ttl    time.Duration
	users  store.UserStore
	clk    clock.Clock
}

// NewService builds an identity service. An empty secret disables minting
// and makes every Decode fail; ttl <= 0 falls back to 30 minutes.
func NewService(secret string, ttl time.Duration, users store.UserStore, clk clock.Clock) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		users:  users,
		clk:    clk,
	}
}

// Enabled reports whether a signing secret is configured.
func (s *Service) Enabled() bool { return len(s.secret) > 0 }

// TTL returns the lifetime stamped into minted tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

// Mint creates a signed token for the given subject (user ID), expiring
// after the service TTL.
func (s *Service) Mint(subject string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	payload := tokenPayload{
		Subject: subject,
		Exp:     s.clk.Now().Add(s.ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64, nil
}

// Decode verifies the signature and expiry and returns the token subject.
// Every failure mode wraps ErrTokenInvalid.
func (s *Service) Decode(token string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("%w: expected payload.signature", ErrTokenInvalid)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid signature encoding", ErrTokenInvalid)
	}
	if !hmac.Equal(sig, expectedSig) {
		return "", fmt.Errorf("%w: signature mismatch", ErrTokenInvalid)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid payload encoding", ErrTokenInvalid)
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return "", fmt.Errorf("%w: invalid payload JSON", ErrTokenInvalid)
	}

	if payload.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if payload.Exp > 0 && s.clk.Now().Unix() > payload.Exp {
		return "", fmt.Errorf("%w: expired", ErrTokenInvalid)
	}

	return payload.Subject, nil
}

// Resolve decodes the token and loads its subject from the user store.
// Inactive accounts resolve the same as missing ones.
func (s *Service) Resolve(ctx context.Context, token string) (*models.User, error) {
	subject, err := s.Decode(token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, subject)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, ErrUserUnknown
		}
		return nil, fmt.Errorf("resolve user %s: %w", subject, err)
	}
	if !user.IsActive {
		return nil, ErrUserUnknown
	}
	return user, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the stored bcrypt hash.
func VerifyPassword(hashed, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
