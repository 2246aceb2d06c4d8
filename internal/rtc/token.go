package rtc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	signingKeyIterations = 4096
	signingKeyLength     = 32
)

// TokenProvider issues short-lived join tokens for the media channel of a
// stream. The API hands these to clients after a successful join so the
// media edge can admit them without a datastore round trip.
type TokenProvider interface {
	JoinToken(channel, identity string, ttl time.Duration) (string, error)
	Verify(token string) (Claims, error)
}

// Claims is the payload carried in a join token.
type Claims struct {
	Channel   string `json:"channel"`
	Identity  string `json:"identity"`
	ExpiresAt int64  `json:"exp"`
}

var (
	// ErrTokenInvalid is returned for malformed or tampered tokens.
	ErrTokenInvalid = errors.New("join token invalid")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("join token expired")
)

// Signer issues HMAC-SHA256 join tokens. The shared secret is stretched with
// PBKDF2 so a short configured secret still yields a full-strength key.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner derives the signing key from the configured secret and salt.
func NewSigner(secret, salt string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("rtc secret is required")
	}
	if salt == "" {
		salt = "livkit-rtc"
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), signingKeyIterations, signingKeyLength, sha256.New)
	return &Signer{
		key: key,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// JoinToken issues a token admitting identity to channel until ttl elapses.
func (s *Signer) JoinToken(channel, identity string, ttl time.Duration) (string, error) {
	if channel == "" || identity == "" {
		return "", errors.New("channel and identity are required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claims := Claims{
		Channel:   channel,
		Identity:  identity,
		ExpiresAt: s.now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *Signer) Verify(token string) (Claims, error) {
	encoded, signature, found := strings.Cut(token, ".")
	if !found || encoded == "" || signature == "" {
		return Claims{}, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(encoded))) {
		return Claims{}, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if s.now().Unix() >= claims.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *Signer) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NoopProvider issues unsigned placeholder tokens for deployments without a
// media edge, such as local development.
type NoopProvider struct{}

func (NoopProvider) JoinToken(channel, identity string, _ time.Duration) (string, error) {
	return fmt.Sprintf("noop:%s:%s", channel, identity), nil
}

func (NoopProvider) Verify(token string) (Claims, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 || parts[0] != "noop" {
		return Claims{}, ErrTokenInvalid
	}
	return Claims{Channel: parts[1], Identity: parts[2]}, nil
}
