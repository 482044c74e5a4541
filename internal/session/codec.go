package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinSecretLength is the minimum signing secret size (256 bits) for HMAC-SHA256.
const MinSecretLength = 32

var (
	ErrInvalidSignature = errors.New("invalid session signature")
	ErrMalformed        = errors.New("malformed session token")
	ErrExpired          = errors.New("session expired")
)

var (
	payloadEncoding   = base64.RawURLEncoding
	signatureEncoding = base64.RawURLEncoding.Strict()
)

// Session is the stateless credential carried in the session cookie.
type Session struct {
	SubjectID string    `json:"sub"`
	IsGuest   bool      `json:"guest"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before expiry, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (s *Session) validate() error {
	if s.SubjectID == "" {
		return fmt.Errorf("%w: subject is required", ErrMalformed)
	}
	if s.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrMalformed)
	}
	if !s.IssuedAt.IsZero() && s.ExpiresAt.Before(s.IssuedAt) {
		return fmt.Errorf("%w: expiry precedes issuance", ErrMalformed)
	}
	return nil
}

// Codec signs and verifies session tokens with a process-wide secret.
// Tokens have the form base64url(json payload) "." base64url(hmac_sha256(encoded payload)).
type Codec struct {
	secret []byte
}

// NewCodec creates a codec. The secret is copied and never mutated afterwards.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	}

	return &Codec{secret: append([]byte(nil), secret...)}, nil
}

// Sign serializes the session and appends an HMAC over the encoded payload.
func (c *Codec) Sign(s Session) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	encoded := payloadEncoding.EncodeToString(data)

	return encoded + "." + signatureEncoding.EncodeToString(c.mac(encoded)), nil
}

// Verify checks the signature and decodes the session. It does not check expiry.
func (c *Codec) Verify(token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	idx := strings.LastIndexByte(token, '.')
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	encoded := token[:idx]
	receivedSig, err := signatureEncoding.DecodeString(token[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}

	// Constant-time comparison to prevent timing attacks
	if !hmac.Equal(receivedSig, c.mac(encoded)) {
		return nil, ErrInvalidSignature
	}

	data, err := payloadEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrMalformed)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

func (c *Codec) mac(encoded string) []byte {
	m := hmac.New(sha256.New, c.secret)
	m.Write([]byte(encoded))
	return m.Sum(nil)
}
