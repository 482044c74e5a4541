package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-min-32-bytes-long"

func newTestCodec(t *testing.T) *Codec {
	c, err := NewCodec([]byte(testSecret))
	require.NoError(t, err)
	return c
}

func TestNewCodec_shortSecret(t *testing.T) {
	_, err := NewCodec([]byte("too-short"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least 32 bytes")
}

func TestCodec_roundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC().Truncate(time.Second)

	tests := []struct {
		name    string
		session Session
	}{
		{
			name: "guest",
			session: Session{
				SubjectID: "0190f1e2-7b4c-7d2e-9a51-2f3c4d5e6f70",
				IsGuest:   true,
				IssuedAt:  now,
				ExpiresAt: now.Add(24 * time.Hour),
			},
		},
		{
			name: "registered",
			session: Session{
				SubjectID: "0190f1e2-7b4c-7d2e-9a51-2f3c4d5e6f71",
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			},
		},
		{
			name: "already expired still verifies",
			session: Session{
				SubjectID: "subject",
				IssuedAt:  now.Add(-48 * time.Hour),
				ExpiresAt: now.Add(-24 * time.Hour),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := c.Sign(tt.session)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			got, err := c.Verify(token)
			require.NoError(t, err)
			require.Equal(t, tt.session.SubjectID, got.SubjectID)
			require.Equal(t, tt.session.IsGuest, got.IsGuest)
			require.True(t, tt.session.IssuedAt.Equal(got.IssuedAt))
			require.True(t, tt.session.ExpiresAt.Equal(got.ExpiresAt))
		})
	}
}

func TestCodec_Sign_malformed(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	tests := []struct {
		name    string
		session Session
	}{
		{"missing subject", Session{ExpiresAt: now.Add(time.Hour)}},
		{"missing expiry", Session{SubjectID: "abc"}},
		{"expiry before issuance", Session{SubjectID: "abc", IssuedAt: now, ExpiresAt: now.Add(-time.Minute)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Sign(tt.session)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestCodec_Verify_everySingleByteMutationFails(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now()

	token, err := c.Sign(Session{
		SubjectID: "0190f1e2-7b4c-7d2e-9a51-2f3c4d5e6f70",
		IsGuest:   true,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	replacements := []byte{'A', 'z', '0', '-', '_', '.', '!'}

	for i := range len(token) {
		for _, b := range replacements {
			if token[i] == b {
				continue
			}
			mutated := []byte(token)
			mutated[i] = b

			_, err := c.Verify(string(mutated))
			require.ErrorIs(t, err, ErrInvalidSignature, "byte %d -> %q", i, b)
		}
	}
}

func TestCodec_Verify_differentSecret(t *testing.T) {
	c := newTestCodec(t)
	other, err := NewCodec([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	token, err := c.Sign(Session{SubjectID: "abc", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCodec_Verify_structurallyInvalid(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Verify("")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = c.Verify("no-separator-here")
	require.ErrorIs(t, err, ErrInvalidSignature)

	// correctly signed payload that is not a session
	encoded := payloadEncoding.EncodeToString([]byte(`["not","a","session"]`))
	token := encoded + "." + signatureEncoding.EncodeToString(c.mac(encoded))
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrMalformed)

	// correctly signed session missing its subject
	encoded = payloadEncoding.EncodeToString([]byte(`{"exp":"2030-01-01T00:00:00Z"}`))
	token = encoded + "." + signatureEncoding.EncodeToString(c.mac(encoded))
	_, err = c.Verify(token)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	s := Session{SubjectID: "abc", ExpiresAt: now}

	require.True(t, s.Expired(now))
	require.True(t, s.Expired(now.Add(time.Second)))
	require.False(t, s.Expired(now.Add(-time.Second)))
	require.Equal(t, time.Duration(0), s.Remaining(now.Add(time.Minute)))
	require.Equal(t, time.Minute, s.Remaining(now.Add(-time.Minute)))
}
