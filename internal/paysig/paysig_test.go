package paysig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_sig_test_secret"

func TestVerify_ValidSignature(t *testing.T) {
	body := []byte(`{"event_type":"transaction.completed"}`)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Unix()

	v := NewVerifierWithClock(testSecret, 5*time.Minute, func() time.Time {
		return time.Unix(ts, 30)
	})

	require.NoError(t, v.Verify(body, Header(testSecret, ts, body)))
}

func TestVerify_TamperedBody(t *testing.T) {
	body := []byte(`{"items":[{"quantity":3}]}`)
	ts := time.Now().Unix()
	header := Header(testSecret, ts, body)

	v := NewVerifier(testSecret, 0)
	tampered := []byte(`{"items":[{"quantity":30}]}`)
	require.ErrorIs(t, v.Verify(tampered, header), ErrSignatureMismatch)
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{}`)
	ts := time.Now().Unix()
	header := Header("some-other-secret", ts, body)

	v := NewVerifier(testSecret, 0)
	require.ErrorIs(t, v.Verify(body, header), ErrSignatureMismatch)
}

func TestVerify_MissingHeader(t *testing.T) {
	v := NewVerifier(testSecret, 0)
	require.ErrorIs(t, v.Verify([]byte(`{}`), ""), ErrMissingHeader)
}

func TestVerify_MalformedHeader(t *testing.T) {
	v := NewVerifier(testSecret, 0)

	for _, header := range []string{
		"garbage",
		"ts=123",
		"h1=abcdef",
		"ts=notanumber;h1=abcdef",
	} {
		require.ErrorIs(t, v.Verify([]byte(`{}`), header), ErrMalformedHeader, "header=%q", header)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	signedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	header := Header(testSecret, signedAt.Unix(), body)

	v := NewVerifierWithClock(testSecret, 5*time.Minute, func() time.Time {
		return signedAt.Add(time.Hour)
	})
	require.ErrorIs(t, v.Verify(body, header), ErrTimestampOutOfRange)
}

func TestVerify_ToleranceDisabled(t *testing.T) {
	body := []byte(`{}`)
	signedAt := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	header := Header(testSecret, signedAt.Unix(), body)

	v := NewVerifier(testSecret, 0)
	require.NoError(t, v.Verify(body, header))
}
