// Package paysig validates inbound payment-provider callbacks. The provider
// signs "<ts>:<rawBody>" with HMAC-SHA256 and delivers the result in a header
// of the form "ts=<unix-seconds>;h1=<hex-signature>". Verification runs before
// any payload parsing; a failure must short-circuit the request with no state
// mutation.
package paysig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingHeader is returned when the signature header is absent
	ErrMissingHeader = errors.New("missing signature header")

	// ErrMalformedHeader is returned when the header doesn't carry ts and h1
	ErrMalformedHeader = errors.New("malformed signature header")

	// ErrSignatureMismatch is returned when the computed signature differs
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrTimestampOutOfRange is returned when ts is outside the tolerance window
	ErrTimestampOutOfRange = errors.New("signature timestamp out of range")
)

// Verifier checks payment-provider callback signatures.
type Verifier struct {
	secret []byte

	// tolerance bounds how far the signed timestamp may drift from now.
	// Zero disables the check.
	tolerance time.Duration

	now func() time.Time
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// NewVerifierWithClock is NewVerifier with an injected clock for tests.
func NewVerifierWithClock(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	v := NewVerifier(secret, tolerance)
	v.now = now
	return v
}

// Verify checks header against rawBody. The signature comparison is
// constant-time. Returns nil only for an authentic, untampered callback.
func (v *Verifier) Verify(rawBody []byte, header string) error {
	ts, presented, err := parseHeader(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		signedAt := time.Unix(ts, 0)
		drift := v.now().Sub(signedAt)
		if drift < -v.tolerance || drift > v.tolerance {
			return ErrTimestampOutOfRange
		}
	}

	expected := Sign(v.secret, ts, rawBody)
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return ErrSignatureMismatch
	}

	return nil
}

// Sign computes the hex HMAC-SHA256 tag over "<ts>:<rawBody>". Exported so
// tests and outbound tooling can construct valid headers.
func Sign(secret []byte, ts int64, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(":"))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header builds a complete "ts=...;h1=..." header value for the given body.
func Header(secret string, ts int64, rawBody []byte) string {
	return "ts=" + strconv.FormatInt(ts, 10) + ";h1=" + Sign([]byte(secret), ts, rawBody)
}

func parseHeader(header string) (ts int64, h1 string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, "", ErrMissingHeader
	}

	var tsRaw string
	for _, part := range strings.Split(header, ";") {
		switch {
		case strings.HasPrefix(part, "ts="):
			tsRaw = strings.TrimPrefix(part, "ts=")
		case strings.HasPrefix(part, "h1="):
			h1 = strings.TrimPrefix(part, "h1=")
		}
	}
	if tsRaw == "" || h1 == "" {
		return 0, "", ErrMalformedHeader
	}

	ts, err = strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, "", ErrMalformedHeader
	}

	return ts, h1, nil
}
