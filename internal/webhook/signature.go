// Package webhook verifies signed recording notifications and parses their
// bodies into transcript job inputs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Errors returned by Verifier.Check.
var (
	ErrMissingSignature = errors.New("webhook: missing signature or timestamp")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside allowed window")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
)

const signatureVersion = "v0"

// Sign returns "v0=" + hex(HMAC-SHA256(secret, "v0:" + ts + ":" + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the expected value in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ChallengeResponse answers the provider's endpoint URL validation request.
func ChallengeResponse(secret, plainToken string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(plainToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signatures and rejects replays older than MaxSkew.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// Check validates one request. timestamp is the unix-seconds header value.
func (v Verifier) Check(secret, timestamp string, body []byte, signature string) error {
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMissingSignature
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now().Sub(time.Unix(secs, 0)); d > skew || d < -skew {
		return ErrStaleTimestamp
	}
	if !Verify(secret, timestamp, body, signature) {
		return ErrBadSignature
	}
	return nil
}
