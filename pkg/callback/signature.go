// Package callback authenticates requests that code inside the isolated
// runtime sends back to the platform. Each request carries an HMAC-SHA256
// signature over its method, URL, body and a millisecond timestamp.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderSignature carries the hex encoded HMAC.
	HeaderSignature = "X-Zipper-Hmac"
	// HeaderTimestamp carries the signing time in epoch milliseconds.
	HeaderTimestamp = "X-Timestamp"
	// MaxSkew is the widest accepted distance between the signing time and now.
	MaxSkew = 30 * time.Second

	separator = "__"
	emptyBody = "{}"
)

var (
	ErrMissingSecret    = errors.New("callback: signing secret not configured")
	ErrMissingSignature = errors.New("callback: signature header missing")
	ErrMissingTimestamp = errors.New("callback: timestamp header missing")
	ErrInvalidTimestamp = errors.New("callback: timestamp header malformed")
	ErrStaleTimestamp   = errors.New("callback: timestamp outside accepted window")
	ErrInvalidSignature = errors.New("callback: signature mismatch")
)

// SigningString builds "{METHOD}__{URL}__{BODY or {}}__{TIMESTAMP}".
func SigningString(method, url string, body []byte, timestamp string) string {
	payload := string(body)
	if len(body) == 0 {
		payload = emptyBody
	}
	var b strings.Builder
	b.Grow(len(method) + len(url) + len(payload) + len(timestamp) + 3*len(separator))
	b.WriteString(method)
	b.WriteString(separator)
	b.WriteString(url)
	b.WriteString(separator)
	b.WriteString(payload)
	b.WriteString(separator)
	b.WriteString(timestamp)
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the signing string.
func Sign(method, url string, body []byte, timestamp string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(SigningString(method, url, body, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Timestamp formats t as epoch milliseconds.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Check validates a callback signature. Every returned error is terminal.
func Check(method, url string, body []byte, timestampHeader, signatureHeader string, secret []byte, now time.Time) error {
	if len(secret) == 0 {
		return ErrMissingSecret
	}
	signature := strings.TrimSpace(signatureHeader)
	if signature == "" {
		return ErrMissingSignature
	}
	timestamp := strings.TrimSpace(timestampHeader)
	if timestamp == "" {
		return ErrMissingTimestamp
	}
	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.UnixMilli() - millis
	if math.Abs(float64(skew)) > float64(MaxSkew.Milliseconds()) {
		return ErrStaleTimestamp
	}
	expected := Sign(method, url, body, timestamp, secret)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify reports whether Check accepts the request.
func Verify(method, url string, body []byte, timestampHeader, signatureHeader string, secret []byte, now time.Time) bool {
	return Check(method, url, body, timestampHeader, signatureHeader, secret, now) == nil
}
