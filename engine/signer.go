package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Headers attached to every delivery request.
const (
	HeaderTimestamp = "X-HMAC-Timestamp"
	HeaderSignature = "X-HMAC-Signature"
	HeaderProjectID = "X-Project-ID"
	HeaderRequestID = "X-Request-ID"
)

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>" keyed with secret.
// Binding the timestamp into the MAC lets the receiver bound the replay window.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp under secret.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}

// Timestamp formats t the way the processing API expects: Unix seconds.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
