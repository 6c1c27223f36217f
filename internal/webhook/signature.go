package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header names of the webhook wire contract.
const (
	HeaderTaskID    = "X-Task-Id"
	HeaderSignature = "X-Webhook-Signature"
)

// Sign computes the hex-encoded HMAC-SHA256 of the exact raw body. The
// receiver recomputes the same code over the bytes it read off the wire;
// any re-serialization on either side breaks the match.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provided signature in constant time.
func Verify(secret string, body []byte, provided string) bool {
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(provided))
}
