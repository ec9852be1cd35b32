package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/assetra/automation/utils/canonjson"
)

// Outbound request headers.
const (
	HeaderEvent      = "X-Assetra-Event"
	HeaderDeliveryID = "X-Assetra-Delivery-Id"
	HeaderTimestamp  = "X-Assetra-Timestamp"
	HeaderSignature  = "X-Assetra-Signature"

	UserAgent = "AssetraWebhook/1.0"

	signaturePrefix = "sha256="
)

// CanonicalPayload encodes payload as compact JSON with sorted keys.
// The result is both the request body and the signed content.
func CanonicalPayload(payload interface{}) ([]byte, error) {
	return canonjson.Marshal(payload)
}

// Timestamp formats t as the signed unix seconds timestamp.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Sign returns the signature header value for body sent at timestamp.
// It is the hex HMAC-SHA256 of "<timestamp>.<body>" keyed by secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is valid for body and timestamp.
// Receivers use it to authenticate deliveries.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
