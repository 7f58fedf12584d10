// Package sign implements the HMAC-SHA256 integrity proofs attached to
// outbound webhook deliveries.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func mac(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}

// Sign returns the base64 HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(mac(payload, secret))
}

// SignHex returns the lowercase hex HMAC-SHA256 of payload under secret.
// This is the form carried in the X-Signature header.
func SignHex(payload []byte, secret string) string {
	return hex.EncodeToString(mac(payload, secret))
}

// Verify reports whether sig is the base64 signature of payload under secret.
func Verify(payload []byte, secret, sig string) bool {
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, mac(payload, secret))
}

// VerifyHex reports whether sig is the hex signature of payload under secret.
// The comparison is case-insensitive on the hex form.
func VerifyHex(payload []byte, secret, sig string) bool {
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, mac(payload, secret))
}
