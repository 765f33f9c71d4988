package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook payload.
const SignatureHeader = "X-Webhook-Signature"

// VerifySignature checks the payload HMAC against the shared secret. An empty
// secret disables verification, for local development only.
func VerifySignature(secret string, payload []byte, headers http.Header) error {
	if strings.TrimSpace(secret) == "" {
		return nil
	}

	provided := strings.TrimSpace(headers.Get(SignatureHeader))
	if provided == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature the verifier expects. Used by tests and tooling.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
