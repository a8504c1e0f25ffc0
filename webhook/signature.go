package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sentinelcode/sentinel/models"
)

var (
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = fmt.Errorf("%w: missing webhook signature", models.ErrAuthenticationFailed)
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = fmt.Errorf("%w: invalid webhook signature", models.ErrAuthenticationFailed)
)

// VerifyHMAC verifies a payload signature header in the format
// "sha256=<hex-encoded-signature>", as sent by GitHub and Bitbucket.
func VerifyHMAC(secret string, payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	algo, encoded, ok := strings.Cut(signatureHeader, "=")
	if !ok || algo != "sha256" {
		return ErrInvalidSignature
	}

	signature, err := hex.DecodeString(encoded)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(signature, expected) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifyToken compares a shared-secret token header, as sent by GitLab.
func VerifyToken(secret string, _ []byte, token string) error {
	if token == "" {
		return ErrMissingSignature
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(token)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the "sha256=<hex>" header value for payload. Used by tests
// and local tooling that replays events.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
