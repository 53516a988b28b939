package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signature header conventions per platform
const (
	githubSignatureHeader  = "X-Hub-Signature-256"
	defaultSignatureHeader = "X-Signature"

	githubSignaturePrefix = "sha256="
)

// SignatureHeader returns the header a platform delivers its HMAC in
func SignatureHeader(platform string) string {
	if platform == "github" {
		return githubSignatureHeader
	}
	return defaultSignatureHeader
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of body against the
// header value. Comparison is constant-time. GitHub prefixes the digest with
// "sha256="; other platforms send the bare hex digest.
func VerifySignature(secret string, body []byte, headerValue string) bool {
	if secret == "" || headerValue == "" {
		return false
	}

	provided := strings.TrimPrefix(headerValue, githubSignaturePrefix)
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}
