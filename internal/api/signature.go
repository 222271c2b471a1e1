/**
 * @description
 * Webhook signature verification. Didit signs each delivery with
 * HMAC-SHA256 over the exact raw request body, hex encoded, in the
 * x-didit-signature header.
 *
 * @notes
 * - The body must never be parsed (or re-serialized) before computing the
 *   digest; any byte-level change breaks the match.
 * - Comparison is constant time via hmac.Equal on the decoded digests.
 * - When no secret is configured the verifier runs in "unverified" mode: it
 *   logs loudly and reports the absence, and the handler decides (from
 *   configuration) whether to accept deliveries at all.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
)

// SignatureVerifier validates webhook signatures against a shared secret.
type SignatureVerifier struct {
	secret string
}

// NewSignatureVerifier creates a verifier. An empty secret puts the verifier
// in unverified mode, which is announced once at construction.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	if secret == "" {
		log.Println("WARNING: no webhook secret configured; webhook signatures cannot be verified")
	}
	return &SignatureVerifier{secret: secret}
}

// Configured reports whether a secret is available for verification.
func (v *SignatureVerifier) Configured() bool {
	return v.secret != ""
}

// Verify reports whether the provided signature matches the HMAC-SHA256 hex
// digest of the raw body. It returns false when either input is absent or the
// verifier has no secret.
func (v *SignatureVerifier) Verify(rawBody []byte, providedSignature string) bool {
	if v.secret == "" || len(rawBody) == 0 {
		return false
	}

	provided := strings.TrimSpace(providedSignature)
	provided = strings.TrimPrefix(strings.ToLower(provided), "sha256=")
	if provided == "" {
		return false
	}

	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	return hmac.Equal(providedBytes, expected)
}
