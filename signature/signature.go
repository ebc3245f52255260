package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hookgate/hookgate/sources"
)

/* Provider authenticity verification
 * Computes an HMAC-SHA256 over the raw request body with the source's shared
 * secret and compares it to the header-supplied signature in constant time.
 * Fails closed: a missing secret, missing or malformed header, or mismatch is
 * a permanent rejection - never retried, never dead-lettered
 */

const (
	// SchemeHMACSHA256 is the default signing scheme
	SchemeHMACSHA256 = "hmac-sha256"

	// Header carries the provider-supplied signature
	Header = "X-Webhook-Signature"
)

// ErrSignature marks any authenticity failure; callers classify it with errors.Is
var ErrSignature = errors.New("signature verification failed")

// Verify checks the header-supplied signature against the source secret.
// Returns the hex digest of the expected signature on success.
func Verify(source *sources.Source, body []byte, headers map[string]string) (string, error) {
	if source == nil || source.Secret == "" {
		return "", fmt.Errorf("%w: no secret configured", ErrSignature)
	}
	if source.Scheme != "" && source.Scheme != SchemeHMACSHA256 {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrSignature, source.Scheme)
	}

	provided, ok := lookupHeader(headers, Header)
	if !ok || provided == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrSignature, Header)
	}

	providedBytes, err := decodeSignature(provided)
	if err != nil {
		return "", fmt.Errorf("%w: malformed signature header: %v", ErrSignature, err)
	}

	expected := Sign(source.Secret, body)
	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare(expected, providedBytes) != 1 {
		return "", fmt.Errorf("%w: signature mismatch", ErrSignature)
	}

	return hex.EncodeToString(expected), nil
}

// Sign computes the HMAC-SHA256 of body with the given secret
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex returns the signature in the header form providers send:
// "sha256=<hex digest>"
func SignHex(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

/* decodeSignature accepts the common provider encodings:
 * "sha256=<hex>" (GitHub style), bare hex, and base64
 */
func decodeSignature(provided string) ([]byte, error) {
	provided = strings.TrimSpace(provided)
	provided = strings.TrimPrefix(provided, "sha256=")

	if raw, err := hex.DecodeString(provided); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(provided); err == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("signature is neither hex nor base64")
}

// lookupHeader finds a header value case-insensitively
func lookupHeader(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
