package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/edisys/edigw/internal/common/errors"
)

// Header names carrying the request signatures.
const (
	HeaderTimestamp        = "X-EDI-Timestamp"
	HeaderSignature        = "X-EDI-Signature"
	HeaderWebhookSignature = "X-Hub-Signature-256"
)

// HMACVerifier checks the X-EDI-Timestamp / X-EDI-Signature pair on signed
// routes. When no secret is configured, verification is disabled and every
// request passes.
type HMACVerifier struct {
	source    SecretSource
	tolerance time.Duration
	now       func() time.Time
}

// NewHMACVerifier builds a verifier with the given secret source and replay
// window.
func NewHMACVerifier(source SecretSource, tolerance time.Duration) *HMACVerifier {
	return &HMACVerifier{source: source, tolerance: tolerance, now: time.Now}
}

// Enabled reports whether a secret is currently resolvable.
func (v *HMACVerifier) Enabled() bool {
	return v.source.Load() != nil
}

// VerifyRequest authenticates a parsed request body. The signature input is
// "<timestamp>:<canonical body>" where timestamp is the raw header value.
// A nil return means the request is authenticated (or auth is disabled).
func (v *HMACVerifier) VerifyRequest(payload interface{}, timestamp, signature string) *apperrors.AppError {
	secret := v.source.Load()
	if secret == nil {
		return nil
	}

	if timestamp == "" || signature == "" {
		return apperrors.Unauthorized("Missing authentication headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperrors.Unauthorized("Authentication failed: Invalid timestamp format")
	}

	now := v.now().Unix()
	drift := now - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(v.tolerance.Seconds()) {
		return apperrors.Unauthorized("Authentication failed: Timestamp expired (replay protection)")
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return apperrors.Unauthorized("Authentication failed: Invalid payload")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperrors.Unauthorized("Authentication failed: Invalid signature")
	}

	return nil
}

// Sign produces the hex signature for a payload at the given timestamp.
// Exposed for clients and tests.
func (v *HMACVerifier) Sign(payload interface{}, timestamp string) (string, error) {
	secret := v.source.Load()
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// WebhookVerifier checks the GitHub X-Hub-Signature-256 header: HMAC-SHA256
// over the raw request bytes, hex-encoded, with the literal "sha256=" prefix.
type WebhookVerifier struct {
	source SecretSource
}

// NewWebhookVerifier builds a webhook verifier with the given secret source.
func NewWebhookVerifier(source SecretSource) *WebhookVerifier {
	return &WebhookVerifier{source: source}
}

// Enabled reports whether a webhook secret is currently resolvable.
func (v *WebhookVerifier) Enabled() bool {
	return v.source.Load() != nil
}

// Verify authenticates the raw body against the signature header. The raw
// received bytes must be used; re-serializing the payload would break
// verification for any body whose encoding differs from ours.
func (v *WebhookVerifier) Verify(rawBody []byte, signatureHeader string) *apperrors.AppError {
	secret := v.source.Load()
	if secret == nil {
		return apperrors.SecretUnavailable("Webhook secret not configured")
	}

	if signatureHeader == "" {
		return apperrors.Unauthorized("Missing signature header")
	}
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return apperrors.Unauthorized("Invalid signature format")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return apperrors.Unauthorized("Invalid signature")
	}

	return nil
}
