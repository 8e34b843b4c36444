package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecretEnv = "EDIGW_TEST_SECRET"

func newTestVerifier(t *testing.T, secret string) *HMACVerifier {
	t.Helper()
	t.Setenv(testSecretEnv, secret)
	return NewHMACVerifier(SecretSource{Env: testSecretEnv}, 300*time.Second)
}

func signedHeaders(t *testing.T, v *HMACVerifier, payload interface{}, ts time.Time) (string, string) {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := v.Sign(payload, timestamp)
	require.NoError(t, err)
	return timestamp, sig
}

func TestVerifyRequestDisabledWithoutSecret(t *testing.T) {
	v := NewHMACVerifier(SecretSource{Env: "EDIGW_TEST_UNSET", File: "/nonexistent/secret"}, 300*time.Second)
	assert.False(t, v.Enabled())
	// No headers at all still passes when auth is disabled.
	assert.Nil(t, v.VerifyRequest(map[string]interface{}{"message": "hi"}, "", ""))
}

func TestVerifyRequestValidSignature(t *testing.T) {
	v := newTestVerifier(t, "topsecret")
	payload := map[string]interface{}{"message": "hi", "timeoutSeconds": float64(30)}

	ts, sig := signedHeaders(t, v, payload, time.Now())
	assert.Nil(t, v.VerifyRequest(payload, ts, sig))
}

func TestVerifyRequestKeyOrderInsensitive(t *testing.T) {
	v := newTestVerifier(t, "topsecret")

	signTime := time.Now()
	ts, sig := signedHeaders(t, v, parse(t, `{"b":2,"a":1}`), signTime)
	// The server parsed the same object with a different key order.
	assert.Nil(t, v.VerifyRequest(parse(t, `{"a":1,"b":2}`), ts, sig))
}

func TestVerifyRequestMissingHeaders(t *testing.T) {
	v := newTestVerifier(t, "topsecret")
	payload := map[string]interface{}{"message": "hi"}

	for _, c := range [][2]string{{"", ""}, {"123", ""}, {"", "abc"}} {
		appErr := v.VerifyRequest(payload, c[0], c[1])
		require.NotNil(t, appErr)
		assert.Equal(t, "Missing authentication headers", appErr.Message)
		assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
	}
}

func TestVerifyRequestBadTimestampFormat(t *testing.T) {
	v := newTestVerifier(t, "topsecret")
	appErr := v.VerifyRequest(map[string]interface{}{}, "not-a-number", "sig")
	require.NotNil(t, appErr)
	assert.Equal(t, "Authentication failed: Invalid timestamp format", appErr.Message)
}

func TestVerifyRequestReplayWindow(t *testing.T) {
	v := newTestVerifier(t, "topsecret")
	payload := map[string]interface{}{"message": "hi"}

	t.Run("stale timestamp rejected", func(t *testing.T) {
		ts, sig := signedHeaders(t, v, payload, time.Now().Add(-600*time.Second))
		appErr := v.VerifyRequest(payload, ts, sig)
		require.NotNil(t, appErr)
		assert.Equal(t, "Authentication failed: Timestamp expired (replay protection)", appErr.Message)
		assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
	})

	t.Run("future timestamp rejected", func(t *testing.T) {
		ts, sig := signedHeaders(t, v, payload, time.Now().Add(600*time.Second))
		appErr := v.VerifyRequest(payload, ts, sig)
		require.NotNil(t, appErr)
		assert.Equal(t, "Authentication failed: Timestamp expired (replay protection)", appErr.Message)
	})

	t.Run("inside the window passes", func(t *testing.T) {
		ts, sig := signedHeaders(t, v, payload, time.Now().Add(-100*time.Second))
		assert.Nil(t, v.VerifyRequest(payload, ts, sig))
	})
}

func TestVerifyRequestTamperedPayload(t *testing.T) {
	v := newTestVerifier(t, "topsecret")

	ts, sig := signedHeaders(t, v, map[string]interface{}{"message": "hi"}, time.Now())
	appErr := v.VerifyRequest(map[string]interface{}{"message": "bye"}, ts, sig)
	require.NotNil(t, appErr)
	assert.Equal(t, "Authentication failed: Invalid signature", appErr.Message)
}

func TestVerifyRequestWrongSecret(t *testing.T) {
	signer := newTestVerifier(t, "one-secret")
	payload := map[string]interface{}{"message": "hi"}
	ts, sig := signedHeaders(t, signer, payload, time.Now())

	v := newTestVerifier(t, "other-secret")
	appErr := v.VerifyRequest(payload, ts, sig)
	require.NotNil(t, appErr)
	assert.Equal(t, "Authentication failed: Invalid signature", appErr.Message)
}

func TestSecretSourceFileFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("  filesecret\n"), 0o600))

	src := SecretSource{Env: "EDIGW_TEST_UNSET", File: path}
	assert.Equal(t, []byte("filesecret"), src.Load())

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv(testSecretEnv, "envsecret")
		src := SecretSource{Env: testSecretEnv, File: path}
		assert.Equal(t, []byte("envsecret"), src.Load())
	})

	t.Run("absent everywhere yields nil", func(t *testing.T) {
		src := SecretSource{Env: "EDIGW_TEST_UNSET", File: filepath.Join(dir, "missing")}
		assert.Nil(t, src.Load())
	})
}

func webhookSig(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerify(t *testing.T) {
	t.Setenv(testSecretEnv, "hooksecret")
	v := NewWebhookVerifier(SecretSource{Env: testSecretEnv})
	body := []byte(`{"ref":"refs/heads/main"}`)

	t.Run("valid signature passes", func(t *testing.T) {
		assert.Nil(t, v.Verify(body, webhookSig("hooksecret", body)))
	})

	t.Run("missing header", func(t *testing.T) {
		appErr := v.Verify(body, "")
		require.NotNil(t, appErr)
		assert.Equal(t, "Missing signature header", appErr.Message)
	})

	t.Run("bad prefix", func(t *testing.T) {
		appErr := v.Verify(body, "sha1=deadbeef")
		require.NotNil(t, appErr)
		assert.Equal(t, "Invalid signature format", appErr.Message)
	})

	t.Run("wrong signature", func(t *testing.T) {
		appErr := v.Verify(body, webhookSig("othersecret", body))
		require.NotNil(t, appErr)
		assert.Equal(t, "Invalid signature", appErr.Message)
	})

	t.Run("signature covers raw bytes not canonical form", func(t *testing.T) {
		spaced := []byte(`{"ref":  "refs/heads/main"}`)
		sig := webhookSig("hooksecret", spaced)
		assert.Nil(t, v.Verify(spaced, sig))
		// The compact re-serialization of the same object must NOT verify.
		compact := []byte(`{"ref":"refs/heads/main"}`)
		assert.NotNil(t, v.Verify(compact, sig))
	})
}

func TestWebhookVerifyNoSecret(t *testing.T) {
	v := NewWebhookVerifier(SecretSource{Env: "EDIGW_TEST_UNSET", File: "/nonexistent"})
	assert.False(t, v.Enabled())

	appErr := v.Verify([]byte("{}"), webhookSig("whatever", []byte("{}")))
	require.NotNil(t, appErr)
	assert.Equal(t, "Webhook secret not configured", appErr.Message)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestSignMatchesManualHMAC(t *testing.T) {
	v := newTestVerifier(t, "topsecret")
	payload := parse(t, `{"message":"hi"}`)

	sig, err := v.Sign(payload, "1700000000")
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("topsecret"))
	fmt.Fprintf(mac, "1700000000:%s", `{"message":"hi"}`)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}
