package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Request authentication headers.
const (
	HeaderKey       = "X-API-KEY"
	HeaderTimestamp = "X-API-TIMESTAMP"
	HeaderNonce     = "X-API-NONCE"
	HeaderSignature = "X-API-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated venue requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, raw bytes
}

// Headers returns the authentication headers for a request. The signature
// is HMAC-SHA256(secret, timestamp+method+path+nonce+body) encoded as
// base64. An empty nonce is signed as the empty string.
func (h *HMACAuth) Headers(method, path, nonce, body string) map[string]string {
	return h.HeadersAt(method, path, nonce, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the Unix millisecond
// timestamp.
func (h *HMACAuth) HeadersAt(method, path, nonce, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	out := map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(h.Secret), ts+method+path+nonce+body),
	}
	if nonce != "" {
		out[HeaderNonce] = nonce
	}
	return out
}

// Verify reports whether sig is the signature of the given request parts.
func (h *HMACAuth) Verify(ts, method, path, nonce, body, sig string) bool {
	want := Sign([]byte(h.Secret), ts+method+path+nonce+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Sign computes HMAC-SHA256 of message using key, base64 standard-encoded.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
