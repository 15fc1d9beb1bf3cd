package crypto

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSecretRoundTripThroughFile(t *testing.T) {
	sealed, err := EncryptSecret("s3cr3t", "pw")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "venue.key")
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	if err != nil || got != "s3cr3t" {
		t.Fatalf("LoadSecret = %q, %v", got, err)
	}
	if _, err := LoadSecret(SecretConfig{EncryptedPath: path, Password: "wrong"}); err == nil {
		t.Fatal("wrong password accepted")
	}
	if got, _ := LoadSecret(SecretConfig{Raw: "raw", EncryptedPath: path}); got != "raw" {
		t.Fatalf("raw secret not preferred: %q", got)
	}
	if _, err := LoadSecret(SecretConfig{}); err == nil {
		t.Fatal("empty config accepted")
	}
}

func TestHeadersSignAndVerify(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "secret"}
	h := auth.HeadersAt("POST", "/orders", "42", `{"a":1}`, 1700000000000)

	if h[HeaderNonce] != "42" || h[HeaderTimestamp] != "1700000000000" || h[HeaderKey] != "key" {
		t.Fatalf("headers = %v", h)
	}
	if !auth.Verify(h[HeaderTimestamp], "POST", "/orders", "42", `{"a":1}`, h[HeaderSignature]) {
		t.Fatal("signature does not verify")
	}
	if auth.Verify(h[HeaderTimestamp], "POST", "/orders", "43", `{"a":1}`, h[HeaderSignature]) {
		t.Fatal("signature verified for a different nonce")
	}
	if _, ok := auth.HeadersAt("GET", "/balance", "", "", 1)[HeaderNonce]; ok {
		t.Fatal("nonce header set without a nonce")
	}
	if s := auth.String(); s != "HMACAuth{key=****, secret=secr****}" {
		t.Fatalf("String = %s", s)
	}
}
