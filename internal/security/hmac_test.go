package security

import "testing"

func TestVerifyHMAC(t *testing.T) {
	sig := ComputeHMAC([]byte("payload"), "s3cret")
	if !VerifyHMAC([]byte("payload"), "s3cret", sig) {
		t.Fatalf("signature did not verify")
	}
	if VerifyHMAC([]byte("payload"), "other", sig) {
		t.Fatalf("signature verified with the wrong secret")
	}
	if VerifyHMAC([]byte("payload2"), "s3cret", sig) {
		t.Fatalf("signature verified a different payload")
	}
}

func TestSignedPayload(t *testing.T) {
	if got := string(SignedPayload("/api/health", nil)); got != "/api/health" {
		t.Fatalf("empty body must sign the path, got %q", got)
	}
	if got := string(SignedPayload("/api/start", []byte(`{"a":1}`))); got != `{"a":1}` {
		t.Fatalf("body must be signed as is, got %q", got)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret(16)
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	b, _ := GenerateSecret(16)
	if len(a) != 32 || a == b {
		t.Fatalf("unexpected secrets %q %q", a, b)
	}
}
