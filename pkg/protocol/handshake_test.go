package protocol

import (
	"encoding/base64"
	"testing"
)

func TestComputeAccept(t *testing.T) {
	// RFC 6455 section 1.3 sample key.
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("ComputeAccept() = %q, want %q", got, want)
	}
}

func TestComputeAcceptDeterministic(t *testing.T) {
	key := NewHandshakeKey()
	if ComputeAccept(key) != ComputeAccept(key) {
		t.Error("ComputeAccept() not deterministic for the same key")
	}
}

func TestNewHandshakeKey(t *testing.T) {
	a := NewHandshakeKey()
	b := NewHandshakeKey()

	if a == b {
		t.Error("NewHandshakeKey() returned the same key twice")
	}

	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("key is not valid base64: %v", err)
	}
	if len(raw) != 16 {
		t.Errorf("decoded key length = %d, want 16", len(raw))
	}
}
