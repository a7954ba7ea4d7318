package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := EncryptString("master-key", "api-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("api-token-value")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	plain, err := DecryptToString("master-key", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "api-token-value" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := DecryptToString("other-key", sealed); err == nil {
		t.Fatal("expected decrypt with a different key to fail")
	}
}

func TestEncryptRequiresKey(t *testing.T) {
	if _, err := EncryptString("", "value"); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestDecryptShortPayload(t *testing.T) {
	if _, err := DecryptToString("key", []byte{1, 2}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
