package security

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewEnvelopeSecretProviderFromString("local-development-key")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte(`{"access_token":"at-123","refresh_token":"rt-456"}`)
	sealed, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(string(sealed), envelopePrefix) {
		t.Fatalf("missing envelope prefix: %s", sealed)
	}
	if bytes.Contains(sealed, []byte("at-123")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := provider.Decrypt(context.Background(), sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %s", opened)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	provider, _ := NewEnvelopeSecretProviderFromString("key-one")
	other, _ := NewEnvelopeSecretProviderFromString("key-two")

	sealed, err := provider.Encrypt(context.Background(), []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(context.Background(), sealed); err == nil {
		t.Fatal("decrypt with the wrong key should fail")
	}
}

func TestDecryptRejectsKeyIDMismatch(t *testing.T) {
	writer, _ := NewEnvelopeSecretProviderFromString("shared-key", WithKeyID("primary"))
	reader, _ := NewEnvelopeSecretProviderFromString("shared-key", WithKeyID("secondary"))

	sealed, err := writer.Encrypt(context.Background(), []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := reader.Decrypt(context.Background(), sealed); err == nil {
		t.Fatal("key id mismatch should fail closed")
	}
}

func TestNewProviderRequiresKeyMaterial(t *testing.T) {
	if _, err := NewEnvelopeSecretProvider(nil); err == nil {
		t.Fatal("expected error for empty key material")
	}
}
