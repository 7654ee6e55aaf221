package workerauth

import (
	"testing"
	"time"
)

func TestMintAndValidateRoundTrip(t *testing.T) {
	issuer := New("top-secret", time.Minute)

	tok, err := issuer.Mint("worker-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a non-empty token")
	}
	if !issuer.Validate(tok) {
		t.Error("expected token to validate")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issued := New("secret-a", time.Minute)
	tok, err := issued.Mint("worker-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	other := New("secret-b", time.Minute)
	if other.Validate(tok) {
		t.Error("expected validation to fail under a different secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuer := New("secret", -time.Minute)
	tok, err := issuer.Mint("worker-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if issuer.Validate(tok) {
		t.Error("expected an already-expired token to fail validation")
	}
}

func TestEmptySecretDisablesValidation(t *testing.T) {
	issuer := New("", time.Minute)
	tok, err := issuer.Mint("worker-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if tok != "" {
		t.Errorf("expected Mint to return an empty token when secret is empty, got %q", tok)
	}
	if !issuer.Validate("anything-at-all") {
		t.Error("expected an empty-secret issuer to accept every token")
	}
}

func TestValidateRejectsEmptyTokenWithNonEmptySecret(t *testing.T) {
	issuer := New("secret", time.Minute)
	if issuer.Validate("") {
		t.Error("expected an empty token string to be rejected")
	}
}
