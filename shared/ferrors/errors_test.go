package ferrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Protocol, "unexpected frame action")
	wrapped := fmt.Errorf("handling key exchange: %w", base)

	if got := KindOf(wrapped); got != Protocol {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, Protocol)
	}
	if !Is(wrapped, Protocol) {
		t.Error("Is(wrapped, Protocol) = false, want true")
	}
}

func TestKindOfUnclassifiedErrorIsInfrastructure(t *testing.T) {
	plain := errors.New("boom")
	if got := KindOf(plain); got != Infrastructure {
		t.Errorf("KindOf(plain) = %s, want %s", got, Infrastructure)
	}
	if got := MessageOf(plain); got != "an internal error occurred" {
		t.Errorf("MessageOf(plain) = %q, want generic message", got)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("tag mismatch")
	err := Wrap(Decryption, "failed to open ciphertext", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got := KindOf(err); got != Decryption {
		t.Errorf("KindOf(err) = %s, want %s", got, Decryption)
	}
	if got := MessageOf(err); got != "failed to open ciphertext" {
		t.Errorf("MessageOf(err) = %q", got)
	}
}

func TestNewErrorStringHasNoTrailingCause(t *testing.T) {
	err := New(Validation, "missing field")
	want := "validation-error: missing field"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
