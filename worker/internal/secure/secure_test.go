package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
)

// bootstrap drives a Channel through the full four-step handshake, acting as
// the client side in plain Go, and returns the session key K it wrapped.
func bootstrap(t *testing.T, c *Channel) []byte {
	t.Helper()

	step1, err := c.HandleKeyExchange(wire.KeyExchangeFrame{Action: "send-public-key"})
	if err != nil {
		t.Fatalf("step 1/2: %v", err)
	}
	block, _ := pem.Decode([]byte(step1.PublicKey))
	if block == nil {
		t.Fatal("failed to PEM-decode worker public key")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey: %v", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("public key is %T, not *rsa.PublicKey", pubAny)
	}

	k := make([]byte, aesKeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, k, nil)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}

	step2, err := c.HandleKeyExchange(wire.KeyExchangeFrame{
		Action:          "send-aes-key",
		EncryptedAESKey: base64.StdEncoding.EncodeToString(wrapped),
	})
	if err != nil {
		t.Fatalf("step 3/4: %v", err)
	}
	if step2.Action != "aes-key-received" {
		t.Fatalf("step 4 action = %q, want aes-key-received", step2.Action)
	}
	if c.State() != types.SecureSymmetricEstablished {
		t.Fatalf("State() = %s, want %s", c.State(), types.SecureSymmetricEstablished)
	}
	return k
}

func TestFullBootstrapEstablishesSymmetricState(t *testing.T) {
	c := NewChannel()
	bootstrap(t, c)
}

func TestEncryptResultThenDecryptByPeerRoundTrips(t *testing.T) {
	workerChannel := NewChannel()
	k := bootstrap(t, workerChannel)

	plaintext := []byte(`{"stdout":"hello"}`)
	frame, err := workerChannel.EncryptResult(plaintext)
	if err != nil {
		t.Fatalf("EncryptResult: %v", err)
	}

	// A peer holding the same K derives the same subkeys and can decrypt
	// what the worker encrypted as its send key (the peer's recv key).
	sendKey, _, err := deriveSubkeys(k)
	if err != nil {
		t.Fatalf("deriveSubkeys: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(frame.EncryptedData)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := open(sendKey, raw, []byte(wire.MsgEncryptedResult))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestDecryptTaskAcceptsPeerEncryptedPayload(t *testing.T) {
	workerChannel := NewChannel()
	k := bootstrap(t, workerChannel)

	_, recvKey, err := deriveSubkeys(k)
	if err != nil {
		t.Fatalf("deriveSubkeys: %v", err)
	}
	plaintext := []byte(`{"mode":"cli","command":"echo"}`)
	ciphertext, err := seal(recvKey, plaintext, []byte(wire.MsgEncryptedTask))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := workerChannel.DecryptTask(wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString(ciphertext)})
	if err != nil {
		t.Fatalf("DecryptTask: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestDecryptTaskFailurePermanentlyPoisonsChannel(t *testing.T) {
	c := NewChannel()
	bootstrap(t, c)

	_, err := c.DecryptTask(wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString([]byte("not valid ciphertext at all"))})
	if !ferrors.Is(err, ferrors.Decryption) {
		t.Fatalf("expected decryption-error, got %v", err)
	}

	// Even a subsequent, well-formed-looking task must now be rejected — no recovery.
	_, err = c.DecryptTask(wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString([]byte("still garbage"))})
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected the channel to report protocol-error once poisoned, got %v", err)
	}

	_, err = c.EncryptResult([]byte("x"))
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected EncryptResult to also fail once poisoned, got %v", err)
	}
}

func TestTamperedCiphertextFailsAuthenticationAndPoisonsChannel(t *testing.T) {
	workerChannel := NewChannel()
	k := bootstrap(t, workerChannel)

	_, recvKey, err := deriveSubkeys(k)
	if err != nil {
		t.Fatalf("deriveSubkeys: %v", err)
	}
	plaintext := []byte(`{"mode":"cli","command":"echo"}`)
	ciphertext, err := seal(recvKey, plaintext, []byte(wire.MsgEncryptedTask))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF // flip the last byte of the GCM tag

	_, err = workerChannel.DecryptTask(wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString(ciphertext)})
	if !ferrors.Is(err, ferrors.Decryption) {
		t.Fatalf("expected decryption-error for a tampered tag, got %v", err)
	}

	_, err = workerChannel.DecryptTask(wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString(ciphertext)})
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected the channel to stay poisoned after a tamper detection, got %v", err)
	}
}

func TestHandleKeyExchangeUnrecognizedActionFails(t *testing.T) {
	c := NewChannel()
	_, err := c.HandleKeyExchange(wire.KeyExchangeFrame{Action: "bogus-action"})
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected protocol-error, got %v", err)
	}
}

func TestHandleKeyExchangeSendAESKeyBeforePublicKeyPoisons(t *testing.T) {
	c := NewChannel()
	_, err := c.HandleKeyExchange(wire.KeyExchangeFrame{Action: "send-aes-key", EncryptedAESKey: "AAAA"})
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected protocol-error, got %v", err)
	}
	if c.State() != types.SecureNone {
		t.Fatalf("state advanced despite a malformed handshake: %s", c.State())
	}
}

func TestHandleKeyExchangeWrongLengthKeyPoisons(t *testing.T) {
	c := NewChannel()
	step1, err := c.HandleKeyExchange(wire.KeyExchangeFrame{Action: "send-public-key"})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	block, _ := pem.Decode([]byte(step1.PublicKey))
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey: %v", err)
	}
	pub := pubAny.(*rsa.PublicKey)

	shortKey := make([]byte, 16) // valid AES-128 size, but not the required 32 bytes
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, shortKey, nil)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}

	_, err = c.HandleKeyExchange(wire.KeyExchangeFrame{Action: "send-aes-key", EncryptedAESKey: base64.StdEncoding.EncodeToString(wrapped)})
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected protocol-error for a wrong-length key, got %v", err)
	}

	_, err = c.EncryptResult([]byte("x"))
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected the channel to remain unusable after a rejected key, got %v", err)
	}
}

func TestEncryptResultBeforeEstablishmentFails(t *testing.T) {
	c := NewChannel()
	_, err := c.EncryptResult([]byte("too early"))
	if !ferrors.Is(err, ferrors.Protocol) {
		t.Fatalf("expected protocol-error, got %v", err)
	}
}

func TestDeriveSubkeysProducesDistinctDirectionalKeys(t *testing.T) {
	k := make([]byte, aesKeySize)
	for i := range k {
		k[i] = byte(i)
	}
	sendKey, recvKey, err := deriveSubkeys(k)
	if err != nil {
		t.Fatalf("deriveSubkeys: %v", err)
	}
	if len(sendKey) != aesKeySize || len(recvKey) != aesKeySize {
		t.Fatalf("unexpected subkey lengths: send=%d recv=%d", len(sendKey), len(recvKey))
	}
	equal := true
	for i := range sendKey {
		if sendKey[i] != recvKey[i] {
			equal = false
			break
		}
	}
	if equal {
		t.Fatal("sendKey and recvKey must differ")
	}
}
