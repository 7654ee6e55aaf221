// Package secure implements the worker side of the end-to-end secure
// channel: the asymmetric-then-symmetric bootstrap that hands a worker a
// session key without the coordinator ever seeing it in the clear, and the
// authenticated encryption that carries every task/result payload once the
// channel is established.
//
// A Channel belongs to a single session: once it observes
// any decryption failure it is permanently poisoned and every subsequent
// call fails, mirroring the protocol-error teardown the bootstrap requires.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/fabricrun/fabric/shared/ferrors"
	"github.com/fabricrun/fabric/shared/types"
	"github.com/fabricrun/fabric/shared/wire"
)

// rsaKeyBits is the size of the worker's ephemeral bootstrap keypair.
const rsaKeyBits = 2048

// aesKeySize is the symmetric session key size: AES-256.
const aesKeySize = 32

// Channel tracks one session's secure-channel bootstrap and, once
// established, encrypts/decrypts its payload frames. It holds the worker's
// bootstrap keypair and the derived per-direction subkeys; the keypair is
// ephemeral and generated fresh for each session, never persisted.
type Channel struct {
	mu    sync.Mutex
	state types.SecureChannelState

	priv *rsa.PrivateKey
	pub  *rsa.PublicKey

	// sendKey encrypts frames this worker emits (encrypted-result); recvKey
	// decrypts frames it receives (encrypted-task). Both are derived from
	// the single bootstrap key K via HKDF with a distinct info string per
	// direction, so a nonce collision in one direction cannot be replayed
	// into the other.
	sendKey []byte
	recvKey []byte

	poisoned bool
}

// NewChannel returns a Channel with no keypair yet generated; one is
// generated lazily on the first key-exchange frame so a session that is
// offered but never bootstraps a secure channel pays no RSA cost.
func NewChannel() *Channel {
	return &Channel{state: types.SecureNone}
}

// State returns the channel's current secure-channel state.
func (c *Channel) State() types.SecureChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleKeyExchange advances the bootstrap state machine by one step and
// returns the frame to send back to the client, if any. It implements
// steps 2 and 4 of the protocol: replying with the worker's public key, and
// acknowledging receipt of the wrapped session key.
func (c *Channel) HandleKeyExchange(frame wire.KeyExchangeFrame) (*wire.KeyExchangeFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return nil, ferrors.New(ferrors.Protocol, "secure channel is poisoned and cannot be revived")
	}

	switch frame.Action {
	case "send-public-key":
		if c.priv == nil {
			priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
			if err != nil {
				return nil, ferrors.Wrap(ferrors.Infrastructure, "generating bootstrap keypair", err)
			}
			c.priv = priv
			c.pub = &priv.PublicKey
		}

		pubPEM, err := encodePublicKeyPEM(c.pub)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.Infrastructure, "encoding public key", err)
		}
		c.state = types.SecureRemotePubkeyKnown
		return &wire.KeyExchangeFrame{Action: "send-public-key", PublicKey: string(pubPEM)}, nil

	case "send-aes-key":
		if c.priv == nil {
			c.poisoned = true
			return nil, ferrors.New(ferrors.Protocol, "received wrapped key before publishing a keypair")
		}
		wrapped, err := base64.StdEncoding.DecodeString(frame.EncryptedAESKey)
		if err != nil {
			c.poisoned = true
			return nil, ferrors.Wrap(ferrors.Protocol, "decoding wrapped session key", err)
		}
		k, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.priv, wrapped, nil)
		if err != nil {
			c.poisoned = true
			return nil, ferrors.Wrap(ferrors.Decryption, "unwrapping session key", err)
		}
		if len(k) != aesKeySize {
			c.poisoned = true
			return nil, ferrors.New(ferrors.Protocol, "unwrapped session key has the wrong length")
		}

		sendKey, recvKey, err := deriveSubkeys(k)
		if err != nil {
			c.poisoned = true
			return nil, ferrors.Wrap(ferrors.Infrastructure, "deriving channel subkeys", err)
		}
		c.sendKey = sendKey
		c.recvKey = recvKey
		c.state = types.SecureSymmetricEstablished
		return &wire.KeyExchangeFrame{Action: "aes-key-received"}, nil

	default:
		return nil, ferrors.New(ferrors.Protocol, fmt.Sprintf("unrecognized key-exchange action %q", frame.Action))
	}
}

// deriveSubkeys splits the bootstrap key K into a worker-to-client and a
// client-to-worker subkey via HKDF-SHA256. This is additional hardening
// beyond what the protocol strictly requires (a single K for both
// directions would satisfy it) so that a nonce reused in one direction by
// a buggy peer can never be replayed as valid ciphertext in the other.
func deriveSubkeys(k []byte) (sendKey, recvKey []byte, err error) {
	toClient := hkdf.New(sha256.New, k, nil, []byte("fabric-secure-channel:worker-to-client"))
	sendKey = make([]byte, aesKeySize)
	if _, err := io.ReadFull(toClient, sendKey); err != nil {
		return nil, nil, err
	}

	toWorker := hkdf.New(sha256.New, k, nil, []byte("fabric-secure-channel:client-to-worker"))
	recvKey = make([]byte, aesKeySize)
	if _, err := io.ReadFull(toWorker, recvKey); err != nil {
		return nil, nil, err
	}

	return sendKey, recvKey, nil
}

// EncryptResult seals a result payload under the channel's send subkey for
// transmission as an encrypted-result frame.
func (c *Channel) EncryptResult(plaintext []byte) (wire.EncryptedFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned || c.state != types.SecureSymmetricEstablished {
		return wire.EncryptedFrame{}, ferrors.New(ferrors.Protocol, "secure channel is not established")
	}

	data, err := seal(c.sendKey, plaintext, []byte(wire.MsgEncryptedResult))
	if err != nil {
		c.poisoned = true
		return wire.EncryptedFrame{}, ferrors.Wrap(ferrors.Infrastructure, "encrypting result", err)
	}
	return wire.EncryptedFrame{EncryptedData: base64.StdEncoding.EncodeToString(data)}, nil
}

// DecryptTask opens an encrypted-task frame under the channel's receive
// subkey. Any failure — malformed base64, short ciphertext, or a tag
// mismatch — permanently poisons the channel: per §4.3 a session that
// observes a decryption failure never recovers.
func (c *Channel) DecryptTask(frame wire.EncryptedFrame) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned || c.state != types.SecureSymmetricEstablished {
		return nil, ferrors.New(ferrors.Protocol, "secure channel is not established")
	}

	data, err := base64.StdEncoding.DecodeString(frame.EncryptedData)
	if err != nil {
		c.poisoned = true
		return nil, ferrors.Wrap(ferrors.Decryption, "decoding task ciphertext", err)
	}

	plaintext, err := open(c.recvKey, data, []byte(wire.MsgEncryptedTask))
	if err != nil {
		c.poisoned = true
		return nil, ferrors.Wrap(ferrors.Decryption, "decrypting task payload", err)
	}
	return plaintext, nil
}

// seal encrypts plaintext with AES-256-GCM under key, authenticating aad,
// and returns nonce||ciphertext||tag. A fresh random nonce is drawn for
// every call — reusing a nonce under the same key is never safe.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// open decrypts data produced by seal, verifying aad and the GCM tag.
func open(key, data, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("secure: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, aad)
}

// encodePublicKeyPEM PEM-encodes an RSA public key in PKIX form, the same
// shape the bootstrap protocol expects on the wire.
func encodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
