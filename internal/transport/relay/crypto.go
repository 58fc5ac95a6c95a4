package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed context tag for key derivation. Changing it breaks
// compatibility with paired clients.
const hkdfInfo = "agentpager-e2e-v1"

// Hint is the unencrypted outer label on a wrapped message. It carries only
// what push-notification routing needs; never the command, diff, or target.
type Hint struct {
	Type     string `json:"type"`
	ToolName string `json:"toolName,omitempty"`
	Risk     string `json:"risk,omitempty"`
}

// WrappedMessage is the E2E wire form sent through the relay.
type WrappedMessage struct {
	E2E        bool   `json:"e2e"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Hint       *Hint  `json:"hint,omitempty"`
}

// Cipher performs the one-time key agreement between the gateway's signing
// key and the peer's signing public key, then encrypts and decrypts relay
// payloads with the cached symmetric key.
type Cipher struct {
	aead cipher.AEAD

	mu      sync.Mutex
	counter uint32
}

// NewCipher derives the shared symmetric key: both ed25519 keys are
// converted to their X25519 forms (Edwards to Montgomery), ECDH is run on
// the derived pair, and the shared secret is expanded with HKDF-SHA256.
func NewCipher(priv ed25519.PrivateKey, peerPub ed25519.PublicKey) (*Cipher, error) {
	xPriv := ed25519PrivateToX25519(priv)
	xPub, err := ed25519PublicToX25519(peerPub)
	if err != nil {
		return nil, fmt.Errorf("failed to convert peer public key: %w", err)
	}

	shared, err := curve25519.X25519(xPriv, xPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// ed25519PrivateToX25519 derives the X25519 scalar from an ed25519 private
// key: SHA-512 of the seed, clamped per RFC 7748.
func ed25519PrivateToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// ed25519PublicToX25519 converts an Edwards curve point to its Montgomery
// u-coordinate.
func ed25519PublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, err
	}
	return point.BytesMontgomery(), nil
}

// Encrypt seals a plaintext envelope into the wrapped wire form. The 12-byte
// nonce is a 4-byte monotonic counter followed by 8 random bytes.
func (c *Cipher) Encrypt(plaintext []byte, hint *Hint) (*WrappedMessage, error) {
	nonce := make([]byte, 12)
	c.mu.Lock()
	c.counter++
	binary.BigEndian.PutUint32(nonce[:4], c.counter)
	c.mu.Unlock()
	if _, err := rand.Read(nonce[4:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return &WrappedMessage{
		E2E:        true,
		Nonce:      base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(sealed),
		Hint:       hint,
	}, nil
}

// Decrypt opens a wrapped message back into its plaintext envelope.
func (c *Cipher) Decrypt(msg *WrappedMessage) ([]byte, error) {
	nonce, err := base64.RawURLEncoding.DecodeString(msg.Nonce)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", c.aead.NonceSize())
	}
	return c.aead.Open(nil, nonce, sealed, nil)
}

// IsWrapped reports whether raw bytes look like an E2E-wrapped message, and
// returns the decoded wrapper when they do.
func IsWrapped(data []byte) (*WrappedMessage, bool) {
	var msg WrappedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if !msg.E2E || msg.Nonce == "" || msg.Ciphertext == "" {
		return nil, false
	}
	return &msg, true
}
