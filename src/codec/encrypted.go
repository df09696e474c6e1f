package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

const keyInfo = "bridgeio frame key v1"

// ErrMissingSecret is returned when encryption is requested without a key.
var ErrMissingSecret = errors.New("encryption secret is required")

type encryptedCodec struct {
	inner Codec
	aead  cipher.AEAD
}

// Encrypted wraps inner so that every encoded frame is sealed with
// XChaCha20-Poly1305. The key is derived from secret with HKDF-SHA256.
// A frame that fails to open is reported as ErrMalformedFrame.
func Encrypted(inner Codec, secret []byte) (Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &encryptedCodec{inner: inner, aead: aead}, nil
}

func (c *encryptedCodec) Name() string     { return c.inner.Name() + "+encrypted" }
func (c *encryptedCodec) MessageType() int { return types.BinaryMessage }

func (c *encryptedCodec) Encode(env types.Envelope) ([]byte, error) {
	plain, err := c.inner.Encode(env)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *encryptedCodec) Decode(frame []byte) (types.Envelope, error) {
	ns := c.aead.NonceSize()
	if len(frame) < ns+c.aead.Overhead() {
		return types.Envelope{}, malformed(errors.New("ciphertext too short"))
	}
	plain, err := c.aead.Open(nil, frame[:ns], frame[ns:], nil)
	if err != nil {
		return types.Envelope{}, malformed(err)
	}
	return c.inner.Decode(plain)
}
