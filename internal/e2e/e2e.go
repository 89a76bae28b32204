// Package e2e is the encryption hook applied to message content before it is
// sent and after it is received.
package e2e

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix marks content produced by AEAD.Encode.
const Prefix = "e2e:v1:"

var (
	ErrInvalidKey    = errors.New("e2e key must be 32 bytes hex encoded")
	ErrMalformed     = errors.New("malformed encrypted content")
	ErrDecryptFailed = errors.New("failed to decrypt content")
)

// Codec transforms message content on its way out and back in.
type Codec interface {
	Encode(conversationID, plaintext string) (string, error)
	Decode(conversationID, content string) (string, error)
}

// Plain passes content through unchanged.
type Plain struct{}

func (Plain) Encode(_, plaintext string) (string, error) { return plaintext, nil }
func (Plain) Decode(_, content string) (string, error)   { return content, nil }

// AEAD seals content with XChaCha20-Poly1305. The conversation id is bound as
// additional data so ciphertext cannot be replayed into another conversation.
type AEAD struct {
	key []byte
}

// NewAEADFromHex builds an AEAD codec from a 64 character hex key.
func NewAEADFromHex(hexKey string) (*AEAD, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(b) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &AEAD{key: b}, nil
}

// Encode returns Prefix followed by base64(nonce|ciphertext).
func (a *AEAD) Encode(conversationID, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", fmt.Errorf("e2e: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("e2e: read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(conversationID))
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode. Content without Prefix is returned as is so
// plaintext from peers without encryption still renders.
func (a *AEAD) Decode(conversationID, content string) (string, error) {
	if !strings.HasPrefix(content, Prefix) {
		return content, nil
	}
	data, err := base64.StdEncoding.DecodeString(content[len(Prefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(a.key)
	if err != nil {
		return "", fmt.Errorf("e2e: init cipher: %w", err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(conversationID))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

type fallback struct {
	inner  Codec
	logger *zap.Logger
}

// WithFallback wraps a codec so failures degrade to plaintext with a warning
// instead of blocking the send or dropping the inbound message.
func WithFallback(inner Codec, logger *zap.Logger) Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallback{inner: inner, logger: logger}
}

func (f *fallback) Encode(conversationID, plaintext string) (string, error) {
	out, err := f.inner.Encode(conversationID, plaintext)
	if err != nil {
		f.logger.Warn("E2E: encode failed, sending plaintext", zap.String("chat_id", conversationID), zap.Error(err))
		return plaintext, nil
	}
	return out, nil
}

func (f *fallback) Decode(conversationID, content string) (string, error) {
	out, err := f.inner.Decode(conversationID, content)
	if err != nil {
		f.logger.Warn("E2E: decode failed, keeping raw content", zap.String("chat_id", conversationID), zap.Error(err))
		return content, nil
	}
	return out, nil
}
