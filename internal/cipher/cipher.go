// Package cipher implements the body cipher clients apply to message
// content before sending it. It is a repeating-key XOR over UTF-8 bytes,
// encoded as standard base64. It hides text from casual inspection only.
package cipher

import (
	"encoding/base64"
	"errors"
	"fmt"
)

const DefaultKey = "superSecretRoomKey123!"

var ErrEmptyKey = errors.New("cipher key cannot be empty")

type Cipher struct {
	key []byte
}

func New(key string) (*Cipher, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &Cipher{key: []byte(key)}, nil
}

// Default returns a Cipher using the key shared by all clients.
func Default() *Cipher {
	return &Cipher{key: []byte(DefaultKey)}
}

func (c *Cipher) xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ c.key[i%len(c.key)]
	}
	return out
}

func (c *Cipher) Encrypt(plaintext string) string {
	return base64.StdEncoding.EncodeToString(c.xor([]byte(plaintext)))
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	return string(c.xor(raw)), nil
}
