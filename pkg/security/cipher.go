package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Cipher encrypts stored credentials with a key derived from the shared secret
type Cipher struct {
	key    []byte // 32 bytes for AES-256
	secret string
}

// NewCipher creates a cipher from the deployment's shared secret.
// The secret is hashed with SHA-256 to derive the AES-256 key.
func NewCipher(sharedSecret string) (*Cipher, error) {
	if sharedSecret == "" {
		return nil, fmt.Errorf("shared secret cannot be empty")
	}

	hash := sha256.Sum256([]byte(sharedSecret))
	return &Cipher{key: hash[:], secret: sharedSecret}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM and returns the nonce-prefixed
// ciphertext as standard base64
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// UserID derives the stable identifier of a credential. The same
// username/password pair always maps to the same id, so a credential
// shared by several servers is stored once.
func (c *Cipher) UserID(username, password string) string {
	sum := sha256.Sum256([]byte(username + password + c.secret))
	return hex.EncodeToString(sum[:])
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Mask hides all but the first character of a password for display
func Mask(password string) string {
	if password == "" {
		return ""
	}
	r := []rune(password)
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}
