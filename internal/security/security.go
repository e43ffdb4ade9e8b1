// Package security provides credential encryption, audit logging, and log masking.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	apperrors "rulewatch/internal/errors"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	payloadPrefix = "v1:"
)

// ErrEmptyKey is returned when a Cipher is built without a master key.
var ErrEmptyKey = errors.New("encryption key is empty")

// Cipher encrypts broker credentials at rest. Each payload carries its own
// salt and nonce, encoded as "v1:" + base64(salt || nonce || ciphertext).
type Cipher struct {
	passphrase string

	mu   sync.Mutex
	keys map[string][]byte
}

// NewCipher creates a cipher from the master passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptyKey
	}
	return &Cipher{passphrase: passphrase, keys: make(map[string][]byte)}, nil
}

// Encrypt seals plaintext. An empty plaintext encrypts to an empty string.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	nonce, ciphertext, err := encrypt([]byte(plaintext), c.key(salt))
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	return payloadPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens a payload produced by Encrypt.
func (c *Cipher) Decrypt(payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	if !strings.HasPrefix(payload, payloadPrefix) {
		return "", fmt.Errorf("%w: unknown payload version", apperrors.ErrCredentialAccess)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, payloadPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: decoding payload: %v", apperrors.ErrCredentialAccess, err)
	}
	if len(raw) < SaltSize+NonceSize+1 {
		return "", fmt.Errorf("%w: payload too short", apperrors.ErrCredentialAccess)
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	plaintext, err := decrypt(raw[SaltSize+NonceSize:], c.key(salt), nonce)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrCredentialAccess, err)
	}
	return string(plaintext), nil
}

// key derives (and memoizes) the AES key for salt.
func (c *Cipher) key(salt []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.keys[string(salt)]; ok {
		return k
	}
	k := deriveKey(c.passphrase, salt)
	c.keys[string(salt)] = k
	return k
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// encrypt encrypts plaintext using AES-256-GCM.
func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}
