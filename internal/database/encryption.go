package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"chatsync/internal/constants"
	"chatsync/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

// Encryptor seals blobs with AES-GCM. A nil *Encryptor passes data through
// unchanged, so callers need not branch on whether encryption is enabled.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor derives a key from secret with PBKDF2. An empty secret returns
// a nil Encryptor.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, nil
	}
	if len(secret) < constants.MinEncryptionSecretSize {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecretSize)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.QueueEncryptionSalt), models.Iterations, models.KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the output.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	if e == nil {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(data []byte) ([]byte, error) {
	if e == nil {
		return data, nil
	}
	if len(data) < models.NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
