// Package encryption implements per-tenant envelope encryption. A master key
// is narrowed once into an internal key; each call derives a fresh per-tenant
// data-encryption key from it. Tenant keys are never cached or persisted, and
// compromise of one tenant's key does not help decrypt another's data.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeyInfo = "taskledger-master-v1"
	orgInfoPrefix = "org:"
)

// Service derives tenant keys and performs AES-256-GCM encryption.
type Service struct {
	internalKey []byte
}

// NewService derives the internal key from the master key. The master key
// itself is never used to encrypt data directly.
func NewService(masterKey []byte) (*Service, error) {
	if len(masterKey) == 0 {
		return nil, ErrInvalidMasterKey
	}
	internalKey, err := deriveKey(masterKey, masterKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Service{internalKey: internalKey}, nil
}

// Encrypt seals plaintext under the tenant's derived key with a fresh random
// nonce. Identical plaintext encrypts to different ciphertext on every call.
func (s *Service) Encrypt(plaintext []byte, orgID string) (EncryptedPayload, error) {
	if orgID == "" {
		return EncryptedPayload{}, ErrOrgContextMissing
	}

	dek, err := deriveKey(s.internalKey, orgInfoPrefix+orgID)
	if err != nil {
		return EncryptedPayload{}, err
	}

	aead, err := newGCM(dek)
	if err != nil {
		return EncryptedPayload{}, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedPayload{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	return EncryptedPayload{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(nonce),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens the envelope under the tenant's derived key. A wrong tenant,
// tampered data, or mismatched tag fails authentication and returns no
// partial plaintext.
func (s *Service) Decrypt(payload EncryptedPayload, orgID string) ([]byte, error) {
	if orgID == "" {
		return nil, ErrOrgContextMissing
	}

	ciphertext, nonce, tag, err := payload.decode()
	if err != nil {
		return nil, err
	}

	dek, err := deriveKey(s.internalKey, orgInfoPrefix+orgID)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
