package encryption

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	nonceLength = 12
	tagLength   = 16
	keyLength   = 32
)

var (
	// ErrInvalidPayload means the envelope is malformed (bad JSON, bad
	// base64, or wrong nonce/tag length). Raised before any decrypt attempt.
	ErrInvalidPayload = errors.New("invalid_encrypted_payload")

	// ErrDecryptionFailed means authentication failed: wrong tenant key,
	// tampered ciphertext, or a mismatched tag. No plaintext is returned.
	ErrDecryptionFailed = errors.New("decryption_failed")

	// ErrOrgContextMissing is returned when an operation is attempted without
	// a tenant. Upstream guards should make this unreachable.
	ErrOrgContextMissing = errors.New("org_context_required")

	// ErrInvalidMasterKey is returned when the service is constructed with an
	// empty master key.
	ErrInvalidMasterKey = errors.New("invalid_master_key")
)

// EncryptedPayload is the self-describing envelope stored at rest and carried
// on the broker. All fields are base64-encoded.
type EncryptedPayload struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
}

// Encode serializes the envelope for storage in a text column or message body.
func (p EncryptedPayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePayload parses a stored envelope. Nonce and tag lengths are validated
// here so malformed payloads are rejected before any key derivation.
func DecodePayload(raw string) (EncryptedPayload, error) {
	var payload EncryptedPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return EncryptedPayload{}, ErrInvalidPayload
	}
	if _, _, _, err := payload.decode(); err != nil {
		return EncryptedPayload{}, err
	}
	return payload, nil
}

func (p EncryptedPayload) decode() (ciphertext, nonce, tag []byte, err error) {
	ciphertext, err = base64.StdEncoding.DecodeString(p.EncryptedData)
	if err != nil {
		return nil, nil, nil, ErrInvalidPayload
	}
	nonce, err = base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return nil, nil, nil, ErrInvalidPayload
	}
	tag, err = base64.StdEncoding.DecodeString(p.AuthTag)
	if err != nil {
		return nil, nil, nil, ErrInvalidPayload
	}
	if len(nonce) != nonceLength || len(tag) != tagLength {
		return nil, nil, nil, ErrInvalidPayload
	}
	return ciphertext, nonce, tag, nil
}
