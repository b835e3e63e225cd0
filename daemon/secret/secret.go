// Package secret encrypts and decrypts provider secrets with a
// process-wide AES-256-GCM master key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// EnvMasterKey holds the hex-encoded 32-byte master key. When unset an
// ephemeral key is generated and persisted ciphertext will not survive a
// restart.
const EnvMasterKey = "MCP_ROUTER_MASTER_KEY"

const (
	keyLen   = 32
	nonceLen = 12
)

// Encryptor seals and opens provider secrets. It is safe for concurrent
// use; a fresh nonce is drawn per call.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from 32 bytes of key material.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != keyLen {
		return nil, errors.Newf("master key must be %d bytes, got %d", keyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return &Encryptor{aead: aead}, nil
}

// FromEnv creates an encryptor from MCP_ROUTER_MASTER_KEY. If the variable
// is unset a random ephemeral key is generated and a warning logged.
func FromEnv() (*Encryptor, error) {
	if value, ok := os.LookupEnv(EnvMasterKey); ok {
		key, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Newf("%s must be valid hex", EnvMasterKey)
		}
		return NewEncryptor(key)
	}
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate ephemeral key")
	}
	log.Warn().Msgf("%s not set; using ephemeral key, persisted ciphertext will not survive restart", EnvMasterKey)
	return NewEncryptor(key)
}

// Encrypt seals plaintext, returning a fresh 96-bit nonce and the
// ciphertext with the GCM tag appended.
func (e *Encryptor) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "generate nonce")
	}
	ciphertext = e.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext sealed by Encrypt.
func (e *Encryptor) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != nonceLen {
		return nil, errors.Newf("invalid nonce length %d", len(nonce))
	}
	if len(ciphertext) < e.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}

// EncryptToString seals plaintext and returns base64(nonce || ciphertext).
func (e *Encryptor) EncryptToString(plaintext []byte) (string, error) {
	nonce, ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// DecryptFromString reverses EncryptToString. Payloads shorter than
// nonce plus tag are rejected before any cipher work.
func (e *Encryptor) DecryptFromString(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("invalid base64 ciphertext")
	}
	if len(raw) < nonceLen+e.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return e.Decrypt(raw[:nonceLen], raw[nonceLen:])
}
