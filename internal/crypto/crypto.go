package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	aesKeySize = 32

	// hkdfInfoOrgPrefix scopes derived keys to one organization's SSO secrets.
	hkdfInfoOrgPrefix = "pulse-sso-org-cert:"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// CryptoManager handles encryption/decryption of sensitive data
type CryptoManager struct {
	key []byte
}

// NewCryptoManager creates a manager from a base64 key, or from the key file
// at keyPath (generated on first use) when encodedKey is empty.
func NewCryptoManager(encodedKey, keyPath string) (*CryptoManager, error) {
	if encodedKey = strings.TrimSpace(encodedKey); encodedKey != "" {
		key, err := decodeKey([]byte(encodedKey))
		if err != nil {
			return nil, fmt.Errorf("decode encryption key: %w", err)
		}
		return &CryptoManager{key: key}, nil
	}

	key, err := getOrCreateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &CryptoManager{key: key}, nil
}

// NewCryptoManagerWithKey wraps a raw 32-byte key.
func NewCryptoManagerWithKey(key []byte) (*CryptoManager, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", aesKeySize, len(key))
	}
	cp := make([]byte, aesKeySize)
	copy(cp, key)
	return &CryptoManager{key: cp}, nil
}

func decodeKey(data []byte) ([]byte, error) {
	key := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(key, []byte(strings.TrimSpace(string(data))))
	if err != nil {
		return nil, err
	}
	if n != aesKeySize {
		return nil, fmt.Errorf("key must decode to %d bytes, got %d", aesKeySize, n)
	}
	return key[:n], nil
}

// getOrCreateKey gets the encryption key or creates one if it doesn't exist
func getOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key, decodeErr := decodeKey(data)
		if decodeErr != nil {
			return nil, fmt.Errorf("existing key file %s is invalid: %w", keyPath, decodeErr)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	// Generate new key
	key := make([]byte, aesKeySize) // AES-256
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Save key with restricted permissions
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Str("path", keyPath).Msg("Generated new encryption key")
	return key, nil
}

// ForOrg returns a manager whose key is derived from the master key for one
// organization. Ciphertext from one organization never decrypts under
// another's key.
func (c *CryptoManager) ForOrg(orgID string) (*CryptoManager, error) {
	key, err := deriveKey(c.key, hkdfInfoOrgPrefix+orgID)
	if err != nil {
		return nil, fmt.Errorf("derive key for org %s: %w", orgID, err)
	}
	return &CryptoManager{key: key}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

// Encrypt encrypts data using AES-GCM
func (c *CryptoManager) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data using AES-GCM
func (c *CryptoManager) Decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (c *CryptoManager) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts a string and returns base64
func (c *CryptoManager) EncryptString(plaintext string) (string, error) {
	encrypted, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decrypts a base64 string
func (c *CryptoManager) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	decrypted, err := c.Decrypt(data)
	if err != nil {
		return "", err
	}

	return string(decrypted), nil
}

// HashSecret creates a SHA256 hash of a secret for constant-size comparison.
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(hash[:])
}
