package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	signingKeyFile = ".audit-signing.key"
	signingKeySize = 32
)

// CryptoEncryptor seals the signing key on disk. *crypto.CryptoManager
// satisfies it.
type CryptoEncryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Signer attaches an HMAC-SHA256 tag to stored audit events so tampering
// with a row is detectable. A Signer without a key signs nothing.
type Signer struct {
	key []byte
}

// NewSigner loads the sealed key from dir, creating one on first use.
// Without an encryptor the key could not be stored safely, so signing
// stays off.
func NewSigner(dir string, enc CryptoEncryptor) (*Signer, error) {
	if enc == nil {
		log.Warn().Msg("Audit events will be stored unsigned: no encryptor configured")
		return &Signer{}, nil
	}

	key, err := loadOrCreateSigningKey(filepath.Join(dir, signingKeyFile), enc)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

func loadOrCreateSigningKey(path string, enc CryptoEncryptor) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := enc.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal audit signing key %s: %w", path, err)
		}
		if len(key) != signingKeySize {
			return nil, fmt.Errorf("audit signing key %s is %d bytes, expected %d", path, len(key), signingKeySize)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read audit signing key %s: %w", path, err)
	}

	key := make([]byte, signingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate audit signing key: %w", err)
	}
	if sealed, err = enc.Encrypt(key); err != nil {
		return nil, fmt.Errorf("seal audit signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit key dir: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("write audit signing key %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Created audit signing key")
	return key, nil
}

// Sign returns the hex tag for event, or "" when signing is off.
func (s *Signer) Sign(event Event) string {
	if !s.SigningEnabled() {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(signedPayload(event)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether event.Signature matches the event's fields.
// Unsigned events never verify.
func (s *Signer) Verify(event Event) bool {
	if !s.SigningEnabled() || event.Signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(event)), []byte(event.Signature))
}

// SigningEnabled reports whether Sign produces tags.
func (s *Signer) SigningEnabled() bool {
	return s != nil && len(s.key) > 0
}

// signedPayload joins the fields covered by the tag; the signature itself
// is not part of it.
func signedPayload(event Event) string {
	return strings.Join([]string{
		event.ID,
		strconv.FormatInt(event.Timestamp.Unix(), 10),
		event.EventType,
		event.OrgID,
		event.User,
		event.IP,
		event.Path,
		strconv.FormatBool(event.Success),
		event.Details,
	}, "|")
}
