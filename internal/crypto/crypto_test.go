package crypto

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cm, err := NewCryptoManagerWithKey(testKey())
	require.NoError(t, err)

	enc, err := cm.EncryptString("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----")
	require.NoError(t, err)
	assert.NotContains(t, enc, "CERTIFICATE")

	dec, err := cm.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----", dec)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	cm, err := NewCryptoManagerWithKey(testKey())
	require.NoError(t, err)

	a, err := cm.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := cm.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestForOrgIsolatesOrganizations(t *testing.T) {
	master, err := NewCryptoManagerWithKey(testKey())
	require.NoError(t, err)

	orgA, err := master.ForOrg("org-a")
	require.NoError(t, err)
	orgB, err := master.ForOrg("org-b")
	require.NoError(t, err)
	orgAAgain, err := master.ForOrg("org-a")
	require.NoError(t, err)

	enc, err := orgA.EncryptString("cert")
	require.NoError(t, err)

	_, err = orgB.DecryptString(enc)
	assert.Error(t, err, "another org's key must not decrypt")

	dec, err := orgAAgain.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "cert", dec)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	cm, err := NewCryptoManagerWithKey(testKey())
	require.NoError(t, err)

	_, err = cm.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewCryptoManagerGeneratesAndReusesKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "nested", ".encryption.key")

	first, err := NewCryptoManager("", keyPath)
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewCryptoManager("", keyPath)
	require.NoError(t, err)

	enc, err := first.EncryptString("payload")
	require.NoError(t, err)
	dec, err := second.DecryptString(enc)
	require.NoError(t, err)
	assert.Equal(t, "payload", dec)
}

func TestNewCryptoManagerFromEncodedKey(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(testKey())

	cm, err := NewCryptoManager(encoded, filepath.Join(t.TempDir(), "unused"))
	require.NoError(t, err)
	assert.Equal(t, testKey(), cm.key)

	_, err = NewCryptoManager(base64.StdEncoding.EncodeToString([]byte("short")), "")
	assert.Error(t, err)
}

func TestNewCryptoManagerRejectsCorruptKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".encryption.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not base64!"), 0o600))

	_, err := NewCryptoManager("", keyPath)
	assert.Error(t, err)
}

func TestHashSecret(t *testing.T) {
	assert.Equal(t, HashSecret("a"), HashSecret("a"))
	assert.NotEqual(t, HashSecret("a"), HashSecret("b"))
}
