package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSigner_ReusesSealedKey(t *testing.T) {
	dir := t.TempDir()
	cm := newTestCrypto(t)

	first, err := NewSigner(dir, cm)
	require.NoError(t, err)
	require.True(t, first.SigningEnabled())

	sealed, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(first.key), "key is stored sealed")

	second, err := NewSigner(dir, cm)
	require.NoError(t, err)

	event := NewEvent(EventSSOToggle, "org-1", "alice", true, "active=true")
	event.Signature = first.Sign(event)
	assert.True(t, second.Verify(event))

	event.Details = "active=false"
	assert.False(t, second.Verify(event))
}

func TestNewSigner_RejectsWrongSizeKey(t *testing.T) {
	dir := t.TempDir()
	cm := newTestCrypto(t)

	sealed, err := cm.Encrypt([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, signingKeyFile), sealed, 0o600))

	_, err = NewSigner(dir, cm)
	require.Error(t, err)
}

func TestNilSignerSignsNothing(t *testing.T) {
	var s *Signer
	event := NewEvent(EventSSOSeed, "org-1", "alice", true, "")
	assert.Empty(t, s.Sign(event))
	assert.False(t, s.Verify(event))
}
