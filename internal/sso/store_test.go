package sso

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-sso/internal/crypto"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	cm, err := crypto.NewCryptoManagerWithKey([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sso.db"), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testCertificate(t *testing.T) (pemCert string, der []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "idp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), der
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	created, err := store.Create(ctx, "org-1", EmptySeed(ProviderOkta))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "org-1", created.OrganizationID)
	assert.False(t, created.IsActive)
	assert.Empty(t, created.EntryPoint)
	assert.Empty(t, created.Issuer)
	assert.Empty(t, created.Cert)

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, ProviderOkta, got.AuthProvider)
}

func TestSQLiteStore_CreateTwiceConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "org-1", EmptySeed(ProviderOkta))
	require.NoError(t, err)

	_, err = store.Create(ctx, "org-1", EmptySeed(ProviderAzure))
	require.ErrorIs(t, err, ierrors.ErrConflict)

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, ProviderOkta, got.AuthProvider)
}

func TestSQLiteStore_ConcurrentCreateExactlyOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := store.Create(ctx, "org-race", EmptySeed(ProviderOkta))
			switch {
			case err == nil:
				wins.Add(1)
			case ierrors.Classify(err) == ierrors.ErrorTypeConflict:
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
}

func TestSQLiteStore_UpdateAppliesOnlySetFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cert, _ := testCertificate(t)

	_, err := store.Create(ctx, "org-1", EmptySeed(ProviderOkta))
	require.NoError(t, err)

	updated, err := store.Update(ctx, "org-1", EditPatch(ProviderAzure, "https://login.example.com/saml", "urn:idp", cert))
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, updated.AuthProvider)
	assert.False(t, updated.IsActive)

	updated, err = store.Update(ctx, "org-1", ActivatePatch(true))
	require.NoError(t, err)
	assert.True(t, updated.IsActive)
	assert.Equal(t, "https://login.example.com/saml", updated.EntryPoint)
	assert.Equal(t, "urn:idp", updated.Issuer)

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, strings.TrimSpace(cert), got.Cert)
}

func TestSQLiteStore_UpdateMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Update(context.Background(), "org-1", ActivatePatch(false))
	require.ErrorIs(t, err, ierrors.ErrNotFound)
}

func TestSQLiteStore_ActivationRequiresEntryPointAndIssuer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "org-1", EmptySeed(ProviderOkta))
	require.NoError(t, err)

	_, err = store.Update(ctx, "org-1", ActivatePatch(true))
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, got.IsActive, "rejected update must not change the record")

	_, err = store.Create(ctx, "org-2", Seed{AuthProvider: ProviderOkta, IsActive: true})
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)
}

func TestSQLiteStore_CertEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cert, _ := testCertificate(t)

	_, err := store.Create(ctx, "org-1", Seed{AuthProvider: ProviderOkta, Cert: cert})
	require.NoError(t, err)

	var raw string
	require.NoError(t, store.db.QueryRow(`SELECT cert FROM sso_configs WHERE organization_id = ?`, "org-1").Scan(&raw))
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "BEGIN CERTIFICATE")

	// A row copied to another organization cannot be decrypted there.
	_, err = store.db.Exec(`INSERT INTO sso_configs (id, organization_id, auth_provider, cert, created_at, updated_at)
		VALUES ('x', 'org-2', 'okta-saml', ?, 0, 0)`, raw)
	require.NoError(t, err)
	_, err = store.Get(ctx, "org-2")
	require.Error(t, err)
	assert.True(t, ierrors.IsIOError(err))
}

func TestSQLiteStore_MarkUsed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.MarkUsed(ctx, "org-1", at)
	require.ErrorIs(t, err, ierrors.ErrNotFound)

	_, err = store.Create(ctx, "org-1", EmptySeed(ProviderGoogle))
	require.NoError(t, err)

	cfg, err := store.MarkUsed(ctx, "org-1", at)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastUsed)
	assert.True(t, at.Equal(*cfg.LastUsed))
}

func TestConfigView_RedactsCert(t *testing.T) {
	cert, _ := testCertificate(t)
	cfg := &Config{ID: "id", OrganizationID: "org-1", AuthProvider: ProviderJumpCloud, Cert: cert}

	view := cfg.View()
	assert.True(t, view.CertConfigured)
	assert.Len(t, view.CertFingerprint, 64)
	assert.Equal(t, "JumpCloud SAML", view.AuthProviderName)

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CERTIFICATE")

	data, err = json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CERTIFICATE")

	assert.Nil(t, (*Config)(nil).View())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"seed", Config{AuthProvider: ProviderOkta}, false},
		{"unknown provider", Config{AuthProvider: "ldap"}, true},
		{"active complete", Config{AuthProvider: ProviderOkta, IsActive: true, EntryPoint: "https://idp/sso", Issuer: "urn:x"}, false},
		{"active without issuer", Config{AuthProvider: ProviderOkta, IsActive: true, EntryPoint: "https://idp/sso"}, true},
		{"relative entry point", Config{AuthProvider: ProviderOkta, EntryPoint: "/sso"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ierrors.ErrInvalidInput)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider(" Azure-SAML ")
	require.NoError(t, err)
	assert.Equal(t, ProviderAzure, p)

	_, err = ParseProvider("oidc")
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)
	assert.Len(t, Providers(), 4)
}
