package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-sso/internal/crypto"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/notifications"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/internal/sso"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

const testOrg = "org-1"

// countingStore wraps a real store to count writes and inject failures.
type countingStore struct {
	sso.Store
	creates    atomic.Int32
	updates    atomic.Int32
	updateErr  error
	updateGate chan struct{}
}

func (c *countingStore) Create(ctx context.Context, orgID string, seed sso.Seed) (*sso.Config, error) {
	c.creates.Add(1)
	return c.Store.Create(ctx, orgID, seed)
}

func (c *countingStore) Update(ctx context.Context, orgID string, patch sso.Patch) (*sso.Config, error) {
	c.updates.Add(1)
	if c.updateGate != nil {
		<-c.updateGate
	}
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	return c.Store.Update(ctx, orgID, patch)
}

// switchSource lets a test change the plan mid-session.
type switchSource struct {
	mu   sync.Mutex
	snap licensing.Snapshot
}

func (s *switchSource) Set(snap licensing.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *switchSource) Entitlements(ctx context.Context, _ string) (licensing.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return licensing.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func proSnapshot() licensing.Snapshot {
	s := licensing.OnPremDefault()
	s.Tier = licensing.TierPro
	s.SAMLSSO = true
	s.RBAC = true
	return s
}

type harness struct {
	wf       *Workflow
	store    *countingStore
	audit    *audit.MemoryLogger
	notices  *notifications.Recorder
	source   *switchSource
	loginNow time.Time
}

func newHarness(t *testing.T, snap licensing.Snapshot) *harness {
	t.Helper()
	cm, err := crypto.NewCryptoManagerWithKey([]byte(strings.Repeat("w", 32)))
	require.NoError(t, err)
	backing, err := sso.NewSQLiteStore(filepath.Join(t.TempDir(), "sso.db"), cm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backing.Close() })

	h := &harness{
		store:    &countingStore{Store: backing},
		audit:    audit.NewMemoryLogger(),
		notices:  notifications.NewRecorder(nil),
		source:   &switchSource{snap: snap},
		loginNow: time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC),
	}
	authz := rbac.NewAuthorizer(rbac.StaticRoles{
		testOrg: {
			"admin":  rbac.RoleAdmin,
			"member": rbac.RoleMember,
			"ghost":  rbac.RoleNoAccess,
		},
	})
	h.wf = New(h.source, h.store, authz,
		WithAuditLogger(h.audit),
		WithNotifier(h.notices),
		WithClock(func() time.Time { return h.loginNow }),
	)
	return h
}

func (h *harness) open(t *testing.T, user string) *Session {
	t.Helper()
	s, err := h.wf.Open(context.Background(), testOrg, user)
	require.NoError(t, err)
	return s
}

func (h *harness) seedConfigured(t *testing.T, active bool) {
	t.Helper()
	_, err := h.store.Store.Create(context.Background(), testOrg, sso.Seed{
		AuthProvider: sso.ProviderOkta,
		IsActive:     active,
		EntryPoint:   "https://example.okta.com/app/sso/saml",
		Issuer:       "http://www.okta.com/exk1",
	})
	require.NoError(t, err)
}

func (h *harness) stored(t *testing.T) *sso.Config {
	t.Helper()
	cfg, err := h.store.Get(context.Background(), testOrg)
	require.NoError(t, err)
	return cfg
}

func (h *harness) auditCount(t *testing.T, eventType string, success bool) int {
	t.Helper()
	n, err := h.audit.Count(audit.QueryFilter{OrgID: testOrg, EventType: eventType, Success: &success})
	require.NoError(t, err)
	return n
}

func lastNotice(t *testing.T, v View) notifications.Notification {
	t.Helper()
	require.NotEmpty(t, v.Notices)
	return v.Notices[len(v.Notices)-1]
}

func TestOpen_ReportsCanManage(t *testing.T) {
	h := newHarness(t, proSnapshot())

	assert.True(t, h.open(t, "admin").View().CanManageSSO)
	assert.False(t, h.open(t, "member").View().CanManageSSO)

	_, err := h.wf.Open(context.Background(), testOrg, "ghost")
	require.ErrorIs(t, err, ierrors.ErrPermissionDenied)

	_, err = h.wf.Open(context.Background(), " ", "admin")
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)

	h.source.Set(licensing.OnPremDefault())
	v := h.open(t, "admin").View()
	assert.False(t, v.CanManageSSO)
	assert.Equal(t, StateIdle, v.State)
	assert.Nil(t, v.Config)
}

func TestRequestSetup_WithoutEntitlementRequiresUpgrade(t *testing.T) {
	h := newHarness(t, licensing.OnPremDefault())
	s := h.open(t, "admin")

	err := s.RequestSetup(context.Background())
	require.ErrorIs(t, err, ierrors.ErrUpgradeRequired)

	v := s.View()
	assert.Equal(t, StateUpgradeRequired, v.State)
	assert.Equal(t, PopupUpgradePlan, v.Popup)
	require.NotNil(t, v.Upgrade)
	assert.Equal(t, "You can use SAML SSO if you switch to the Pro plan.", v.Upgrade.Message)

	assert.Zero(t, h.store.creates.Load())
	assert.Nil(t, h.stored(t))
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSODenied, false))

	s.Dismiss()
	v = s.View()
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, PopupNone, v.Popup)
	assert.Nil(t, v.Upgrade)
}

func TestRequestSetup_SeedsEmptyConfigThenOpensEditor(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")

	require.NoError(t, s.RequestSetup(context.Background()))
	assert.Equal(t, int32(1), h.store.creates.Load())

	v := s.View()
	assert.Equal(t, StateEditorOpen, v.State)
	assert.Equal(t, PopupAddSSO, v.Popup)
	require.NotNil(t, v.Config)

	cfg := h.stored(t)
	require.NotNil(t, cfg)
	assert.Equal(t, sso.ProviderOkta, cfg.AuthProvider)
	assert.False(t, cfg.IsActive)
	assert.Empty(t, cfg.EntryPoint)
	assert.Empty(t, cfg.Issuer)
	assert.Empty(t, cfg.Cert)
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSOSeed, true))
}

func TestRequestSetup_TwiceCreatesOnce(t *testing.T) {
	h := newHarness(t, proSnapshot())
	ctx := context.Background()

	s := h.open(t, "admin")
	require.NoError(t, s.RequestSetup(ctx))
	s.Dismiss()
	require.NoError(t, s.RequestSetup(ctx))
	assert.Equal(t, StateEditorOpen, s.View().State)

	again := h.open(t, "admin")
	require.NoError(t, again.RequestSetup(ctx))
	assert.Equal(t, StateEditorOpen, again.View().State)

	assert.Equal(t, int32(1), h.store.creates.Load())
}

func TestRequestSetup_ConcurrentSessionsShareOneRecord(t *testing.T) {
	h := newHarness(t, proSnapshot())

	var ids sync.Map
	var g errgroup.Group
	for i := 0; i < 6; i++ {
		s := h.open(t, "admin")
		g.Go(func() error {
			if err := s.RequestSetup(context.Background()); err != nil {
				return err
			}
			ids.Store(s.View().Config.ID, true)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	count := 0
	ids.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count, "every session edits the same record")
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSOSeed, true))
}

func TestRequestSetup_PermissionCheckedBeforeLicense(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "member")

	err := s.RequestSetup(context.Background())
	require.ErrorIs(t, err, ierrors.ErrPermissionDenied)
	assert.Equal(t, StateIdle, s.View().State)
	assert.Zero(t, h.store.creates.Load())
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSODenied, false))
}

func TestToggle_EnableUpdatesOnceAndNotifies(t *testing.T) {
	h := newHarness(t, proSnapshot())
	h.seedConfigured(t, false)
	s := h.open(t, "admin")

	require.NoError(t, s.Toggle(context.Background(), true))
	assert.Equal(t, int32(1), h.store.updates.Load())

	v := s.View()
	assert.Equal(t, StateIdle, v.State)
	require.NotNil(t, v.Config)
	assert.True(t, v.Config.IsActive)
	n := lastNotice(t, v)
	assert.Equal(t, notifications.TypeSuccess, n.Type)
	assert.Contains(t, n.Text, "enabled")
	assert.True(t, h.stored(t).IsActive)
	assert.Len(t, h.notices.For(testOrg), 1)

	require.NoError(t, s.Toggle(context.Background(), false))
	assert.False(t, h.stored(t).IsActive)
	assert.Equal(t, "Successfully disabled SAML SSO", lastNotice(t, s.View()).Text)
}

func TestToggle_FailureRestoresSwitch(t *testing.T) {
	h := newHarness(t, proSnapshot())
	h.seedConfigured(t, false)
	h.store.updateErr = ierrors.NewIOError("sso.update", testOrg, assert.AnError)
	s := h.open(t, "admin")

	err := s.Toggle(context.Background(), true)
	require.Error(t, err)
	assert.True(t, ierrors.IsIOError(err))

	v := s.View()
	assert.Equal(t, StateIdle, v.State)
	assert.False(t, v.Config.IsActive)
	n := lastNotice(t, v)
	assert.Equal(t, notifications.TypeError, n.Type)
	assert.Equal(t, "Failed to enable SAML SSO", n.Text)
	assert.False(t, h.stored(t).IsActive)
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSOToggle, false))
}

func TestToggle_ActivationNeedsEntryPointAndIssuer(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	require.NoError(t, s.RequestSetup(context.Background()))
	s.Dismiss()

	err := s.Toggle(context.Background(), true)
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)
	assert.Zero(t, h.store.updates.Load())
	assert.False(t, s.View().Config.IsActive)
	assert.Equal(t, "Failed to enable SAML SSO", lastNotice(t, s.View()).Text)
}

func TestToggle_NotGatedOnEntitlement(t *testing.T) {
	h := newHarness(t, licensing.OnPremDefault())
	h.seedConfigured(t, false)
	s := h.open(t, "admin")

	require.NoError(t, s.Toggle(context.Background(), true))
	assert.True(t, h.stored(t).IsActive)
}

func TestToggle_RequiresEditPermissionAndRecord(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	require.ErrorIs(t, s.Toggle(context.Background(), false), ierrors.ErrNotFound)

	h.seedConfigured(t, false)
	m := h.open(t, "member")
	require.ErrorIs(t, m.Toggle(context.Background(), true), ierrors.ErrPermissionDenied)
	assert.Zero(t, h.store.updates.Load())
	assert.Equal(t, StateIdle, m.View().State)
}

func TestToggle_OnlyFromIdle(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	require.NoError(t, s.RequestSetup(context.Background()))

	require.ErrorIs(t, s.Toggle(context.Background(), false), ierrors.ErrInvalidInput)
	assert.Equal(t, StateEditorOpen, s.View().State)
}

func TestToggle_CancelledCallerStillCompletesWrite(t *testing.T) {
	h := newHarness(t, proSnapshot())
	h.seedConfigured(t, false)
	h.store.updateGate = make(chan struct{})
	s := h.open(t, "admin")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Toggle(ctx, true) }()

	require.Eventually(t, func() bool { return h.store.updates.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateToggling, s.View().State)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, s.View().Config.IsActive)

	close(h.store.updateGate)
	require.Eventually(t, func() bool {
		cfg := h.stored(t)
		return cfg != nil && cfg.IsActive
	}, time.Second, 5*time.Millisecond)
}

func TestSave_AppliesEditAndClosesEditor(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	ctx := context.Background()
	require.NoError(t, s.RequestSetup(ctx))

	patch := sso.EditPatch(sso.ProviderAzure, "https://login.microsoftonline.com/t/saml2", "https://sts.windows.net/t/", "MIIC-not-parsed")
	require.NoError(t, s.Save(ctx, patch))

	v := s.View()
	assert.Equal(t, StateIdle, v.State)
	assert.Equal(t, PopupNone, v.Popup)
	assert.True(t, v.Config.CertConfigured)
	assert.Equal(t, "Azure SAML", v.Config.AuthProviderName)
	assert.Equal(t, "Successfully updated SAML SSO configuration", lastNotice(t, v).Text)

	cfg := h.stored(t)
	assert.Equal(t, "https://sts.windows.net/t/", cfg.Issuer)
	assert.Equal(t, "MIIC-not-parsed", cfg.Cert)
	assert.False(t, cfg.IsActive)

	require.ErrorIs(t, s.Save(ctx, patch), ierrors.ErrInvalidInput, "editor is closed")
	assert.Equal(t, int32(1), h.store.updates.Load())
}

func TestSave_RechecksEntitlementAtMutation(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	ctx := context.Background()
	require.NoError(t, s.RequestSetup(ctx))

	h.source.Set(licensing.OnPremDefault())

	err := s.Save(ctx, sso.EditPatch(sso.ProviderOkta, "https://idp.example.com/sso", "urn:idp", ""))
	require.ErrorIs(t, err, ierrors.ErrUpgradeRequired)
	assert.Zero(t, h.store.updates.Load())

	v := s.View()
	assert.Equal(t, StateUpgradeRequired, v.State)
	assert.Equal(t, PopupUpgradePlan, v.Popup)
	assert.Empty(t, h.stored(t).EntryPoint)
}

func TestSave_RejectsInvalidPatchBeforeStore(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	ctx := context.Background()
	require.NoError(t, s.RequestSetup(ctx))

	require.ErrorIs(t, s.Save(ctx, sso.ActivatePatch(true)), ierrors.ErrInvalidInput)
	require.ErrorIs(t, s.Save(ctx, sso.Patch{}), ierrors.ErrInvalidInput)
	assert.Zero(t, h.store.updates.Load())
	assert.Equal(t, StateEditorOpen, s.View().State)
}

func TestImportMetadata(t *testing.T) {
	h := newHarness(t, proSnapshot())
	s := h.open(t, "admin")
	ctx := context.Background()

	md := &sso.IdPMetadata{
		EntityID:   "urn:jumpcloud:idp",
		EntryPoint: "https://sso.jumpcloud.com/saml2/pulse",
		Cert:       "MIIC-from-metadata",
	}
	require.ErrorIs(t, s.ImportMetadata(ctx, md), ierrors.ErrInvalidInput, "editor must be open")

	require.NoError(t, s.RequestSetup(ctx))
	require.NoError(t, s.ImportMetadata(ctx, md))

	cfg := h.stored(t)
	assert.Equal(t, md.EntityID, cfg.Issuer)
	assert.Equal(t, md.EntryPoint, cfg.EntryPoint)
	assert.Equal(t, sso.ProviderOkta, cfg.AuthProvider)
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSOMetadata, true))
}

func TestDismissForgetsSecretMaterial(t *testing.T) {
	h := newHarness(t, proSnapshot())
	_, err := h.store.Store.Create(context.Background(), testOrg, sso.Seed{AuthProvider: sso.ProviderOkta, Cert: "secret-cert"})
	require.NoError(t, err)

	s := h.open(t, "admin")
	require.NoError(t, s.RequestSetup(context.Background()))
	s.mu.Lock()
	require.NotNil(t, s.editing)
	assert.Equal(t, "secret-cert", s.editing.Cert)
	s.mu.Unlock()

	s.Dismiss()
	s.mu.Lock()
	assert.Nil(t, s.editing)
	s.mu.Unlock()
	assert.True(t, s.View().Config.CertConfigured)
}

func TestRecordLogin(t *testing.T) {
	h := newHarness(t, proSnapshot())
	ctx := context.Background()

	_, err := h.wf.RecordLogin(ctx, testOrg, "alice")
	require.ErrorIs(t, err, ierrors.ErrNotFound)

	h.seedConfigured(t, false)
	_, err = h.wf.RecordLogin(ctx, testOrg, "alice")
	require.ErrorIs(t, err, ierrors.ErrInvalidInput)

	_, err = h.store.Update(ctx, testOrg, sso.ActivatePatch(true))
	require.NoError(t, err)

	view, err := h.wf.RecordLogin(ctx, testOrg, "alice")
	require.NoError(t, err)
	require.NotNil(t, view.LastUsed)
	assert.True(t, h.loginNow.Equal(*view.LastUsed))
	assert.Equal(t, 1, h.auditCount(t, audit.EventSSOLogin, true))
}
