package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-sso/internal/crypto"
)

func newTestCrypto(t *testing.T) *crypto.CryptoManager {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	cm, err := crypto.NewCryptoManagerWithKey(key)
	require.NoError(t, err)
	return cm
}

func newTestSQLiteLogger(t *testing.T, cm CryptoEncryptor) *SQLiteLogger {
	t.Helper()
	l, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DBPath:        filepath.Join(t.TempDir(), "audit", "audit.db"),
		CryptoMgr:     cm,
		RetentionDays: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteLogger_LogAndQuery(t *testing.T) {
	l := newTestSQLiteLogger(t, newTestCrypto(t))

	first := NewEvent(EventSSOSeed, "org-1", "alice", true, "provider=okta-saml")
	first.Timestamp = time.Now().Add(-time.Minute).UTC()
	require.NoError(t, l.Log(first))
	require.NoError(t, l.Log(NewEvent(EventSSOToggle, "org-1", "alice", true, "active=true")))
	require.NoError(t, l.Log(NewEvent(EventSSOSeed, "org-2", "bob", true, "")))

	events, err := l.Query(QueryFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSSOToggle, events[0].EventType, "newest first")
	assert.Equal(t, "org-1", events[1].OrgID)
	assert.True(t, l.VerifySignature(events[0]))
	assert.True(t, l.VerifySignature(events[1]))

	count, err := l.Count(QueryFilter{EventType: EventSSOSeed})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	paged, err := l.Query(QueryFilter{Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
}

func TestSQLiteLogger_TamperedEventFailsVerification(t *testing.T) {
	l := newTestSQLiteLogger(t, newTestCrypto(t))
	require.NoError(t, l.Log(NewEvent(EventSSOUpdate, "org-1", "alice", true, "entry_point=changed")))

	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	tampered := events[0]
	tampered.User = "mallory"
	assert.False(t, l.VerifySignature(tampered))
}

func TestSQLiteLogger_WithoutCryptoDisablesSigning(t *testing.T) {
	l := newTestSQLiteLogger(t, nil)
	require.NoError(t, l.Log(NewEvent(EventSSOSeed, "org-1", "alice", true, "")))

	events, err := l.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Signature)
	assert.False(t, l.VerifySignature(events[0]))
}

func TestSQLiteLogger_Prune(t *testing.T) {
	l := newTestSQLiteLogger(t, nil)

	old := NewEvent(EventSSOSeed, "org-1", "alice", true, "")
	old.Timestamp = time.Now().AddDate(0, 0, -100)
	require.NoError(t, l.Log(old))
	require.NoError(t, l.Log(NewEvent(EventSSOSeed, "org-2", "bob", true, "")))

	deleted, err := l.Prune(time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := l.Count(QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteLogger_SigningKeyPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	cm := newTestCrypto(t)

	l1, err := NewSQLiteLogger(SQLiteLoggerConfig{DBPath: dbPath, CryptoMgr: cm, RetentionDays: -1})
	require.NoError(t, err)
	require.NoError(t, l1.Log(NewEvent(EventSSOSeed, "org-1", "alice", true, "")))
	require.NoError(t, l1.Close())

	l2, err := NewSQLiteLogger(SQLiteLoggerConfig{DBPath: dbPath, CryptoMgr: cm, RetentionDays: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })

	events, err := l2.Query(QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, l2.VerifySignature(events[0]))
}

func TestNewSQLiteLogger_RequiresPath(t *testing.T) {
	_, err := NewSQLiteLogger(SQLiteLoggerConfig{})
	require.Error(t, err)
}
