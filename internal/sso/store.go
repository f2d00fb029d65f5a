package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/pulse-sso/internal/crypto"
	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
)

// Store persists SSO configurations, one per organization.
type Store interface {
	// Get returns (nil, nil) when the organization has no configuration.
	Get(ctx context.Context, orgID string) (*Config, error)
	// Create fails with ErrConflict when a configuration already exists.
	Create(ctx context.Context, orgID string, seed Seed) (*Config, error)
	// Update fails with ErrNotFound when no configuration exists.
	Update(ctx context.Context, orgID string, patch Patch) (*Config, error)
	// MarkUsed records the time of the last SSO login.
	MarkUsed(ctx context.Context, orgID string, at time.Time) (*Config, error)
}

// SQLiteStore is a Store backed by SQLite with certificates encrypted under
// a per-organization key.
type SQLiteStore struct {
	db     *sql.DB
	crypto *crypto.CryptoManager
	locks  sync.Map // orgID -> *sync.Mutex
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the SSO database at dbPath.
func NewSQLiteStore(dbPath string, cm *crypto.CryptoManager) (*SQLiteStore, error) {
	if cm == nil {
		return nil, fmt.Errorf("crypto manager is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create sso dir: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sso db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, crypto: cm, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sso_configs (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL UNIQUE,
		auth_provider   TEXT NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 0,
		entry_point     TEXT NOT NULL DEFAULT '',
		issuer          TEXT NOT NULL DEFAULT '',
		cert            TEXT NOT NULL DEFAULT '',
		last_used       INTEGER,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sso schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) lock(orgID string) func() {
	v, _ := s.locks.LoadOrStore(orgID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

const selectConfig = `SELECT id, organization_id, auth_provider, is_active, entry_point, issuer,
	cert, last_used, created_at, updated_at FROM sso_configs WHERE organization_id = ?`

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, orgID string) (*Config, error) {
	return s.get(ctx, s.db, orgID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q queryRower, orgID string) (*Config, error) {
	cfg, sealed, err := scanConfig(q.QueryRowContext(ctx, selectConfig, orgID))
	if err != nil {
		return nil, ierrors.NewIOError("sso.get", orgID, err)
	}
	if cfg == nil {
		return nil, nil
	}
	if sealed != "" {
		cert, err := s.openCert(orgID, sealed)
		if err != nil {
			return nil, ierrors.NewIOError("sso.get", orgID, err)
		}
		cfg.Cert = cert
	}
	return cfg, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, orgID string, seed Seed) (*Config, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, ierrors.Invalid("organization is required")
	}
	now := s.now().UTC().Truncate(time.Second)
	cfg := &Config{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		AuthProvider:   seed.AuthProvider,
		IsActive:       seed.IsActive,
		EntryPoint:     strings.TrimSpace(seed.EntryPoint),
		Issuer:         strings.TrimSpace(seed.Issuer),
		Cert:           strings.TrimSpace(seed.Cert),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	unlock := s.lock(orgID)
	defer unlock()

	existing, err := s.get(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrConflict)
	}

	sealed, err := s.sealCert(orgID, cfg.Cert)
	if err != nil {
		return nil, ierrors.NewIOError("sso.create", orgID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_configs (
			id, organization_id, auth_provider, is_active, entry_point, issuer,
			cert, last_used, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		cfg.ID, cfg.OrganizationID, string(cfg.AuthProvider), boolToInt(cfg.IsActive),
		cfg.EntryPoint, cfg.Issuer, sealed, cfg.CreatedAt.Unix(), cfg.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrConflict)
		}
		return nil, ierrors.NewIOError("sso.create", orgID, err)
	}
	return cfg, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, orgID string, patch Patch) (*Config, error) {
	unlock := s.lock(orgID)
	defer unlock()

	current, err := s.get(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrNotFound)
	}

	next := current.Apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now().UTC().Truncate(time.Second)

	sealed, err := s.sealCert(orgID, next.Cert)
	if err != nil {
		return nil, ierrors.NewIOError("sso.update", orgID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sso_configs SET
			auth_provider = ?, is_active = ?, entry_point = ?, issuer = ?, cert = ?, updated_at = ?
		WHERE organization_id = ?`,
		string(next.AuthProvider), boolToInt(next.IsActive), next.EntryPoint, next.Issuer,
		sealed, next.UpdatedAt.Unix(), orgID,
	)
	if err != nil {
		return nil, ierrors.NewIOError("sso.update", orgID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrNotFound)
	}
	return next, nil
}

// MarkUsed implements Store.
func (s *SQLiteStore) MarkUsed(ctx context.Context, orgID string, at time.Time) (*Config, error) {
	unlock := s.lock(orgID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sso_configs SET last_used = ? WHERE organization_id = ?`,
		at.UTC().Unix(), orgID)
	if err != nil {
		return nil, ierrors.NewIOError("sso.mark_used", orgID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("sso config for %q: %w", orgID, ierrors.ErrNotFound)
	}
	return s.get(ctx, s.db, orgID)
}

func (s *SQLiteStore) sealCert(orgID, cert string) (string, error) {
	if cert == "" {
		return "", nil
	}
	cm, err := s.crypto.ForOrg(orgID)
	if err != nil {
		return "", err
	}
	return cm.EncryptString(cert)
}

func (s *SQLiteStore) openCert(orgID, sealed string) (string, error) {
	cm, err := s.crypto.ForOrg(orgID)
	if err != nil {
		return "", err
	}
	cert, err := cm.DecryptString(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt certificate: %w", err)
	}
	return cert, nil
}

func scanConfig(row *sql.Row) (*Config, string, error) {
	var c Config
	var provider, sealed string
	var active int
	var lastUsed sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.OrganizationID, &provider, &active, &c.EntryPoint, &c.Issuer,
		&sealed, &lastUsed, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("scan sso config: %w", err)
	}

	c.AuthProvider = Provider(provider)
	c.IsActive = active != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0).UTC()
		c.LastUsed = &t
	}
	return &c, sealed, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
