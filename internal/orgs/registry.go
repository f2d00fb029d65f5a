// Package orgs stores organization memberships.
package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/rbac"
)

// Member is a user's membership in an organization.
type Member struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Role      rbac.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry provides membership records backed by SQLite.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (or creates) the membership database at dbPath.
func NewRegistry(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create orgs dir: %w", err)
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
		return nil, fmt.Errorf("open orgs db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memberships (
		org_id     TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init orgs schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SetRole creates or replaces a membership. Setting RoleNoAccess keeps the
// row so the user still shows up as a member without permissions.
func (r *Registry) SetRole(ctx context.Context, orgID, userID string, role rbac.Role) (*Member, error) {
	if orgID == "" || userID == "" {
		return nil, ierrors.Invalid("org and user are required")
	}
	if _, err := rbac.ParseRole(string(role)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memberships (org_id, user_id, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, user_id) DO UPDATE SET
			role = excluded.role,
			updated_at = excluded.updated_at`,
		orgID, userID, string(role), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, ierrors.NewIOError("set role", orgID, err)
	}
	return r.Get(ctx, orgID, userID)
}

// Get retrieves a membership. Returns (nil, nil) if none exists.
func (r *Registry) Get(ctx context.Context, orgID, userID string) (*Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT org_id, user_id, role, created_at, updated_at
		FROM memberships WHERE org_id = ? AND user_id = ?`, orgID, userID)
	m, err := scanMember(row)
	if err != nil {
		return nil, ierrors.NewIOError("get member", orgID, err)
	}
	return m, nil
}

// Role implements rbac.RoleLookup.
func (r *Registry) Role(ctx context.Context, orgID, userID string) (rbac.Role, error) {
	m, err := r.Get(ctx, orgID, userID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return rbac.RoleNoAccess, nil
	}
	return m.Role, nil
}

// Remove deletes a membership.
func (r *Registry) Remove(ctx context.Context, orgID, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memberships WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return ierrors.NewIOError("remove member", orgID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("member %q in %q: %w", userID, orgID, ierrors.ErrNotFound)
	}
	return nil
}

// List returns the members of an organization ordered by user ID.
func (r *Registry) List(ctx context.Context, orgID string) ([]*Member, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT org_id, user_id, role, created_at, updated_at
		FROM memberships WHERE org_id = ? ORDER BY user_id`, orgID)
	if err != nil {
		return nil, ierrors.NewIOError("list members", orgID, err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, ierrors.NewIOError("list members", orgID, err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ierrors.NewIOError("list members", orgID, err)
	}
	return members, nil
}

// Count returns the number of members with any role other than no_access.
func (r *Registry) Count(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE org_id = ? AND role != ?`,
		orgID, string(rbac.RoleNoAccess)).Scan(&n)
	if err != nil {
		return 0, ierrors.NewIOError("count members", orgID, err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(s scanner) (*Member, error) {
	var m Member
	var role string
	var createdAt, updatedAt int64
	if err := s.Scan(&m.OrgID, &m.UserID, &role, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan member: %w", err)
	}
	m.Role = rbac.Role(role)
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}
