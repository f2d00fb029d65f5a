package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rcourtman/pulse-sso/pkg/licensing"
)

// DefaultOrgID is the organization whose files live at the data dir root.
const DefaultOrgID = "default"

// Ensure FileBillingStore satisfies the licensing BillingStore interface.
var _ licensing.BillingStore = (*FileBillingStore)(nil)

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// IsValidOrgID reports whether orgID is safe to use as a path segment and
// database key.
func IsValidOrgID(orgID string) bool {
	return orgIDPattern.MatchString(orgID)
}

// FileBillingStore persists billing state in per-org files under the data directory.
type FileBillingStore struct {
	baseDataDir string
	mu          sync.RWMutex
}

// NewFileBillingStore creates a file-backed billing store rooted at baseDataDir.
func NewFileBillingStore(baseDataDir string) *FileBillingStore {
	return &FileBillingStore{baseDataDir: baseDataDir}
}

// GetBillingState returns the current billing state for an org.
// Missing billing files are treated as "no state yet" and return (nil, nil).
func (s *FileBillingStore) GetBillingState(ctx context.Context, orgID string) (*licensing.BillingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	billingPath, err := s.BillingStatePath(orgID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(billingPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read billing state for org %q: %w", orgID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var state licensing.BillingState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode billing state for org %q: %w", orgID, err)
	}

	return licensing.NormalizeBillingState(&state), nil
}

// SaveBillingState persists billing state for an org to billing.json.
func (s *FileBillingStore) SaveBillingState(ctx context.Context, orgID string, state *licensing.BillingState) error {
	if state == nil {
		return errors.New("billing state is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	billingPath, err := s.BillingStatePath(orgID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(licensing.NormalizeBillingState(state), "", "  ")
	if err != nil {
		return fmt.Errorf("encode billing state for org %q: %w", orgID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(billingPath), 0o700); err != nil {
		return fmt.Errorf("create billing directory for org %q: %w", orgID, err)
	}

	tmpPath := billingPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp billing state for org %q: %w", orgID, err)
	}
	if err := os.Rename(tmpPath, billingPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit billing state for org %q: %w", orgID, err)
	}

	return nil
}

// BillingStatePath returns the billing.json path for orgID.
func (s *FileBillingStore) BillingStatePath(orgID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if !IsValidOrgID(orgID) {
		return "", fmt.Errorf("invalid organization ID: %s", orgID)
	}
	if orgID == DefaultOrgID {
		return filepath.Join(s.DataDir(), "billing.json"), nil
	}
	return filepath.Join(s.OrgsDir(), orgID, "billing.json"), nil
}

// OrgsDir returns the directory holding per-org billing directories.
func (s *FileBillingStore) OrgsDir() string {
	return filepath.Join(s.DataDir(), "orgs")
}

// DataDir returns the resolved root data directory.
func (s *FileBillingStore) DataDir() string {
	if dir := strings.TrimSpace(s.baseDataDir); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv("SSO_DATA_DIR")); dir != "" {
		return dir
	}
	return "/data"
}

// OrgIDForPath maps a billing.json path back to its organization.
func (s *FileBillingStore) OrgIDForPath(path string) (string, bool) {
	path = filepath.Clean(path)
	if filepath.Base(path) != "billing.json" {
		return "", false
	}
	dir := filepath.Dir(path)
	if dir == filepath.Clean(s.DataDir()) {
		return DefaultOrgID, true
	}
	if filepath.Dir(dir) == filepath.Clean(s.OrgsDir()) {
		orgID := filepath.Base(dir)
		if IsValidOrgID(orgID) {
			return orgID, true
		}
	}
	return "", false
}
