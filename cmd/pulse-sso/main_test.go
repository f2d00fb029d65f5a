package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SSO_DATA_DIR", t.TempDir())
	t.Setenv("SSO_ADMIN_KEY", "test-key")
	t.Setenv("SSO_ENCRYPTION_KEY", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMembersSetRoleAndList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SSO_DATA_DIR", dir)
	t.Setenv("SSO_ADMIN_KEY", "test-key")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"members", "set-role", "acme", "alice", "admin"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "alice is now admin in acme")

	out.Reset()
	rootCmd.SetArgs([]string{"members", "list", "acme"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Equal(t, "alice\tadmin\n", out.String())
	rootCmd.SetArgs(nil)
}

func TestMembersSetRoleRejectsUnknownRole(t *testing.T) {
	_, err := runCommand(t, "members", "set-role", "acme", "alice", "superuser")
	assert.Error(t, err)
}

func TestEntitlementsDefaultsToOnPrem(t *testing.T) {
	out, err := runCommand(t, "entitlements", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, `"tier": "on_prem"`)
}

func TestEntitlementsRequiresOrg(t *testing.T) {
	_, err := runCommand(t, "entitlements")
	assert.Error(t, err)
}
