package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitereport/internal/config"
	"sitereport/internal/store"
	"sitereport/internal/types"
)

// writeConfig saves a config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Database.Path = filepath.Join(dir, "data", "sitereport.db")
	path := filepath.Join(dir, "sitereport.yaml")
	require.NoError(t, cfg.Save(path))
	return path, cfg
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "sitereport dev\n", out)
}

func TestMigrate(t *testing.T) {
	path, cfg := writeConfig(t)
	out, err := run(t, "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema v")
	assert.FileExists(t, cfg.Database.Path)
}

func TestUserCommands(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "-c", path, "user", "create", "Ops@Example.com", "--name", "Ops", "--password", "long-enough-pw", "--admin")
	require.NoError(t, err)
	assert.Contains(t, out, "created ops@example.com (admin)")

	_, err = run(t, "-c", path, "user", "create", "ops@example.com", "--password", "long-enough-pw")
	assert.Error(t, err, "duplicate email")

	_, err = run(t, "-c", path, "user", "create", "weak@example.com", "--password", "x")
	assert.Error(t, err)

	t.Setenv("SITEREPORT_USER_PASSWORD", "from-the-environment")
	_, err = run(t, "-c", path, "user", "create", "field@example.com")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "user", "paid", "field@example.com", "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "field@example.com: paid until")

	out, err = run(t, "-c", path, "user", "role", "field@example.com", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "is now admin")

	_, err = run(t, "-c", path, "user", "role", "field@example.com", "owner")
	assert.Error(t, err)
	_, err = run(t, "-c", path, "user", "role", "nobody@example.com", "admin")
	assert.ErrorIs(t, err, store.ErrNotFound)

	out, err = run(t, "-c", path, "user", "list", "-q", "field")
	require.NoError(t, err)
	assert.Contains(t, out, "field@example.com")
	assert.NotContains(t, out, "ops@example.com")
	assert.Contains(t, out, "1 of 1 users")
}

func TestExportHTML(t *testing.T) {
	path, cfg := writeConfig(t)

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	require.NoError(t, err)
	u := &types.User{Email: "owner@example.com", Role: types.RoleUser}
	require.NoError(t, st.CreateUser(u))
	rep := &types.Report{UserID: u.ID, Title: "Pump house", Form: types.FormData{ReportNumber: "PH-2", InspectionDate: "2025-01-31"}}
	require.NoError(t, st.CreateReport(rep))
	require.NoError(t, st.Close())

	dest := filepath.Join(t.TempDir(), "out", "report.html")
	out, err := run(t, "-c", path, "export", rep.ID, "--format", "html", "--out", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+dest)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Pump house")

	out, err = run(t, "-c", path, "export", rep.ID, "--summary", "--format", "json", "--out", "-")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"reportNumber": "PH-2"`)

	_, err = run(t, "-c", path, "export", rep.ID, "--format", "json")
	assert.Error(t, err)
	_, err = run(t, "-c", path, "export", "missing", "--format", "html", "--out", "-")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportScopedToOwner(t *testing.T) {
	path, cfg := writeConfig(t)

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	require.NoError(t, err)
	owner := &types.User{Email: "owner@example.com", Role: types.RoleUser}
	other := &types.User{Email: "other@example.com", Role: types.RoleUser}
	require.NoError(t, st.CreateUser(owner))
	require.NoError(t, st.CreateUser(other))
	rep := &types.Report{UserID: owner.ID, Title: "Scoped"}
	require.NoError(t, st.CreateReport(rep))
	require.NoError(t, st.Close())

	_, err = run(t, "-c", path, "export", rep.ID, "--user", "other@example.com", "--format", "html", "--out", "-")
	assert.ErrorIs(t, err, store.ErrNotFound)

	out, err := run(t, "-c", path, "export", rep.ID, "--user", "owner@example.com", "--format", "html", "--out", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "Scoped")

	out, err = run(t, "-c", path, "user", "promote", "other@example.com", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "other@example.com is now admin")
}
