package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkByName(t *testing.T, res DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, res.Checks)
	return DoctorCheck{}
}

func TestInitWorkspaceCreatesDefaultConfigAndStateDir(t *testing.T) {
	t.Chdir(t.TempDir())

	res, err := InitWorkspace("")
	require.NoError(t, err)
	assert.True(t, res.CreatedConfig)
	assert.True(t, res.CreatedStateDir)
	assert.Equal(t, DefaultFile, res.ConfigPath)
	assert.DirExists(t, Default().StateDir)

	again, err := InitWorkspace("")
	require.NoError(t, err)
	assert.False(t, again.CreatedConfig)
	assert.False(t, again.CreatedStateDir)
}

func TestInitWorkspaceKeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "course-autopilot.yaml")
	cfg := Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Workers = 7
	require.NoError(t, Save(path, cfg, false))

	res, err := InitWorkspace(path)
	require.NoError(t, err)
	assert.False(t, res.CreatedConfig)
	assert.Equal(t, cfg.StateDir, res.StateDir)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Workers)
}

func TestDoctorFlagsMissingSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "course-autopilot.yaml")
	cfg := Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Portal.CookiesFile = ""
	cfg = cfg.Normalize()
	require.NoError(t, Save(path, cfg, false))

	res := Doctor(path, cfg)
	assert.False(t, res.OK)
	assert.False(t, checkByName(t, res, "session:cookies").OK)
	assert.True(t, checkByName(t, res, "directory:reports").OK)
	assert.DirExists(t, cfg.ReportsDir())

	require.NoError(t, os.WriteFile(cfg.Portal.CookiesFile, []byte("[]"), 0o600))
	res = Doctor(path, cfg)
	assert.True(t, res.OK, "%+v", res.Checks)
}

func TestDoctorReportsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Workers = 0
	cfg = cfg.Normalize()

	res := Doctor(filepath.Join(dir, "absent.yaml"), cfg)
	assert.False(t, res.OK)
	assert.False(t, checkByName(t, res, "config:file").OK)
	assert.Contains(t, checkByName(t, res, "config:values").Message, "workers")
}
