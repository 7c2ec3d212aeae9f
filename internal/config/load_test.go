package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeLocal, cfg.Database.Mode)
	assert.Equal(t, "ldm.db", cfg.Database.Path)
	assert.InDelta(t, 0.85, cfg.TM.Cascade.ThresholdFuzzy, 1e-9)
	assert.InDelta(t, 0.75, cfg.TM.Cascade.ThresholdSemantic, 1e-9)
	assert.False(t, cfg.TM.Cascade.EnableDeep)
	assert.Equal(t, 30, cfg.Trash.RetentionDays)
	assert.Equal(t, 30*24*time.Hour, cfg.TrashRetention())
	assert.Equal(t, 5*time.Second, cfg.SyncPollInterval())
	assert.True(t, cfg.Sync.AutoOnFileOpen)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  mode: authoritative
  dsn: postgres://ldm@localhost/ldm?sslmode=disable
tm:
  cascade:
    threshold_fuzzy: 0.9
    enable_deep: true
scheduler:
  pool_size: 4
  per_class_max:
    indexing: 1
    pretranslation: 2
trash:
  retention_days: 7
auth:
  tokens:
    - token: tok-root
      user: root
      role: admin
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeAuthoritative, cfg.Database.Mode)
	assert.InDelta(t, 0.9, cfg.TM.Cascade.ThresholdFuzzy, 1e-9)
	assert.True(t, cfg.TM.Cascade.EnableDeep)
	assert.Equal(t, 4, cfg.Scheduler.PoolSize)
	assert.Equal(t, 1, cfg.Scheduler.PerClassMax["indexing"])
	assert.Equal(t, 2, cfg.Scheduler.PerClassMax["pretranslation"])
	assert.Equal(t, 7, cfg.Trash.RetentionDays)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, capability.RoleAdmin, cfg.Auth.Tokens[0].Role)
}

func TestLoadValidates(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := Load(write("database:\n  mode: authoritative\n"))
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err), "authoritative mode needs a dsn")

	_, err = Load(write("database:\n  mode: mongo\n"))
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = Load(write("tm:\n  cascade:\n    threshold_fuzzy: 1.5\n"))
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = Load(write("scheduler:\n  per_class_max:\n    gardening: 3\n"))
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("LDM_TRASH_RETENTION_DAYS", "14")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.Trash.RetentionDays)
}
