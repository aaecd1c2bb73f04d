package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9215", cfg.ListenAddr())
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, "/proc", cfg.ProcRoot)
	assert.Equal(t, 3, cfg.TopNSubgroup)
	assert.Equal(t, 10, cfg.TopNOthers)
	assert.Equal(t, 512, cfg.SmapsBufferKB)
	assert.Equal(t, 256, cfg.SmapsRollupBufferKB)
	assert.True(t, *cfg.EnableRSS)
	assert.True(t, *cfg.EnableCPU)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9999
interval: 10s
min_uss_kb: 2048
parallelism: 4
search_mode: include
search_groups: [db, web]
top_n_subgroup: 5
enable_pss: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, uint64(2048), cfg.MinUSSKB)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, 5, cfg.TopNSubgroup)
	assert.False(t, *cfg.EnablePSS)
	assert.True(t, *cfg.EnableRSS)

	p := cfg.Policy()
	assert.Equal(t, "include", p.Mode)
	assert.Equal(t, []string{"db", "web"}, p.Groups)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 1111\n"), 0o644))
	t.Setenv("PROCMEM_PORT", "2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Port)
}

func TestValidate(t *testing.T) {
	t.Run("all_metric_kinds_disabled", func(t *testing.T) {
		f := false
		cfg := &Config{EnableRSS: &f, EnablePSS: &f, EnableUSS: &f, EnableCPU: &f}
		require.Error(t, cfg.Validate())
	})

	t.Run("search_mode_without_lists", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("search_mode: include\n"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("bad_search_mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("search_mode: sometimes\nsearch_groups: [db]\n"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("exclude_with_subgroups_valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("search_mode: exclude\nsearch_subgroups: [postgres]\n"), 0o644))
		_, err := Load(path)
		require.NoError(t, err)
	})
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
