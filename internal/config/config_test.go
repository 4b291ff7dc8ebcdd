package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motionbrush/internal/pathextract"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "https://api.goapi.ai", cfg.API.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.API.PollInterval)
	assert.Equal(t, pathextract.LeftToRight, cfg.DefaultDirection())
}

func TestLoadFileMergesJSON(t *testing.T) {
	path := writeConfig(t, `{
		"api": {"key": "from-file", "poll_interval": "2s", "poll_timeout": 60000000000},
		"extract": {"direction": "Bottom to Top"},
		"processing": {"parallel_jobs": 0}
	}`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.API.Key)
	assert.Equal(t, 2*time.Second, cfg.API.PollInterval)
	assert.Equal(t, time.Minute, cfg.API.PollTimeout)
	assert.Equal(t, "std", cfg.API.Mode, "unset fields keep defaults")
	assert.Equal(t, 1, cfg.Processing.ParallelJobs, "clamped")
	assert.Equal(t, pathextract.BottomToTop, cfg.DefaultDirection())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"api": {"key": "from-file"}}`)
	t.Setenv("MOTIONBRUSH_API_KEY", "from-env")
	t.Setenv("MOTIONBRUSH_API_POLL_INTERVAL", "3s")
	t.Setenv("MOTIONBRUSH_S3_ENDPOINT", "minio:9000")
	t.Setenv("MOTIONBRUSH_LOG_LEVEL", "debug")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.API.Key)
	assert.Equal(t, 3*time.Second, cfg.API.PollInterval)
	assert.Equal(t, "minio:9000", cfg.Storage.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	path := writeConfig(t, `{"server": {"addr": ":9999"}}`)
	t.Setenv("MOTIONBRUSH_CONFIG", path)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"direction": `{"extract": {"direction": "sideways"}}`,
		"format":    `{"logging": {"format": "xml"}}`,
		"cfg":       `{"api": {"cfg_scale": 3}}`,
		"duration":  `{"api": {"poll_interval": "soon"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandUser("~/x/y.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x/y.json"), got)

	got, err = expandUser("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
