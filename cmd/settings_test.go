package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gowarp/config"
)

func TestApplySetting(t *testing.T) {
	s := &config.Settings{}

	require.NoError(t, applySetting(s, "display_name", "Living Room"))
	require.NoError(t, applySetting(s, "port", "43000"))
	require.NoError(t, applySetting(s, "auto_accept", "true"))
	require.Equal(t, "Living Room", s.DisplayName)
	require.Equal(t, 43000, s.Port)
	require.True(t, s.AutoAccept)

	require.Error(t, applySetting(s, "port", "many"))
	require.Error(t, applySetting(s, "use_compression", "sometimes"))
	require.Error(t, applySetting(s, "service_id", "X"))
}

func TestSetConfigPersists(t *testing.T) {
	dataDirFlag = t.TempDir()
	t.Cleanup(func() { dataDirFlag = "" })
	t.Setenv("WARP_GROUP_CODE", "from-env")

	require.NoError(t, setConfig(configSetCmd, []string{"download_dir", "/srv/incoming"}))

	saved, err := config.Load(config.ConfigPath(dataDirFlag))
	require.NoError(t, err)
	require.Equal(t, "/srv/incoming", saved.DownloadDir)
	require.Equal(t, config.DefaultGroupCode, saved.GroupCode)

	require.Error(t, setConfig(configSetCmd, []string{"auth_port", "0"}))
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WARP_DISPLAY_NAME=Kitchen\n"), 0o600))
	t.Setenv("WARP_DISPLAY_NAME", "")
	require.NoError(t, os.Unsetenv("WARP_DISPLAY_NAME"))

	require.NoError(t, loadDotEnv(path))
	require.Equal(t, "Kitchen", os.Getenv("WARP_DISPLAY_NAME"))
}

func TestHistoryFormatting(t *testing.T) {
	require.Equal(t, "512 B", formatBytes(512))
	require.Equal(t, "1.5 KiB", formatBytes(1536))
	require.Equal(t, "2.0 MiB", formatBytes(2<<20))
	require.Equal(t, " a=1 b=2", formatDetails(map[string]string{"b": "2", "a": "1"}))
	require.Equal(t, "", formatDetails(nil))
}
