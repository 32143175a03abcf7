package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	require.NotEmpty(t, firstCfg.ServiceID)
	require.Equal(t, DefaultGroupCode, firstCfg.GroupCode)
	require.Equal(t, DefaultPort, firstCfg.Port)
	require.Equal(t, DefaultAuthPort, firstCfg.AuthPort)
	require.True(t, firstCfg.UseCompression)
	require.Equal(t, filepath.Join(tempDir, "config.yaml"), firstPath)

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	require.Equal(t, firstPath, secondPath)
	require.Equal(t, firstCfg.ServiceID, secondCfg.ServiceID)
	require.Equal(t, firstCfg.CertPath, secondCfg.CertPath)
	require.NoError(t, secondCfg.Validate())
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(tempDir))

	partial := "service_id: LAPTOP-ABC123\ngroup_code: secret\nport: 5000\n"
	require.NoError(t, os.WriteFile(ConfigPath(tempDir), []byte(partial), 0o600))

	cfg, _, err := LoadOrCreateIn(tempDir)
	require.NoError(t, err)
	require.Equal(t, "LAPTOP-ABC123", cfg.ServiceID)
	require.Equal(t, "secret", cfg.GroupCode)
	require.Equal(t, 5000, cfg.Port)
	require.Equal(t, DefaultAuthPort, cfg.AuthPort)
	require.Equal(t, NetworkInterfaceAuto, cfg.NetworkInterface)
	require.Equal(t, filepath.Join(tempDir, "certs", "self.pem"), cfg.CertPath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	tempDir := t.TempDir()
	path := ConfigPath(tempDir)
	require.NoError(t, os.WriteFile(path, []byte("service_id: x\nbogus_key: 1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnvOverridesInMemory(t *testing.T) {
	tempDir := t.TempDir()
	cfg, path, err := LoadOrCreateIn(tempDir)
	require.NoError(t, err)

	t.Setenv("WARP_GROUP_CODE", "override-code")
	t.Setenv("WARP_DOWNLOAD_DIR", "/tmp/warp-downloads")
	cfg.ApplyEnv()
	require.Equal(t, "override-code", cfg.GroupCode)
	require.Equal(t, "/tmp/warp-downloads", cfg.DownloadDir)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultGroupCode, reloaded.GroupCode)
}

func TestValidate(t *testing.T) {
	cfg := defaultSettings(t.TempDir())
	require.NoError(t, cfg.Validate())

	cfg.AuthPort = cfg.Port
	require.Error(t, cfg.Validate())

	cfg = defaultSettings(t.TempDir())
	cfg.GroupCode = "  "
	require.Error(t, cfg.Validate())
}

func TestGenerateServiceID(t *testing.T) {
	id := GenerateServiceID("my laptop")
	require.Regexp(t, regexp.MustCompile(`^MYLAPTOP-[0-9A-F]{6}$`), id)
	require.NotEqual(t, id, GenerateServiceID("my laptop"))
}
