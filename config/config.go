package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gowarp"
	// DefaultGroupCode is the shared secret used when the user never set one.
	DefaultGroupCode = "Warpinator"
	// DefaultPort is the main TLS RPC port, also used by the v1 certificate server (UDP).
	DefaultPort = 42000
	// DefaultAuthPort is the plaintext registration RPC port.
	DefaultAuthPort = 42001
	// NetworkInterfaceAuto picks the first usable IPv4 interface.
	NetworkInterfaceAuto = "auto"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "WARP_DATA_DIR"

	configFileName = "config.yaml"
)

// Settings contains persistent local-device settings. The protocol core only reads them.
type Settings struct {
	ServiceID        string `yaml:"service_id"`
	DisplayName      string `yaml:"display_name"`
	GroupCode        string `yaml:"group_code"`
	Port             int    `yaml:"port"`
	AuthPort         int    `yaml:"auth_port"`
	NetworkInterface string `yaml:"network_interface"`
	DownloadDir      string `yaml:"download_dir"`
	AllowOverwrite   bool   `yaml:"allow_overwrite"`
	AutoAccept       bool   `yaml:"auto_accept"`
	UseCompression   bool   `yaml:"use_compression"`
	ProfilePicture   string `yaml:"profile_picture,omitempty"`
	LogLevel         string `yaml:"log_level"`

	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WARP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// DecodeStrict decodes YAML and rejects unknown keys.
func DecodeStrict(r io.Reader, out any) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads and decodes config.yaml from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if len(bytes.TrimSpace(raw)) == 0 {
		return &cfg, nil
	}
	if err := DecodeStrict(bytes.NewReader(raw), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save encodes and writes config.yaml to disk.
func Save(path string, cfg *Settings) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*Settings, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultSettings(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ApplyEnv overlays WARP_* environment variables on the loaded settings without persisting them.
func (s *Settings) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("WARP_GROUP_CODE")); v != "" {
		s.GroupCode = v
	}
	if v := strings.TrimSpace(os.Getenv("WARP_DOWNLOAD_DIR")); v != "" {
		s.DownloadDir = v
	}
	if v := strings.TrimSpace(os.Getenv("WARP_DISPLAY_NAME")); v != "" {
		s.DisplayName = v
	}
	if v := strings.TrimSpace(os.Getenv("WARP_NETWORK_INTERFACE")); v != "" {
		s.NetworkInterface = v
	}
}

// Validate reports settings the core cannot run with.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.ServiceID) == "" {
		return errors.New("config: service_id is required")
	}
	if strings.TrimSpace(s.GroupCode) == "" {
		return errors.New("config: group_code must not be empty")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", s.Port)
	}
	if s.AuthPort <= 0 || s.AuthPort > 65535 {
		return fmt.Errorf("config: invalid auth_port %d", s.AuthPort)
	}
	if s.Port == s.AuthPort {
		return errors.New("config: port and auth_port must differ")
	}
	return nil
}

// Hostname returns the local host name used in announcements and certificates.
func Hostname() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gowarp"
}

// GenerateServiceID builds "<HOSTNAME>-<6 hex digits>", the instance name announced on the network.
func GenerateServiceID(hostname string) string {
	name := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, hostname)
	if name == "" {
		name = "GOWARP"
	}

	id := uuid.New()
	return name + "-" + strings.ToUpper(hex.EncodeToString(id[:3]))
}

func defaultSettings(dataDir string) *Settings {
	hostname := Hostname()
	return &Settings{
		ServiceID:        GenerateServiceID(hostname),
		DisplayName:      hostname,
		GroupCode:        DefaultGroupCode,
		Port:             DefaultPort,
		AuthPort:         DefaultAuthPort,
		NetworkInterface: NetworkInterfaceAuto,
		DownloadDir:      defaultDownloadDir(),
		UseCompression:   true,
		LogLevel:         "info",
		CertPath:         filepath.Join(dataDir, "certs", "self.pem"),
		KeyPath:          filepath.Join(dataDir, "certs", "self.key-pem"),
	}
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, "Warpinator")
}

func normalizeDefaults(cfg *Settings, dataDir string) bool {
	updated := false
	defaults := defaultSettings(dataDir)

	if cfg.ServiceID == "" {
		cfg.ServiceID = defaults.ServiceID
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaults.DisplayName
		updated = true
	}
	if cfg.GroupCode == "" {
		cfg.GroupCode = DefaultGroupCode
		updated = true
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
		updated = true
	}
	if cfg.AuthPort <= 0 {
		cfg.AuthPort = DefaultAuthPort
		updated = true
	}
	if cfg.NetworkInterface == "" {
		cfg.NetworkInterface = NetworkInterfaceAuto
		updated = true
	}
	if cfg.DownloadDir == "" && defaults.DownloadDir != "" {
		cfg.DownloadDir = defaults.DownloadDir
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}
	if cfg.CertPath == "" {
		cfg.CertPath = defaults.CertPath
		updated = true
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = defaults.KeyPath
		updated = true
	}

	return updated
}
