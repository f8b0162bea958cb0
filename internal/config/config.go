package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/terabiome/stagehand/internal/contracts"
)

type Config struct {
	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool

	// Backend is the default provisioner backend name.
	Backend        string
	DefaultTimeout time.Duration

	UploadBaseDir        string
	UploadCleanupTimeout time.Duration

	ListenAddress string
	// AgentPort is probed to detect that an installed agent has come up.
	// Zero disables the membership wait.
	AgentPort int
}

// Load reads the process configuration from STAGEHAND_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("backend", "static")
	v.SetDefault("default_timeout", "30m")
	v.SetDefault("upload_base_dir", os.TempDir())
	v.SetDefault("upload_cleanup_timeout", "1h")
	v.SetDefault("listen_address", ":8080")
	v.SetDefault("agent_port", 0)

	v.SetEnvPrefix("stagehand")
	v.AutomaticEnv()

	cfg := &Config{
		LogLevel:             strings.ToLower(v.GetString("log_level")),
		LogFormat:            strings.ToLower(v.GetString("log_format")),
		TelemetryEnabled:     v.GetBool("telemetry_enabled"),
		Backend:              v.GetString("backend"),
		DefaultTimeout:       v.GetDuration("default_timeout"),
		UploadBaseDir:        v.GetString("upload_base_dir"),
		UploadCleanupTimeout: v.GetDuration("upload_cleanup_timeout"),
		ListenAddress:        v.GetString("listen_address"),
		AgentPort:            v.GetInt("agent_port"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	if c.Backend == "" {
		return fmt.Errorf("backend must not be empty")
	}

	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout must not be negative: %s", c.DefaultTimeout)
	}

	if c.UploadCleanupTimeout <= 0 {
		return fmt.Errorf("upload cleanup timeout must be positive: %s", c.UploadCleanupTimeout)
	}

	if err := validateDirExists(c.UploadBaseDir); err != nil {
		return fmt.Errorf("upload base dir: %w", err)
	}

	if c.AgentPort < 0 || c.AgentPort > 65535 {
		return fmt.Errorf("invalid agent port: %d", c.AgentPort)
	}

	return nil
}

// LoadRequest reads a machine request file. The format follows the file
// extension (yaml, json or toml). Failures are classified as
// contracts.ErrConfig.
func LoadRequest(path string) (contracts.MachineRequestConfig, error) {
	var req contracts.MachineRequestConfig

	if path == "" {
		return req, contracts.NewConfigError("empty path to machine request file")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return req, contracts.NewConfigError("read machine request %s: %w", path, err)
	}

	if err := v.Unmarshal(&req); err != nil {
		return req, contracts.NewConfigError("decode machine request %s: %w", path, err)
	}

	// Relative directories in the file are relative to the file itself.
	base := filepath.Dir(path)
	if req.LocalDir != "" && !filepath.IsAbs(req.LocalDir) {
		req.LocalDir = filepath.Join(base, req.LocalDir)
	}
	if req.CloudFile != "" && !filepath.IsAbs(req.CloudFile) {
		req.CloudFile = filepath.Join(base, req.CloudFile)
	}

	return req, nil
}

func validateDirExists(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("directory does not exist: %s", path)
	} else if err != nil {
		return fmt.Errorf("cannot access directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	return nil
}
