// ABOUTME: Configuration loading and parsing for dualstore
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultStoreName             = "Default"
	DefaultRegistryFile          = "KnownDevices.json"
	DefaultExistencePollInterval = 2 * time.Second
	DefaultExistencePollAttempts = 10
	DefaultDownloadPollInterval  = 200 * time.Millisecond
	DefaultDriver                = "sqlite"
	DefaultMergePolicy           = "store_trumps"
)

// Config represents the complete dualstore configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Paths    PathsConfig    `yaml:"paths"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Registry RegistryConfig `yaml:"registry"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig identifies the application. ID namespaces every persisted
// setting.
type AppConfig struct {
	ID          string `yaml:"id"`
	StoreName   string `yaml:"store_name"`
	Version     string `yaml:"version"`
	Build       string `yaml:"build"`
	DeviceLabel string `yaml:"device_label"` // shown in prompts, e.g. "this laptop"
}

// PathsConfig holds filesystem locations
type PathsConfig struct {
	DocumentsDir string `yaml:"documents_dir"`
	ContainerDir string `yaml:"container_dir"` // cloud-synchronized directory
	BackupDir    string `yaml:"backup_dir"`
	SettingsFile string `yaml:"settings_file"`
}

// CloudConfig holds cloud account settings
type CloudConfig struct {
	// TokenFile holds the account identity token. A missing or empty file
	// means no account is signed in.
	TokenFile string `yaml:"token_file"`

	ExistencePollInterval time.Duration `yaml:"-"`
	ExistencePollAttempts int           `yaml:"existence_poll_attempts"`

	// Raw string values for YAML unmarshaling
	ExistencePollIntervalRaw string `yaml:"existence_poll_interval"`
}

// RegistryConfig holds device registry settings
type RegistryConfig struct {
	FileName string `yaml:"file_name"`

	DownloadPollInterval    time.Duration `yaml:"-"`
	DownloadPollIntervalRaw string        `yaml:"download_poll_interval"`
}

// EngineConfig holds persistence engine settings
type EngineConfig struct {
	Driver      string `yaml:"driver"`       // "sqlite" (pure Go) or "sqlite3" (cgo)
	MergePolicy string `yaml:"merge_policy"` // "store_trumps" or "in_memory_trumps"
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills empty fields. Relative-path defaults are placed under
// baseDir, the directory holding the config file.
func (c *Config) applyDefaults(baseDir string) {
	if c.App.StoreName == "" {
		c.App.StoreName = DefaultStoreName
	}
	if c.App.DeviceLabel == "" {
		c.App.DeviceLabel = "this device"
	}
	if c.Paths.DocumentsDir == "" {
		c.Paths.DocumentsDir = filepath.Join(baseDir, "Documents")
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = filepath.Join(c.Paths.DocumentsDir, "Backups")
	}
	if c.Paths.SettingsFile == "" {
		c.Paths.SettingsFile = filepath.Join(baseDir, "settings.toml")
	}
	if c.Cloud.ExistencePollInterval == 0 {
		c.Cloud.ExistencePollInterval = DefaultExistencePollInterval
	}
	if c.Cloud.ExistencePollAttempts == 0 {
		c.Cloud.ExistencePollAttempts = DefaultExistencePollAttempts
	}
	if c.Registry.FileName == "" {
		c.Registry.FileName = DefaultRegistryFile
	}
	if c.Registry.DownloadPollInterval == 0 {
		c.Registry.DownloadPollInterval = DefaultDownloadPollInterval
	}
	if c.Engine.Driver == "" {
		c.Engine.Driver = DefaultDriver
	}
	if c.Engine.MergePolicy == "" {
		c.Engine.MergePolicy = DefaultMergePolicy
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// CloudConfigured reports whether a cloud container is configured at all.
func (c *Config) CloudConfigured() bool {
	return c.Paths.ContainerDir != ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("app.id is required")
	}

	if c.Paths.ContainerDir != "" && c.Cloud.TokenFile == "" {
		return fmt.Errorf("cloud.token_file is required when paths.container_dir is set")
	}

	if c.Cloud.ExistencePollInterval < 0 {
		return fmt.Errorf("cloud.existence_poll_interval must not be negative")
	}
	if c.Cloud.ExistencePollAttempts < 0 {
		return fmt.Errorf("cloud.existence_poll_attempts must not be negative")
	}
	if c.Registry.DownloadPollInterval < 0 {
		return fmt.Errorf("registry.download_poll_interval must not be negative")
	}
	if filepath.Base(c.Registry.FileName) != c.Registry.FileName {
		return fmt.Errorf("registry.file_name must be a bare file name, got %q", c.Registry.FileName)
	}

	switch c.Engine.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("engine.driver must be \"sqlite\" or \"sqlite3\", got %q", c.Engine.Driver)
	}

	switch c.Engine.MergePolicy {
	case "store_trumps", "in_memory_trumps":
	default:
		return fmt.Errorf("engine.merge_policy must be \"store_trumps\" or \"in_memory_trumps\", got %q", c.Engine.MergePolicy)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Cloud.ExistencePollIntervalRaw != "" {
		cfg.Cloud.ExistencePollInterval, err = time.ParseDuration(cfg.Cloud.ExistencePollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing existence_poll_interval %q: %w", cfg.Cloud.ExistencePollIntervalRaw, err)
		}
	}

	if cfg.Registry.DownloadPollIntervalRaw != "" {
		cfg.Registry.DownloadPollInterval, err = time.ParseDuration(cfg.Registry.DownloadPollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing download_poll_interval %q: %w", cfg.Registry.DownloadPollIntervalRaw, err)
		}
	}

	return nil
}
