package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TACC_BACKUP_GLOBUS_ACCESS_TOKEN.
const EnvPrefix = "TACC_BACKUP"

type Config struct {
	App struct {
		Name    string
		Version string
	}
	Paths struct {
		SourceDir    string `mapstructure:"source_dir"`
		CompletedDir string `mapstructure:"completed_dir"`
	}
	Policy struct {
		MaxActiveTasks   int           `mapstructure:"max_active_tasks"`
		MaxFileSizeBytes int64         `mapstructure:"max_file_size_bytes"`
		Pattern          string        `mapstructure:"pattern"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
		VerifyChecksum   bool          `mapstructure:"verify_checksum"`
	}
	Globus struct {
		BaseURL             string        `mapstructure:"base_url"`
		SourceEndpoint      string        `mapstructure:"source_endpoint"`
		DestinationEndpoint string        `mapstructure:"destination_endpoint"`
		SourceBasePath      string        `mapstructure:"source_base_path"`
		DestinationBasePath string        `mapstructure:"destination_base_path"`
		ClientID            string        `mapstructure:"client_id"`
		ClientSecret        string        `mapstructure:"client_secret"`
		AccessToken         string        `mapstructure:"access_token"`
		RefreshToken        string        `mapstructure:"refresh_token"`
		Timeout             time.Duration `mapstructure:"timeout"`
	}
	Database struct {
		Driver string
		Path   string
		URL    string
	}
	Lock struct {
		RedisAddr     string        `mapstructure:"redis_addr"`
		RedisPassword string        `mapstructure:"redis_password"`
		RedisDB       int           `mapstructure:"redis_db"`
		Key           string        `mapstructure:"key"`
		TTL           time.Duration `mapstructure:"ttl"`
	}
	Events struct {
		Brokers []string
		Topic   string
	}
	Watch struct {
		Debounce time.Duration
	}
	Logging struct {
		Level      string
		File       string
		MaxSizeMB  int `mapstructure:"max_size_mb"`
		MaxBackups int `mapstructure:"max_backups"`
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "tacc-backup")
	v.SetDefault("app.version", "dev")
	v.SetDefault("paths.source_dir", "")
	v.SetDefault("paths.completed_dir", "completed")
	v.SetDefault("policy.max_active_tasks", 4)
	v.SetDefault("policy.max_file_size_bytes", int64(10)<<40)
	v.SetDefault("policy.pattern", "*fn*.tar")
	v.SetDefault("policy.poll_interval", 15*time.Minute)
	v.SetDefault("policy.verify_checksum", false)
	v.SetDefault("globus.base_url", "https://transfer.api.globus.org/v0.10")
	v.SetDefault("globus.source_endpoint", "")
	v.SetDefault("globus.destination_endpoint", "")
	v.SetDefault("globus.source_base_path", "work/tacc_backups")
	v.SetDefault("globus.destination_base_path", "/gdex-data-backups")
	v.SetDefault("globus.client_id", "")
	v.SetDefault("globus.client_secret", "")
	v.SetDefault("globus.access_token", "")
	v.SetDefault("globus.refresh_token", "")
	v.SetDefault("globus.timeout", 60*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/tacc_backups.db")
	v.SetDefault("database.url", "")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.key", "tacc-backup:run")
	v.SetDefault("lock.ttl", time.Hour)
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "tacc-backup.transfers")
	v.SetDefault("watch.debounce", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 200)
	v.SetDefault("logging.max_backups", 10)
}

// Load reads configPath, then a .env file next to it if present, then
// TACC_BACKUP_* environment variables, which win over the file.
func Load(configPath string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Lower bounds for durations. A bare number in YAML decodes as nanoseconds,
// which these catch as well.
const (
	MinPollInterval  = time.Minute
	MinDebounce      = time.Second
	MinLockTTL       = time.Minute
	MinGlobusTimeout = time.Second
)

// Validate checks everything run and watch need.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.SourceDir == "" {
		errs = append(errs, errors.New("paths.source_dir is required"))
	}
	if c.Globus.SourceEndpoint == "" {
		errs = append(errs, errors.New("globus.source_endpoint is required"))
	}
	if c.Globus.DestinationEndpoint == "" {
		errs = append(errs, errors.New("globus.destination_endpoint is required"))
	}
	if c.Policy.MaxActiveTasks <= 0 {
		errs = append(errs, fmt.Errorf("policy.max_active_tasks must be positive, got %d", c.Policy.MaxActiveTasks))
	}
	if c.Policy.MaxFileSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("policy.max_file_size_bytes must be positive, got %d", c.Policy.MaxFileSizeBytes))
	}
	if _, err := filepath.Match(c.Policy.Pattern, ""); err != nil {
		errs = append(errs, fmt.Errorf("policy.pattern: %w", err))
	}
	errs = append(errs,
		atLeast("policy.poll_interval", c.Policy.PollInterval, MinPollInterval),
		atLeast("watch.debounce", c.Watch.Debounce, MinDebounce),
	)
	if c.Lock.RedisAddr != "" {
		errs = append(errs, atLeast("lock.ttl", c.Lock.TTL, MinLockTTL))
	}
	errs = append(errs, c.ValidateStore(), c.ValidateGlobus())
	return errors.Join(errs...)
}

// ValidateStore checks the database settings alone, for commands that only
// read records.
func (c *Config) ValidateStore() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	return nil
}

// ValidateGlobus checks the settings needed to call the Transfer API.
func (c *Config) ValidateGlobus() error {
	var errs []error
	if c.Globus.BaseURL == "" {
		errs = append(errs, errors.New("globus.base_url is required"))
	}
	errs = append(errs, atLeast("globus.timeout", c.Globus.Timeout, MinGlobusTimeout))
	return errors.Join(errs...)
}

func atLeast(key string, got, floor time.Duration) error {
	if got < floor {
		return fmt.Errorf("%s must be at least %s, got %s", key, floor, got)
	}
	return nil
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.Database.Driver == "postgres" {
		return c.Database.URL
	}
	return c.Database.Path
}
