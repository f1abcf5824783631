package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EDB_LISTEN_ADDR.
const EnvPrefix = "EDB"

const (
	BackendSqlite = "sqlite"
	BackendBadger = "badger"
)

// Config is the merged configuration: defaults, then the config file, then
// the environment.
type Config struct {
	DatabasePath   string `mapstructure:"database_path" json:"database_path"`
	MetaBackend    string `mapstructure:"meta_backend" json:"meta_backend"`
	BadgerPath     string `mapstructure:"badger_path" json:"badger_path"`
	ListenAddr     string `mapstructure:"listen_addr" json:"listen_addr"`
	LogLevel       string `mapstructure:"log_level" json:"log_level"`
	Traversal      string `mapstructure:"traversal" json:"traversal"`
	EagerThreshold int    `mapstructure:"eager_threshold" json:"eager_threshold"`
	PolicyFile     string `mapstructure:"policy_file" json:"policy_file"`

	SessionSecret  string        `mapstructure:"session_secret" json:"-"`
	SessionTTL     time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DatabasePath:   "edb.db",
		MetaBackend:    BackendSqlite,
		BadgerPath:     "edb-meta",
		ListenAddr:     ":8080",
		LogLevel:       "info",
		Traversal:      "bfs",
		EagerThreshold: 100,
		PolicyFile:     "",
		SessionTTL:     12 * time.Hour,
	}
}

// Load reads the YAML file at path (optional, a missing file is not an
// error) and applies EDB_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("meta_backend", d.MetaBackend)
	v.SetDefault("badger_path", d.BadgerPath)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("traversal", d.Traversal)
	v.SetDefault("eager_threshold", d.EagerThreshold)
	v.SetDefault("policy_file", d.PolicyFile)
	v.SetDefault("session_secret", d.SessionSecret)
	v.SetDefault("session_ttl", d.SessionTTL)
	if err := v.BindEnv("allowed_origins"); err != nil {
		return nil, fmt.Errorf("bind allowed_origins: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			switch {
			case errors.As(err, &pathErr) && errors.Is(pathErr.Err, fs.ErrNotExist):
			case errors.As(err, new(viper.ConfigFileNotFoundError)):
			default:
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the enumerated fields.
func (c *Config) Validate() error {
	switch c.MetaBackend {
	case BackendSqlite, BackendBadger:
	default:
		return fmt.Errorf("meta_backend must be %q or %q, got %q", BackendSqlite, BackendBadger, c.MetaBackend)
	}
	switch c.Traversal {
	case "bfs", "dfs":
	default:
		return fmt.Errorf("traversal must be \"bfs\" or \"dfs\", got %q", c.Traversal)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %s", c.SessionTTL)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() hclog.Level {
	return hclog.LevelFromString(c.LogLevel)
}
