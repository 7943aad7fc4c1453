package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig   `mapstructure:"server"`
	Database   DatabaseConfig `mapstructure:"database"`
	Cache      CacheConfig    `mapstructure:"cache"`
	Masking    MaskingConfig  `mapstructure:"masking"`
	Events     EventsConfig   `mapstructure:"events"`
	Log        LogConfig      `mapstructure:"log"`
	PolicyFile string         `mapstructure:"policy_file"`
	JWTSecret  string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// CacheConfig controls the effective-permission cache.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MaskingConfig struct {
	HashKey        string `mapstructure:"hash_key"`
	TruncateLength int    `mapstructure:"truncate_length"`
	// Functions maps a custom mask function name to an expression over `value`.
	Functions map[string]string `mapstructure:"functions"`
	// Exempt maps a data type to permissions that reveal raw values of that type.
	Exempt map[string][]string `mapstructure:"exempt"`
}

type EventsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BufferSize      int    `mapstructure:"buffer_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	RetentionDays   int    `mapstructure:"retention_days"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisChannel    string `mapstructure:"redis_channel"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from path (or dataguard.yaml in the working
// directory when empty), a .env file if present, and the environment.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dataguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dataguard")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("masking.hash_key", "")
	v.SetDefault("masking.truncate_length", 4)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 500)
	v.SetDefault("events.flush_interval_ms", 1000)
	v.SetDefault("events.retention_days", 30)
	v.SetDefault("events.redis_channel", "dataguard.access")
	v.SetDefault("jwt_secret", "changeme-secret")
	v.SetDefault("log.development", false)
}
