// Package config loads the daemon configuration: a YAML file for paths and
// hosting settings, DB_* environment variables for the store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-parseable wrapper around time.Duration. Accepts either
// a duration string ("90s", "5m") or a bare integer meaning seconds.
type Duration time.Duration

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon-wide configuration.
type Config struct {
	// ServerBinary is the absolute path to the game server executable.
	ServerBinary string `yaml:"server_binary"`
	// DataDir holds the live savedgames tree written by running servers.
	DataDir string `yaml:"data_dir"`
	// BackupDir is the root for pretender and per-turn snapshots.
	BackupDir string `yaml:"backup_dir"`
	// SessionPrefix names screen sessions: <prefix>_<match_id>.
	SessionPrefix string `yaml:"session_prefix"`
	// QueryHost is the address status queries connect to.
	QueryHost string `yaml:"query_host"`

	QueryTimeout  Duration `yaml:"query_timeout"`
	LaunchTimeout Duration `yaml:"launch_timeout"`

	Engine EngineConfig `yaml:"engine"`
	NATS   NATSConfig   `yaml:"nats"`

	Debug bool `yaml:"debug"`
}

// EngineConfig tunes the timer loop.
type EngineConfig struct {
	Workers     int      `yaml:"workers"`
	GracePeriod Duration `yaml:"grace_period"`
}

// NATSConfig configures the event publisher. Empty URL disables NATS and
// events are logged instead.
type NATSConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		SessionPrefix: "dom",
		QueryHost:     "localhost",
		QueryTimeout:  Duration(20 * time.Second),
		LaunchTimeout: Duration(15 * time.Second),
		Engine: EngineConfig{
			Workers:     10,
			GracePeriod: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			StreamName:    "MATCH_EVENTS",
			SubjectPrefix: "match.events",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ServerBinary == "" {
		return nil, fmt.Errorf("config missing server_binary")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config missing data_dir")
	}
	if cfg.BackupDir == "" {
		return nil, fmt.Errorf("config missing backup_dir")
	}
	return cfg, nil
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDBConfigFromEnv reads DB_* environment variables (with defaults).
func NewDBConfigFromEnv() DBConfig {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return DBConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     port,
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "turnwarden"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
