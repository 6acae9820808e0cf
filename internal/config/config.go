// Package config resolves refrace's connection and runtime settings.
//
// Every setting is defined once as a command-line flag. Load then reads,
// in decreasing priority, the flag if it was set, the REFRACE_* environment
// variable (dashes become underscores), the config file named by --config,
// and finally the flag's default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/refrace/internal/session"
)

// EnvPrefix prefixes environment variable names.
const EnvPrefix = "REFRACE"

// Backend names.
const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
)

// Flag names, which double as config file keys.
const (
	KeyConfig         = "config"
	KeyBackend        = "backend"
	KeyHost           = "host"
	KeyPort           = "port"
	KeyUser           = "user"
	KeyPassword       = "password"
	KeyDatabase       = "database"
	KeyConnectTimeout = "connect-timeout"
	KeyQueryTimeout   = "query-timeout"
	KeyConnectRetries = "connect-retries"
	KeyWorkers        = "workers"
	KeyLatency        = "latency"
	KeyJournal        = "journal"
	KeyMetricsOut     = "metrics-out"
	KeyLogFile        = "log-file"
)

// Config holds the resolved settings.
type Config struct {
	Backend string

	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	ConnectRetries int

	// Workers is the pool size; 0 sizes the pool to the largest stage.
	Workers int

	// Latency delays every statement on the memory backend.
	Latency time.Duration

	Journal    string
	MetricsOut string
	LogFile    string
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Backend:        BackendMemory,
		Host:           "127.0.0.1",
		Port:           3306,
		User:           "root",
		Database:       "repo1",
		ConnectTimeout: session.DefaultConnectTimeout,
		QueryTimeout:   30 * time.Second,
		ConnectRetries: 3,
	}
}

// RegisterFlags defines every setting on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.StringP(KeyConfig, "c", "", "configuration file (yaml, toml or json)")
	fs.String(KeyBackend, d.Backend, "session backend: memory or mysql")
	fs.String(KeyHost, d.Host, "sql-server host")
	fs.Int(KeyPort, d.Port, "sql-server port")
	fs.String(KeyUser, d.User, "sql-server user")
	fs.String(KeyPassword, d.Password, "sql-server password")
	fs.String(KeyDatabase, d.Database, "database the sessions target")
	fs.Duration(KeyConnectTimeout, d.ConnectTimeout, "timeout for establishing a session")
	fs.Duration(KeyQueryTimeout, d.QueryTimeout, "per-statement read/write timeout")
	fs.Int(KeyConnectRetries, d.ConnectRetries, "connect attempts retried at startup")
	fs.Int(KeyWorkers, d.Workers, "worker pool size (0 = largest stage)")
	fs.Duration(KeyLatency, d.Latency, "artificial per-statement latency on the memory backend")
	fs.String(KeyJournal, d.Journal, "sqlite journal path (empty disables journaling)")
	fs.String(KeyMetricsOut, d.MetricsOut, "write Prometheus metrics to this file after the run")
	fs.String(KeyLogFile, d.LogFile, "also write logs to this rotating file")
}

// Load resolves the settings defined on fs.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading configuration file '%s': %w", path, err)
		}

		valid := make(map[string]bool)
		fs.VisitAll(func(f *pflag.Flag) {
			valid[f.Name] = true
		})
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return Config{}, fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	cfg := Config{
		Backend:        strings.ToLower(v.GetString(KeyBackend)),
		Host:           v.GetString(KeyHost),
		Port:           v.GetInt(KeyPort),
		User:           v.GetString(KeyUser),
		Password:       v.GetString(KeyPassword),
		Database:       v.GetString(KeyDatabase),
		ConnectTimeout: v.GetDuration(KeyConnectTimeout),
		QueryTimeout:   v.GetDuration(KeyQueryTimeout),
		ConnectRetries: v.GetInt(KeyConnectRetries),
		Workers:        v.GetInt(KeyWorkers),
		Latency:        v.GetDuration(KeyLatency),
		Journal:        v.GetString(KeyJournal),
		MetricsOut:     v.GetString(KeyMetricsOut),
		LogFile:        v.GetString(KeyLogFile),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendMySQL:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendMemory, BackendMySQL)
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Backend == BackendMySQL {
		if c.Host == "" {
			return fmt.Errorf("host is required for the %s backend", BackendMySQL)
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("port %d out of range", c.Port)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("connect-retries must be >= 0, got %d", c.ConnectRetries)
	}
	if c.ConnectTimeout < 0 || c.QueryTimeout < 0 || c.Latency < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Session returns the session settings for database.
func (c Config) Session(database string) session.Config {
	return session.Config{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		Database:       database,
		ConnectTimeout: c.ConnectTimeout,
		QueryTimeout:   c.QueryTimeout,
	}
}
