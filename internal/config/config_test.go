package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load(newFlags(t,
		"--backend", "mysql",
		"--host", "db.internal",
		"--port", "3307",
		"--workers", "4",
		"--query-timeout", "2s",
	))
	require.NoError(t, err)
	assert.Equal(t, BackendMySQL, cfg.Backend)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 3307, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.QueryTimeout)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("REFRACE_DATABASE", "repo2")
	t.Setenv("REFRACE_CONNECT_TIMEOUT", "750ms")

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "repo2", cfg.Database)
	assert.Equal(t, 750*time.Millisecond, cfg.ConnectTimeout)
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("REFRACE_DATABASE", "from-env")

	cfg, err := Load(newFlags(t, "--database", "from-flag"))
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Database)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeFile(t, "refrace.yaml", `
backend: mysql
host: 10.0.0.5
port: 3310
user: harness
journal: /tmp/refrace.db
`)
	t.Setenv("REFRACE_USER", "env-user")

	cfg, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, BackendMySQL, cfg.Backend)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 3310, cfg.Port)
	assert.Equal(t, "env-user", cfg.User, "env beats config file")
	assert.Equal(t, "/tmp/refrace.db", cfg.Journal)
}

func TestLoad_ConfigFileUnknownKey(t *testing.T) {
	path := writeFile(t, "refrace.yaml", "hostname: oops\n")

	_, err := Load(newFlags(t, "--config", path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid option in configuration file: hostname")
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	_, err := Load(newFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading configuration file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }, "unknown backend"},
		{"no database", func(c *Config) { c.Database = "" }, "database is required"},
		{"mysql without host", func(c *Config) { c.Backend = BackendMySQL; c.Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Backend = BackendMySQL; c.Port = 70000 }, "out of range"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"negative retries", func(c *Config) { c.ConnectRetries = -1 }, "connect-retries"},
		{"negative latency", func(c *Config) { c.Latency = -time.Second }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_MemoryIgnoresPort(t *testing.T) {
	cfg := Defaults()
	cfg.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Session(t *testing.T) {
	cfg := Defaults()
	cfg.Password = "secret"

	sc := cfg.Session("other")
	assert.Equal(t, "127.0.0.1:3306", sc.Addr())
	assert.Equal(t, "other", sc.Database)
	assert.Equal(t, "secret", sc.Password)
	assert.Equal(t, cfg.QueryTimeout, sc.QueryTimeout)
}
