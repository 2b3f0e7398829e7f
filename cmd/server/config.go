package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/org/piiguard/internal/crypto"
	"github.com/org/piiguard/internal/storage"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TLSCertFile     string        `yaml:"tls_cert"`
	TLSKeyFile      string        `yaml:"tls_key"`
	Store           string        `yaml:"store"`
	SQLitePath      string        `yaml:"sqlite_path"`
	DBUrl           string        `yaml:"db_url"`
	DataDir         string        `yaml:"data_dir"`
	MigrationsDir   string        `yaml:"migrations_dir"`
	LogLevel        string        `yaml:"log_level"`
	KDFIterations   int           `yaml:"kdf_iterations"`
	Debounce        time.Duration `yaml:"debounce"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MinLength       int           `yaml:"min_length"`
	UsageLogCap     int           `yaml:"usage_log_cap"`
	PreserveSession bool          `yaml:"preserve_session"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	PrivilegedTTL   time.Duration `yaml:"privileged_ttl"`
}

func defaultConfig() config {
	return config{
		ListenAddr:    "127.0.0.1:8420",
		Store:         "sqlite",
		DataDir:       storage.DefaultDataDir(),
		MigrationsDir: "migrations",
		LogLevel:      "info",
		KDFIterations: crypto.DefaultIterations,
		Debounce:      500 * time.Millisecond,
		Cooldown:      5 * time.Second,
		MinLength:     3,
		UsageLogCap:   1000,
		RateLimit:     100,
		RateBurst:     200,
	}
}

// loadConfig reads path over the defaults. A missing file is not an error;
// found reports whether it existed.
func loadConfig(path string) (cfg config, found bool, err error) {
	cfg = defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, true, nil
}

// applyEnv overrides config values from the environment.
func (c *config) applyEnv(getenv func(string) string) {
	if v := getenv("PIIGUARD_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("PIIGUARD_STORE"); v != "" {
		c.Store = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.DBUrl = v
	}
	if v := getenv("PIIGUARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := getenv("PIIGUARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("PIIGUARD_PRESERVE_SESSION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.PreserveSession = b
		}
	}
}

func (c *config) validate() error {
	switch c.Store {
	case "sqlite":
		if c.SQLitePath == "" {
			c.SQLitePath = filepath.Join(c.DataDir, "vault.db")
		}
	case "postgres":
		if c.DBUrl == "" {
			return fmt.Errorf("db_url must be configured (or DATABASE_URL env var) for the postgres store")
		}
	case "file":
		if c.DataDir == "" {
			return fmt.Errorf("data_dir must be configured for the file store")
		}
	default:
		return fmt.Errorf("unknown store %q (want sqlite, postgres or file)", c.Store)
	}
	if c.KDFIterations < 1 {
		return fmt.Errorf("kdf_iterations must be positive")
	}
	if c.UsageLogCap < 1 {
		return fmt.Errorf("usage_log_cap must be positive")
	}
	return nil
}
