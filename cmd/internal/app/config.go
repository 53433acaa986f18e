package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config contains all runtime configuration. Values come from the optional
// TOML file first; environment variables override them.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	BaseURL   string
	LiveURL   string
	AccountID string
	Token     string

	// LiveConversations narrows the live subscription; empty means all.
	LiveConversations []string

	PageSize       int
	NetworkTimeout time.Duration

	ProbePath string
	ProbeTTL  time.Duration

	FlushInterval    time.Duration
	FlushConcurrency int

	// RetentionKeep caps cached messages per conversation (0 = unbounded).
	RetentionKeep     int
	RetentionInterval time.Duration
}

// fileConfig is the on-disk layout of config.toml.
type fileConfig struct {
	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		Color  *bool  `toml:"color"`
	} `toml:"log"`
	Database struct {
		URL      string `toml:"url"`
		MaxConns int32  `toml:"max_conns"`
		MinConns int32  `toml:"min_conns"`
		Schema   string `toml:"schema"`
	} `toml:"database"`
	Remote struct {
		BaseURL       string   `toml:"base_url"`
		LiveURL       string   `toml:"live_url"`
		AccountID     string   `toml:"account_id"`
		Token         string   `toml:"token"`
		Conversations []string `toml:"conversations"`
		Timeout       string   `toml:"timeout"`
		ProbePath     string   `toml:"probe_path"`
		ProbeTTL      string   `toml:"probe_ttl"`
	} `toml:"remote"`
	Sync struct {
		PageSize          int    `toml:"page_size"`
		FlushInterval     string `toml:"flush_interval"`
		FlushConcurrency  int    `toml:"flush_concurrency"`
		RetentionKeep     int    `toml:"retention_keep"`
		RetentionInterval string `toml:"retention_interval"`
	} `toml:"sync"`
}

// LoadConfig loads Config from the TOML file named by CHATCACHE_CONFIG
// (default ~/.chatcache/config.toml) and the environment.
// A missing default file is not an error; a missing explicit file is.
func LoadConfig() (Config, error) {
	path := strings.TrimSpace(os.Getenv("CHATCACHE_CONFIG"))
	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".chatcache", "config.toml")
		}
	}

	var fc fileConfig
	if path != "" {
		var err error
		fc, err = readConfigFile(path)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, err
		}
	}
	return fc.resolve()
}

func readConfigFile(path string) (fileConfig, error) {
	var fc fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// resolve layers the environment over the file values and the defaults.
func (fc fileConfig) resolve() (Config, error) {
	env := &envReader{}

	color := false
	if fc.Log.Color != nil {
		color = *fc.Log.Color
	}

	cfg := Config{
		HTTPAddr:  env.String("CHATCACHE_HTTP_ADDR", orString(fc.Server.Addr, "127.0.0.1:8090")),
		LogLevel:  env.String("CHATCACHE_LOG_LEVEL", orString(fc.Log.Level, "info")),
		LogFormat: env.String("CHATCACHE_LOG_FORMAT", orString(fc.Log.Format, "json")),
		LogColor:  env.Bool("CHATCACHE_LOG_COLOR", color),

		ReadHeaderTimeout: env.Duration("CHATCACHE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("CHATCACHE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("CHATCACHE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("CHATCACHE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    env.Int("CHATCACHE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: env.String("CHATCACHE_DATABASE_URL", fc.Database.URL),
		DBMaxConns:  env.Int32("CHATCACHE_DB_MAX_CONNS", orInt32(fc.Database.MaxConns, 10)),
		DBMinConns:  env.Int32("CHATCACHE_DB_MIN_CONNS", fc.Database.MinConns),
		DBSchema:    env.String("CHATCACHE_DB_SCHEMA", orString(fc.Database.Schema, "chatcache")),

		ReadinessRequireDB: env.Bool("CHATCACHE_READINESS_REQUIRE_DB", false),

		BaseURL:           env.String("CHATCACHE_BASE_URL", fc.Remote.BaseURL),
		LiveURL:           env.String("CHATCACHE_LIVE_URL", fc.Remote.LiveURL),
		AccountID:         env.String("CHATCACHE_ACCOUNT_ID", fc.Remote.AccountID),
		Token:             env.String("CHATCACHE_TOKEN", fc.Remote.Token),
		LiveConversations: env.List("CHATCACHE_LIVE_CONVERSATIONS", fc.Remote.Conversations),

		PageSize:       env.Int("CHATCACHE_PAGE_SIZE", orInt(fc.Sync.PageSize, 50)),
		NetworkTimeout: env.Duration("CHATCACHE_NETWORK_TIMEOUT", env.fileDuration("remote.timeout", fc.Remote.Timeout, 15*time.Second)),

		ProbePath: env.String("CHATCACHE_PROBE_PATH", orString(fc.Remote.ProbePath, "/healthz")),
		ProbeTTL:  env.Duration("CHATCACHE_PROBE_TTL", env.fileDuration("remote.probe_ttl", fc.Remote.ProbeTTL, 5*time.Second)),

		FlushInterval:    env.Duration("CHATCACHE_FLUSH_INTERVAL", env.fileDuration("sync.flush_interval", fc.Sync.FlushInterval, 30*time.Second)),
		FlushConcurrency: env.Int("CHATCACHE_FLUSH_CONCURRENCY", orInt(fc.Sync.FlushConcurrency, 4)),

		RetentionKeep:     env.Int("CHATCACHE_RETENTION_KEEP", fc.Sync.RetentionKeep),
		RetentionInterval: env.Duration("CHATCACHE_RETENTION_INTERVAL", env.fileDuration("sync.retention_interval", fc.Sync.RetentionInterval, 10*time.Minute)),
	}
	if len(env.errs) > 0 {
		return Config{}, errors.Join(env.errs...)
	}
	return cfg, nil
}

// Validate checks what every command needs to reach the chat server.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("config: base url is required (CHATCACHE_BASE_URL)"))
	}
	if c.AccountID == "" {
		errs = append(errs, errors.New("config: account id is required (CHATCACHE_ACCOUNT_ID)"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("config: page size must be positive"))
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orInt32(v, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}
