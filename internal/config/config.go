package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Kind identifies a supported database engine.
type Kind string

const (
	KindPostgres Kind = "postgresql"
	KindMySQL    Kind = "mysql"
	KindMongo    Kind = "mongodb"
)

// Valid reports whether k names a supported engine.
func (k Kind) Valid() bool {
	return k == KindPostgres || k == KindMySQL || k == KindMongo
}

// Config is the top-level configuration for the query gateway.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Redis  RedisConfig  `yaml:"redis"`
	Query  QueryConfig  `yaml:"query"`
	Limits LimitsConfig `yaml:"limits"`
	Admin  AdminConfig  `yaml:"admin"`

	// Defaults is derived from DB_*_URL environment variables and never
	// read from the file. Connection URLs stay server-side.
	Defaults []DefaultDatabase `yaml:"-"`
}

// ListenConfig defines the bind address of the HTTP API.
type ListenConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
}

// RedisConfig holds connection settings for the rate-limit store.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// QueryConfig holds execution-time tunables.
type QueryConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	DefaultLimit     int           `yaml:"default_limit"`
	SchemaSampleSize int           `yaml:"schema_sample_size"`
	MaxLength        int           `yaml:"max_length"`
	MaxNestedDepth   int           `yaml:"max_nested_depth"`
}

// LimitsConfig holds rate-limit and session tunables.
type LimitsConfig struct {
	QueryMax       int           `yaml:"query_max"`
	ConnectionMax  int           `yaml:"connection_max"`
	Window         time.Duration `yaml:"window"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// AdminConfig holds the shared secrets gating privileged endpoints.
type AdminConfig struct {
	CleanupToken string `yaml:"cleanup_token"`
	ExtendCode   string `yaml:"extend_code"`
}

// DefaultDatabase is one pre-configured connection target. The URL is never
// transmitted to clients.
type DefaultDatabase struct {
	Kind        Kind
	URL         string
	DisplayName string
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load builds the configuration from an optional YAML file overlaid with
// environment variables. Path may be empty, in which case only the
// environment is consulted.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Printf("[config] %s not found, using environment only", path)
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			data = substituteEnvVars(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	cfg.Defaults = defaultDatabasesFromEnv()

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := envInt("REDIS_RETRY_ATTEMPTS"); v > 0 {
		cfg.Redis.RetryAttempts = v
	}
	if v := envMillis("REDIS_RETRY_DELAY_MS"); v > 0 {
		cfg.Redis.RetryDelay = v
	}
	if v := envMillis("QUERY_TIMEOUT_MS"); v > 0 {
		cfg.Query.Timeout = v
	}
	if v := envInt("QUERY_DEFAULT_LIMIT"); v > 0 {
		cfg.Query.DefaultLimit = v
	}
	if v := envInt("MONGO_SCHEMA_SAMPLE_SIZE"); v > 0 {
		cfg.Query.SchemaSampleSize = v
	}
	if v := envInt("MAX_QUERY_LENGTH"); v > 0 {
		cfg.Query.MaxLength = v
	}
	if v := envInt("MAX_NESTED_DEPTH"); v > 0 {
		cfg.Query.MaxNestedDepth = v
	}
	if v := envInt("RATE_LIMIT_QUERY_MAX"); v > 0 {
		cfg.Limits.QueryMax = v
	}
	if v := envInt("RATE_LIMIT_CONNECTION_MAX"); v > 0 {
		cfg.Limits.ConnectionMax = v
	}
	if v := envMillis("SESSION_TIMEOUT_MS"); v > 0 {
		cfg.Limits.SessionTimeout = v
	}
	if v := os.Getenv("ADMIN_CLEANUP_TOKEN"); v != "" {
		cfg.Admin.CleanupToken = v
	}
	if v := os.Getenv("APP_EXTEND_CODE"); v != "" {
		cfg.Admin.ExtendCode = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring %s=%q: %v", name, v, err)
		return 0
	}
	return n
}

func envMillis(name string) time.Duration {
	return time.Duration(envInt(name)) * time.Millisecond
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8080
	}
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379"
	}
	if cfg.Redis.RetryAttempts == 0 {
		cfg.Redis.RetryAttempts = 3
	}
	if cfg.Redis.RetryDelay == 0 {
		cfg.Redis.RetryDelay = time.Second
	}
	if cfg.Query.Timeout == 0 {
		cfg.Query.Timeout = 30 * time.Second
	}
	if cfg.Query.DefaultLimit == 0 {
		cfg.Query.DefaultLimit = 1000
	}
	if cfg.Query.SchemaSampleSize == 0 {
		cfg.Query.SchemaSampleSize = 100
	}
	if cfg.Query.MaxLength == 0 {
		cfg.Query.MaxLength = 100000
	}
	if cfg.Query.MaxNestedDepth == 0 {
		cfg.Query.MaxNestedDepth = 10
	}
	if cfg.Limits.QueryMax == 0 {
		cfg.Limits.QueryMax = 100
	}
	if cfg.Limits.ConnectionMax == 0 {
		cfg.Limits.ConnectionMax = 20
	}
	if cfg.Limits.Window == 0 {
		cfg.Limits.Window = time.Minute
	}
	if cfg.Limits.SessionTimeout == 0 {
		cfg.Limits.SessionTimeout = 30 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Admin.CleanupToken != "" && len(cfg.Admin.CleanupToken) < 8 {
		return fmt.Errorf("ADMIN_CLEANUP_TOKEN must be at least 8 characters")
	}
	if cfg.Admin.ExtendCode != "" && len(cfg.Admin.ExtendCode) < 8 {
		return fmt.Errorf("APP_EXTEND_CODE must be at least 8 characters")
	}
	if cfg.Query.MaxNestedDepth < 1 {
		return fmt.Errorf("max nested depth must be positive")
	}
	return nil
}

// defaultDatabasesFromEnv derives the immutable default-connection list from
// DB_<KIND>_URL / DB_<KIND>_NAME environment variables.
func defaultDatabasesFromEnv() []DefaultDatabase {
	specs := []struct {
		kind Kind
		env  string
		name string
	}{
		{KindPostgres, "DB_POSTGRESQL_URL", "PostgreSQL"},
		{KindMySQL, "DB_MYSQL_URL", "MySQL"},
		{KindMongo, "DB_MONGODB_URL", "MongoDB"},
	}

	var out []DefaultDatabase
	for _, s := range specs {
		url := os.Getenv(s.env)
		if url == "" {
			continue
		}
		display := os.Getenv(s.env[:len(s.env)-4] + "_NAME")
		if display == "" {
			display = s.name
		}
		out = append(out, DefaultDatabase{Kind: s.kind, URL: url, DisplayName: display})
	}
	return out
}

// DefaultFor returns the configured default connection for a kind, if any.
func (c *Config) DefaultFor(kind Kind) (DefaultDatabase, bool) {
	for _, d := range c.Defaults {
		if d.Kind == kind {
			return d, true
		}
	}
	return DefaultDatabase{}, false
}

// FindDefault returns the default database matching the given URL, if any.
func (c *Config) FindDefault(url string) (DefaultDatabase, bool) {
	for _, d := range c.Defaults {
		if d.URL == url {
			return d, true
		}
	}
	return DefaultDatabase{}, false
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
