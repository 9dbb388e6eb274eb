package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the full carrier configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Session      SessionConfig      `yaml:"session"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Logging      LoggingConfig      `yaml:"logging"`
	Relay        RelayConfig        `yaml:"relay"`
}

// DatabaseConfig locates the local SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig names the signed-in user on this device.
type SessionConfig struct {
	OwnerID string `yaml:"owner_id"`
}

// RemoteConfig points at the relay.
type RemoteConfig struct {
	BaseURL           string        `yaml:"base_url"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
	RequestTimeout    time.Duration `yaml:"-"`
}

// Connectivity modes.
const (
	ModeProbe  = "probe"
	ModeAlways = "always"
)

// ConnectivityConfig selects how reachability is decided.
type ConnectivityConfig struct {
	Mode             string        `yaml:"mode"`
	ProbeIntervalRaw string        `yaml:"probe_interval"`
	ProbeInterval    time.Duration `yaml:"-"`
	ProbeTimeoutRaw  string        `yaml:"probe_timeout"`
	ProbeTimeout     time.Duration `yaml:"-"`
}

// SyncConfig tunes the engine.
//
// MaxRejections and CatchUpOnReconnect are pointers so that an explicit
// zero or false survives defaulting. Zero rejections means unbounded.
type SyncConfig struct {
	MaxRejections      *int          `yaml:"max_rejections"`
	SendWorkers        int           `yaml:"send_workers"`
	SendTimeoutRaw     string        `yaml:"send_timeout"`
	SendTimeout        time.Duration `yaml:"-"`
	CatchUpOnReconnect *bool         `yaml:"catch_up_on_reconnect"`
}

// MaxRejectionsOrDefault returns the configured limit.
func (s SyncConfig) MaxRejectionsOrDefault() int {
	if s.MaxRejections == nil {
		return defaultMaxRejections
	}
	return *s.MaxRejections
}

// CatchUpEnabled reports whether attached owners are fetched again on
// every reconnect.
func (s SyncConfig) CatchUpEnabled() bool {
	if s.CatchUpOnReconnect == nil {
		return true
	}
	return *s.CatchUpOnReconnect
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig configures `carrier relay`.
type RelayConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	DatabasePath   string   `yaml:"database_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	InsertRate     float64  `yaml:"insert_rate"`
	InsertBurst    int      `yaml:"insert_burst"`
}

const (
	defaultDatabasePath   = "carrier.db"
	defaultRequestTimeout = 10 * time.Second
	defaultProbeInterval  = 5 * time.Second
	defaultProbeTimeout   = 2 * time.Second
	defaultMaxRejections  = 5
	defaultSendWorkers    = 4
	defaultSendTimeout    = 10 * time.Second
	defaultListenAddr     = "127.0.0.1:8484"
	defaultRelayDatabase  = "relay.db"
	defaultInsertBurst    = 10
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
//
// A .env file in the same directory is loaded first. Variables already
// present in the environment win. ${VAR_NAME} patterns are then expanded
// and the document is checked against the schema before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	return Parse([]byte(expandEnvVars(string(data))))
}

// Parse decodes an already expanded YAML document.
func Parse(data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// checkSchema unifies the raw document with #Config.
func checkSchema(doc map[string]any) error {
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: cueerrors.Details(err, nil), Err: err}
	}
	return nil
}

// SchemaError reports a document that does not match the schema.
// Details carries one CUE path and message per line.
type SchemaError struct {
	Details string
	Err     error
}

func (e *SchemaError) Error() string {
	return "invalid config: " + e.Details
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err came from schema validation.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// Validate checks cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	if c.Connectivity.Mode == ModeProbe && c.Connectivity.ProbeTimeout > c.Connectivity.ProbeInterval {
		return fmt.Errorf("connectivity.probe_timeout (%s) exceeds probe_interval (%s)",
			c.Connectivity.ProbeTimeout, c.Connectivity.ProbeInterval)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"remote.request_timeout", cfg.Remote.RequestTimeoutRaw, &cfg.Remote.RequestTimeout},
		{"connectivity.probe_interval", cfg.Connectivity.ProbeIntervalRaw, &cfg.Connectivity.ProbeInterval},
		{"connectivity.probe_timeout", cfg.Connectivity.ProbeTimeoutRaw, &cfg.Connectivity.ProbeTimeout},
		{"sync.send_timeout", cfg.Sync.SendTimeoutRaw, &cfg.Sync.SendTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
	if cfg.Remote.RequestTimeout == 0 {
		cfg.Remote.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Connectivity.Mode == "" {
		cfg.Connectivity.Mode = ModeProbe
	}
	if cfg.Connectivity.ProbeInterval == 0 {
		cfg.Connectivity.ProbeInterval = defaultProbeInterval
	}
	if cfg.Connectivity.ProbeTimeout == 0 {
		cfg.Connectivity.ProbeTimeout = min(defaultProbeTimeout, cfg.Connectivity.ProbeInterval)
	}
	if cfg.Sync.MaxRejections == nil {
		n := defaultMaxRejections
		cfg.Sync.MaxRejections = &n
	}
	if cfg.Sync.SendWorkers == 0 {
		cfg.Sync.SendWorkers = defaultSendWorkers
	}
	if cfg.Sync.SendTimeout == 0 {
		cfg.Sync.SendTimeout = defaultSendTimeout
	}
	if cfg.Sync.CatchUpOnReconnect == nil {
		on := true
		cfg.Sync.CatchUpOnReconnect = &on
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = defaultListenAddr
	}
	if cfg.Relay.DatabasePath == "" {
		cfg.Relay.DatabasePath = defaultRelayDatabase
	}
	if cfg.Relay.InsertRate > 0 && cfg.Relay.InsertBurst == 0 {
		cfg.Relay.InsertBurst = defaultInsertBurst
	}
}

// NewLogger builds the process logger on w.
// verbose forces debug level regardless of the configured one.
func NewLogger(w io.Writer, cfg LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
