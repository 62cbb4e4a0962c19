package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"relay/cmd/identity"
	"relay/cmd/security/token"

	"gopkg.in/yaml.v3"
)

// Config contains the process-level runtime configuration.
//
// Values come from an optional YAML file (RELAY_CONFIG_FILE) and are then
// overridden by RELAY_* environment variables. Package-local knobs (password
// work factor, token TTL, login throttle, gateway limits) are loaded by their
// own packages.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogColor  bool   `yaml:"log_color"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL    string `yaml:"database_url"`
	DBMaxConns     int32  `yaml:"db_max_conns"`
	DBMinConns     int32  `yaml:"db_min_conns"`
	DBSchema       string `yaml:"db_schema"`
	DBEnsureSchema bool   `yaml:"db_ensure_schema"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	TokenSecret       string `yaml:"token_secret"`
	DevInsecureSecret bool   `yaml:"dev_insecure_secret"`

	BootstrapAdmin BootstrapAdmin `yaml:"bootstrap_admin"`
}

// BootstrapAdmin describes an administrator registered at startup.
type BootstrapAdmin struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// Enabled reports whether a bootstrap admin was configured.
func (b BootstrapAdmin) Enabled() bool { return strings.TrimSpace(b.Email) != "" }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr: "0.0.0.0:8080",

		LogLevel:  "info",
		LogFormat: "json",
		LogColor:  true,

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns:     10,
		DBSchema:       identity.DefaultSchema,
		DBEnsureSchema: true,

		CORSMaxAgeSeconds: 600,

		BootstrapAdmin: BootstrapAdmin{Name: "Administrator"},
	}
}

// LoadConfig loads defaults, then the optional YAML file, then env overrides.
// The result is validated.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("RELAY_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg = applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// A file with no documents keeps the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg Config) Config {
	cfg.HTTPAddr = EnvString("RELAY_HTTP_ADDR", cfg.HTTPAddr)

	cfg.LogLevel = EnvString("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("RELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.LogColor = EnvBool("RELAY_LOG_COLOR", cfg.LogColor)

	cfg.ReadHeaderTimeout = EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("RELAY_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = EnvDuration("RELAY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxHeaderBytes = EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("RELAY_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("RELAY_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("RELAY_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("RELAY_DB_SCHEMA", cfg.DBSchema)
	cfg.DBEnsureSchema = EnvBool("RELAY_DB_ENSURE_SCHEMA", cfg.DBEnsureSchema)
	cfg.ReadinessRequireDB = EnvBool("RELAY_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.RedisAddr = EnvString("RELAY_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = EnvString("RELAY_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = EnvInt("RELAY_REDIS_DB", cfg.RedisDB)

	cfg.CORSAllowedOrigins = EnvCSV("RELAY_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("RELAY_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.TokenSecret = EnvString(token.SecretEnvKey, cfg.TokenSecret)
	cfg.DevInsecureSecret = EnvBool("RELAY_DEV_INSECURE_SECRET", cfg.DevInsecureSecret)

	cfg.BootstrapAdmin.Email = EnvString("RELAY_BOOTSTRAP_ADMIN_EMAIL", cfg.BootstrapAdmin.Email)
	cfg.BootstrapAdmin.Password = EnvString("RELAY_BOOTSTRAP_ADMIN_PASSWORD", cfg.BootstrapAdmin.Password)
	cfg.BootstrapAdmin.Name = EnvString("RELAY_BOOTSTRAP_ADMIN_NAME", cfg.BootstrapAdmin.Name)

	return cfg
}

// Validate fails fast on configuration that cannot produce a working server.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want json or pretty", c.LogFormat))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("db_min_conns (%d) exceeds db_max_conns (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if !identity.ValidSchemaName(c.DBSchema) {
		errs = append(errs, fmt.Errorf("db_schema %q is not a valid identifier", c.DBSchema))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("readiness_require_db is set but database_url is empty"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("redis_db must be >= 0"))
	}

	switch {
	case c.TokenSecret == "" && !c.DevInsecureSecret:
		errs = append(errs, fmt.Errorf("%s is required (set RELAY_DEV_INSECURE_SECRET=true for a throwaway dev secret)", token.SecretEnvKey))
	case c.TokenSecret != "" && len(c.TokenSecret) < token.MinSecretBytes:
		errs = append(errs, fmt.Errorf("%s is too short (min %d bytes)", token.SecretEnvKey, token.MinSecretBytes))
	}

	if c.BootstrapAdmin.Enabled() && c.BootstrapAdmin.Password == "" {
		errs = append(errs, errors.New("bootstrap admin email is set but password is empty"))
	}

	return errors.Join(errs...)
}
