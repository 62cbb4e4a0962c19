package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
http_addr: "127.0.0.1:9000"
log_format: pretty
read_timeout: 20s
db_max_conns: 4
cors_allowed_origins:
  - https://app.example.com
token_secret: "`+testTokenSecret+`"
bootstrap_admin:
  email: root@x.com
  password: rootpass1
`)
	t.Setenv("RELAY_CONFIG_FILE", path)
	t.Setenv("RELAY_HTTP_ADDR", "127.0.0.1:9100")
	t.Setenv("RELAY_DB_MAX_CONNS", "")
	t.Setenv("RELAY_TOKEN_SECRET", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9100" {
		t.Fatalf("env should override file: %q", cfg.HTTPAddr)
	}
	if cfg.LogFormat != "pretty" || cfg.ReadTimeout != 20*time.Second || cfg.DBMaxConns != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.WriteTimeout != DefaultConfig().WriteTimeout {
		t.Fatalf("unset values should keep defaults: %s", cfg.WriteTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("cors origins: %v", cfg.CORSAllowedOrigins)
	}
	if cfg.BootstrapAdmin.Email != "root@x.com" || cfg.BootstrapAdmin.Name != "Administrator" {
		t.Fatalf("bootstrap admin: %+v", cfg.BootstrapAdmin)
	}
}

func TestLoadConfig_UnknownFileKey(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", writeConfigFile(t, "http_adr: oops\n"))

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadConfig_EmptyFileKeepsDefaults(t *testing.T) {
	t.Setenv("RELAY_CONFIG_FILE", writeConfigFile(t, "# nothing here\n"))
	t.Setenv("RELAY_HTTP_ADDR", "")
	t.Setenv("RELAY_TOKEN_SECRET", "")
	t.Setenv("RELAY_DEV_INSECURE_SECRET", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != DefaultConfig().HTTPAddr {
		t.Fatalf("unexpected addr: %q", cfg.HTTPAddr)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := DefaultConfig()
	valid.TokenSecret = testTokenSecret

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "dev secret", mutate: func(c *Config) { c.TokenSecret = ""; c.DevInsecureSecret = true }},
		{name: "missing secret", mutate: func(c *Config) { c.TokenSecret = "" }, wantErr: "is required"},
		{name: "short secret", mutate: func(c *Config) { c.TokenSecret = "short" }, wantErr: "too short"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "bad schema", mutate: func(c *Config) { c.DBSchema = "relay;drop" }, wantErr: "db_schema"},
		{name: "min over max", mutate: func(c *Config) { c.DBMinConns = 20 }, wantErr: "db_min_conns"},
		{name: "ready needs db", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: "readiness_require_db"},
		{name: "admin without password", mutate: func(c *Config) { c.BootstrapAdmin.Email = "root@x.com" }, wantErr: "bootstrap admin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestBuildTokenConfig_DevSecret(t *testing.T) {
	t.Setenv("RELAY_TOKEN_TTL", "")
	var logs strings.Builder
	log := newLogger(&logs, "info", "json", false)

	cfg := DefaultConfig()
	cfg.DevInsecureSecret = true

	tcfg, err := buildTokenConfig(cfg, log)
	if err != nil {
		t.Fatalf("buildTokenConfig: %v", err)
	}
	if len(tcfg.Secret) < 32 {
		t.Fatalf("dev secret too short: %d", len(tcfg.Secret))
	}
	if !strings.Contains(logs.String(), "security.dev_insecure_secret") {
		t.Fatalf("expected a warning, got %q", logs.String())
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("RELAY_TEST_CSV", " a, ,b ,")
	got := EnvCSV("RELAY_TEST_CSV", []string{"x"})
	if strings.Join(got, "|") != "a|b" {
		t.Fatalf("EnvCSV=%v", got)
	}
	if got := EnvCSV("RELAY_TEST_CSV_UNSET", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("unset EnvCSV=%v", got)
	}
}
