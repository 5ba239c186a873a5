package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "RELOGIN"

// Config holds the reloginctl configuration
type Config struct {
	// Base URL of the RPC server
	ServerURL string `mapstructure:"server_url"`

	// Disable interactive prompts; logins triggered mid-call are cancelled
	NonInteractive bool `mapstructure:"non_interactive"`

	// Bound on each exchange with the server; time spent logging in is not counted
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Directory holding credentials.json (default ~/.relogin)
	CredentialsDir string `mapstructure:"credentials_dir"`

	OIDC      OIDCConfig          `mapstructure:"oidc"`
	Login     LoginConfig         `mapstructure:"login"`
	Log       LogConfig           `mapstructure:"log"`
	Telemetry ObservabilityConfig `mapstructure:"telemetry"`
}

// OIDCConfig is the fallback identity provider used when a login challenge does
// not name one.
type OIDCConfig struct {
	Issuer   string `mapstructure:"issuer"`
	ClientID string `mapstructure:"client_id"`
}

// LoginConfig controls how re-authentication is coordinated.
type LoginConfig struct {
	// "coalesce" (default) or "independent"
	Policy string `mapstructure:"policy"`
	// Maximum logins a single call may trigger; <= 0 is unbounded
	MaxCycles int `mapstructure:"max_cycles"`
	// Upper bound for one interactive login
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
	Output string `mapstructure:"output"` // stderr or stdout
}

// ObservabilityConfig configures OpenTelemetry export. An empty OTLPEndpoint disables export.
type ObservabilityConfig struct {
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("non_interactive", false)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("credentials_dir", "")
	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.client_id", "reloginctl")
	v.SetDefault("login.policy", "coalesce")
	v.SetDefault("login.max_cycles", 5)
	v.SetDefault("login.timeout", 5*time.Minute)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.service_name", "reloginctl")
	v.SetDefault("telemetry.service_version", "dev")
}

// ReadConfigFile loads path into the global viper instance. With an empty path
// it looks for relogin.yaml in the working directory and ~/.relogin; a missing
// file is not an error in that case.
func ReadConfigFile(path string) error {
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	viper.SetConfigName("relogin")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".relogin"))
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Load resolves configuration from defaults, any config file already read into
// viper, bound flags, and RELOGIN_ prefixed environment variables.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("RELOGIN_SERVER_URL is required")
	}
	if u, err := url.Parse(cfg.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("RELOGIN_SERVER_URL must be an absolute URL, got %q", cfg.ServerURL)
	}
	switch strings.ToLower(cfg.Login.Policy) {
	case "coalesce", "independent":
	default:
		return nil, fmt.Errorf("RELOGIN_LOGIN_POLICY must be coalesce or independent, got %q", cfg.Login.Policy)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return nil, fmt.Errorf("RELOGIN_LOG_FORMAT must be console or json, got %q", cfg.Log.Format)
	}

	return &cfg, nil
}
