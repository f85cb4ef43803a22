// Package config loads the gateway's settings. Values come from, in
// increasing precedence, built-in defaults, an optional JSONC settings file
// and the environment. The binary applies its flags last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joeshaw/envdecode"
	"github.com/tidwall/jsonc"
)

// Transports the binary can serve.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Log formats. LogFormatTint is the colored console format for development.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
	LogFormatTint = "tint"
)

// Duration is a time.Duration written as "15s" in both the settings file
// and the environment.
type Duration time.Duration

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"15s\": %w", err)
	}
	return d.Decode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete gateway configuration.
type Config struct {
	// Transport is http or stdio. ENV: PUBLISHER_TRANSPORT
	Transport string `json:"transport" env:"PUBLISHER_TRANSPORT"`
	// Addr is the protocol listener. ENV: PUBLISHER_ADDR
	Addr string `json:"addr" env:"PUBLISHER_ADDR"`
	// AdminAddr serves /metrics and /healthz. Empty disables it. ENV: PUBLISHER_ADMIN_ADDR
	AdminAddr string `json:"adminAddr" env:"PUBLISHER_ADMIN_ADDR"`
	// BasePath prefixes /sse and /messages. ENV: PUBLISHER_BASE_PATH
	BasePath string `json:"basePath" env:"PUBLISHER_BASE_PATH"`
	// PublicURL is where clients reach the protocol endpoints, e.g.
	// https://gw.example/mcp. It is advertised as the protected resource
	// when authentication is on. ENV: PUBLISHER_PUBLIC_URL
	PublicURL string `json:"publicUrl" env:"PUBLISHER_PUBLIC_URL"`
	// ServerRoot holds publisher.config.json. ENV: PUBLISHER_SERVER_ROOT
	ServerRoot string `json:"serverRoot" env:"PUBLISHER_SERVER_ROOT"`
	// Watch reloads the catalog when the server root changes. ENV: PUBLISHER_WATCH
	Watch bool `json:"watch" env:"PUBLISHER_WATCH"`

	LogFormat string `json:"logFormat" env:"PUBLISHER_LOG_FORMAT"`
	LogLevel  string `json:"logLevel" env:"PUBLISHER_LOG_LEVEL"`

	KeepAlive       Duration `json:"keepAlive" env:"PUBLISHER_KEEPALIVE"`
	ShutdownTimeout Duration `json:"shutdownTimeout" env:"PUBLISHER_SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64    `json:"maxBodyBytes" env:"PUBLISHER_MAX_BODY_BYTES"`
	PageSize        int      `json:"pageSize" env:"PUBLISHER_PAGE_SIZE"`
	MaxRowLimit     int      `json:"maxRowLimit" env:"PUBLISHER_MAX_ROW_LIMIT"`
	// CORSOrigins is semicolon separated in the environment. ENV: PUBLISHER_CORS_ORIGINS
	CORSOrigins []string `json:"corsOrigins" env:"PUBLISHER_CORS_ORIGINS"`

	Redis  RedisConfig  `json:"redis"`
	Engine EngineConfig `json:"engine"`
	OIDC   OIDCConfig   `json:"oidc"`
}

// RedisConfig selects Redis for storage and broadcast fan-out. Without an
// address both stay in memory.
type RedisConfig struct {
	Addr      string `json:"addr" env:"REDIS_ADDR"`
	KeyPrefix string `json:"keyPrefix" env:"REDIS_KEY_PREFIX"`
}

// EngineConfig points at the query engine. Without a URL the query tools
// report that no engine is configured.
type EngineConfig struct {
	URL     string   `json:"url" env:"MALLOY_ENGINE_URL"`
	Token   string   `json:"token" env:"MALLOY_ENGINE_TOKEN"`
	Timeout Duration `json:"timeout" env:"MALLOY_ENGINE_TIMEOUT"`
}

// OIDCConfig turns on bearer authentication when Issuer is set.
type OIDCConfig struct {
	Issuer         string   `json:"issuer" env:"OIDC_ISSUER"`
	Audience       string   `json:"audience" env:"OIDC_AUDIENCE"`
	JWKSURL        string   `json:"jwksUrl" env:"OIDC_JWKS_URL"`
	RequiredScopes []string `json:"requiredScopes" env:"OIDC_REQUIRED_SCOPES"`
	Realm          string   `json:"realm" env:"OIDC_REALM"`
}

// Enabled reports whether authentication is configured.
func (o OIDCConfig) Enabled() bool { return o.Issuer != "" }

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Transport:       TransportHTTP,
		Addr:            ":4000",
		AdminAddr:       ":9090",
		BasePath:        "",
		ServerRoot:      ".",
		Watch:           true,
		LogFormat:       LogFormatText,
		LogLevel:        "info",
		KeepAlive:       Duration(15 * time.Second),
		ShutdownTimeout: Duration(10 * time.Second),
		MaxBodyBytes:    4 << 20,
		PageSize:        50,
		MaxRowLimit:     1000,
		Redis:           RedisConfig{KeyPrefix: "publisher:"},
		Engine:          EngineConfig{Timeout: Duration(2 * time.Minute)},
	}
}

// Load builds the configuration from the defaults, the settings file at
// path when path is not empty, and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(b), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c Config) Validate() error {
	var merr *multierror.Error
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		merr = multierror.Append(merr, fmt.Errorf("transport must be %q or %q, got %q", TransportHTTP, TransportStdio, c.Transport))
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatTint:
	default:
		merr = multierror.Append(merr, fmt.Errorf("log format must be text, json or tint, got %q", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if c.Transport == TransportHTTP && c.Addr == "" {
		merr = multierror.Append(merr, errors.New("addr is required for the http transport"))
	}
	if c.BasePath != "" && (!strings.HasPrefix(c.BasePath, "/") || strings.HasSuffix(c.BasePath, "/")) {
		merr = multierror.Append(merr, fmt.Errorf("base path must start with / and not end with one, got %q", c.BasePath))
	}
	if c.KeepAlive <= 0 {
		merr = multierror.Append(merr, errors.New("keep-alive must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		merr = multierror.Append(merr, errors.New("max body bytes must be positive"))
	}
	if c.OIDC.Enabled() && c.OIDC.Audience == "" {
		merr = multierror.Append(merr, errors.New("oidc audience is required when an issuer is set"))
	}
	if c.OIDC.Enabled() && c.Transport == TransportStdio {
		merr = multierror.Append(merr, errors.New("oidc cannot be used with the stdio transport"))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
