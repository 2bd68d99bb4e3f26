// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Broker    BrokerConfig    `json:"broker"`
	Session   SessionConfig   `json:"session"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":3001"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	UIStaticDir    string   `json:"ui_static_dir,omitempty"`   // path to built UI files
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	UploadDir      string   `json:"upload_dir,omitempty"`      // default "./uploads"
	MaxFileBytes   int64    `json:"max_file_bytes,omitempty"`  // default 10MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	Issuer       string        `json:"issuer,omitempty"`   // token issuer for the jwks provider
	JWKSURL      string        `json:"jwks_url,omitempty"` // default "<issuer>/.well-known/jwks.json"
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "forum.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // message retention
}

// BrokerConfig defines the MQTT bridge used to mirror rooms across hub instances.
type BrokerConfig struct {
	Enabled              bool     `json:"enabled"`
	Host                 string   `json:"host,omitempty"` // default "localhost"
	Port                 int      `json:"port,omitempty"` // default 1883
	Username             string   `json:"username,omitempty"`
	Password             string   `json:"password,omitempty"`
	ClientID             string   `json:"client_id,omitempty"` // default "forum-hub-<unix ms>"
	KeepAlive            Duration `json:"keepalive,omitempty"`
	ConnectTimeout       Duration `json:"connect_timeout,omitempty"`
	ReconnectPeriod      Duration `json:"reconnect_period,omitempty"`
	FallbackTimeout      Duration `json:"fallback_timeout,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"`
	QoS                  *byte    `json:"qos,omitempty"` // default 1
}

// QoSLevel returns the configured QoS, defaulting to 1.
func (b BrokerConfig) QoSLevel() byte {
	if b.QoS == nil {
		return 1
	}
	return *b.QoS
}

// URL returns the broker address in tcp://host:port form.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

// SessionConfig defines per-connection behavior.
type SessionConfig struct {
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message from client; default 64KB
	HistoryLimit    int      `json:"history_limit,omitempty"`     // messages sent on join; default 100
	SendBuffer      int      `json:"send_buffer,omitempty"`       // queued frames per connection; default 64
	CloseGrace      Duration `json:"close_grace,omitempty"`       // wait after a close frame; default 1s
	PingInterval    Duration `json:"ping_interval,omitempty"`     // default 30s
	PongWait        Duration `json:"pong_wait,omitempty"`         // default 60s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envOverrides are environment variables applied on top of the config file.
type envOverrides struct {
	Addr          string `env:"FORUM_ADDR"`
	JWTSecret     string `env:"FORUM_JWT_SECRET"`
	StorageDriver string `env:"FORUM_STORAGE_DRIVER"`
	StorageDSN    string `env:"FORUM_STORAGE_DSN"`
	UploadDir     string `env:"FORUM_UPLOAD_DIR"`
	MQTTEnabled   *bool  `env:"MQTT_ENABLED"`
	MQTTHost      string `env:"MQTT_HOST"`
	MQTTPort      int    `env:"MQTT_PORT"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}

	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.JWTSecret != "" {
		c.Auth.JWTSecret = o.JWTSecret
	}
	if o.StorageDriver != "" {
		c.Storage.Driver = o.StorageDriver
	}
	if o.StorageDSN != "" {
		c.Storage.DSN = o.StorageDSN
	}
	if o.UploadDir != "" {
		c.Server.UploadDir = o.UploadDir
	}
	if o.MQTTEnabled != nil {
		c.Broker.Enabled = *o.MQTTEnabled
	}
	if o.MQTTHost != "" {
		c.Broker.Host = o.MQTTHost
	}
	if o.MQTTPort != 0 {
		c.Broker.Port = o.MQTTPort
	}
	if o.MQTTUsername != "" {
		c.Broker.Username = o.MQTTUsername
	}
	if o.MQTTPassword != "" {
		c.Broker.Password = o.MQTTPassword
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Broker.QoS != nil && *c.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1 or 2")
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range", c.Broker.Port)
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("broker.max_reconnect_attempts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "forum.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	c.Broker.applyDefaults()
	c.Session.applyDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.UploadDir == "" {
		c.Server.UploadDir = "./uploads"
	}
	if c.Server.MaxFileBytes == 0 {
		c.Server.MaxFileBytes = 10 * 1024 * 1024 // 10MB
	}
}

func (b *BrokerConfig) applyDefaults() {
	if b.Host == "" {
		b.Host = "localhost"
	}
	if b.Port == 0 {
		b.Port = 1883
	}
	if b.ClientID == "" {
		b.ClientID = fmt.Sprintf("forum-hub-%d", time.Now().UnixMilli())
	}
	if b.KeepAlive.Duration == 0 {
		b.KeepAlive.Duration = 60 * time.Second
	}
	if b.ConnectTimeout.Duration == 0 {
		b.ConnectTimeout.Duration = 5 * time.Second
	}
	if b.ReconnectPeriod.Duration == 0 {
		b.ReconnectPeriod.Duration = 5 * time.Second
	}
	if b.FallbackTimeout.Duration == 0 {
		b.FallbackTimeout.Duration = 5 * time.Second
	}
	if b.MaxReconnectAttempts == 0 {
		b.MaxReconnectAttempts = 3
	}
}

func (s *SessionConfig) applyDefaults() {
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if s.HistoryLimit == 0 {
		s.HistoryLimit = 100
	}
	if s.SendBuffer == 0 {
		s.SendBuffer = 64
	}
	if s.CloseGrace.Duration == 0 {
		s.CloseGrace.Duration = time.Second
	}
	if s.PingInterval.Duration == 0 {
		s.PingInterval.Duration = 30 * time.Second
	}
	if s.PongWait.Duration == 0 {
		s.PongWait.Duration = 60 * time.Second
	}
}

// Defaults returns the effective broker settings for b.
func (b BrokerConfig) Defaults() BrokerConfig {
	b.applyDefaults()
	return b
}

// Defaults returns the effective session settings for s.
func (s SessionConfig) Defaults() SessionConfig {
	s.applyDefaults()
	return s
}
