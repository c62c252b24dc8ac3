package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	Addr   string       `toml:"addr"`
	Store  StoreConfig  `toml:"store"`
	Redis  RedisConfig  `toml:"redis"`
	Auth   AuthConfig   `toml:"auth"`
	CORS   CORSConfig   `toml:"cors"`
	Log    LogConfig    `toml:"log"`
	Meili  MeiliConfig  `toml:"meili"`
	Blob   BlobConfig   `toml:"blob"`
	SMTP   SMTPConfig   `toml:"smtp"`
	Fanout FanoutConfig `toml:"fanout"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // postgres | sqlite
	URL    string `toml:"url"`
}

type RedisConfig struct {
	// Empty disables Redis: sessions fall back to the SQL store and the relay is off.
	URL string `toml:"url"`
}

type AuthConfig struct {
	Secret            string `toml:"secret"`
	SessionTTLSeconds int    `toml:"session_ttl_seconds"`
}

type CORSConfig struct {
	Origin string `toml:"origin"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | logfmt | json
}

type MeiliConfig struct {
	URL string `toml:"url"`
	Key string `toml:"key"`
}

type BlobConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Secure    bool   `toml:"secure"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	FromName string `toml:"from_name"`
}

type FanoutConfig struct {
	ClientBuffer int  `toml:"client_buffer"`
	Relay        bool `toml:"relay"`
}

func Default() Config {
	return Config{
		Addr: ":8787",
		Store: StoreConfig{
			Driver: "sqlite",
			URL:    "file:teamdesk.db",
		},
		Auth: AuthConfig{
			Secret:            "teamdesk-dev-secret",
			SessionTTLSeconds: 7 * 24 * 3600,
		},
		CORS: CORSConfig{Origin: "*"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Blob: BlobConfig{Bucket: "teamdesk-files"},
		SMTP: SMTPConfig{
			Port:     "587",
			FromName: "TeamDesk",
		},
		Fanout: FanoutConfig{ClientBuffer: 64},
	}
}

// Load layers an optional TOML file over the defaults and the environment
// over both, then validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		case len(content) > 0:
			if err := toml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode toml: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.Store.Driver = getenv("TEAMDESK_STORE_DRIVER", c.Store.Driver)
	c.Store.URL = getenv("DATABASE_URL", c.Store.URL)
	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Auth.Secret = getenv("TEAMDESK_AUTH_SECRET", c.Auth.Secret)
	c.Auth.SessionTTLSeconds = getenvInt("TEAMDESK_SESSION_TTL_SECONDS", c.Auth.SessionTTLSeconds)
	c.CORS.Origin = getenv("TEAMDESK_CORS_ORIGIN", c.CORS.Origin)
	c.Log.Level = getenv("TEAMDESK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("TEAMDESK_LOG_FORMAT", c.Log.Format)
	c.Meili.URL = getenv("MEILI_URL", c.Meili.URL)
	c.Meili.Key = getenv("MEILI_MASTER_KEY", c.Meili.Key)
	c.Blob.Endpoint = getenv("BLOB_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = getenv("BLOB_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = getenv("BLOB_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.Bucket = getenv("BLOB_BUCKET", c.Blob.Bucket)
	c.Blob.Secure = getenvBool("BLOB_SECURE", c.Blob.Secure)
	c.SMTP.Host = getenv("SMTP_HOST", c.SMTP.Host)
	c.SMTP.Port = getenv("SMTP_PORT", c.SMTP.Port)
	c.SMTP.Username = getenv("SMTP_USERNAME", c.SMTP.Username)
	c.SMTP.Password = getenv("SMTP_PASSWORD", c.SMTP.Password)
	c.SMTP.From = getenv("SMTP_FROM", c.SMTP.From)
	c.SMTP.FromName = getenv("SMTP_FROM_NAME", c.SMTP.FromName)
	c.Fanout.ClientBuffer = getenvInt("TEAMDESK_FANOUT_CLIENT_BUFFER", c.Fanout.ClientBuffer)
	c.Fanout.Relay = getenvBool("TEAMDESK_FANOUT_RELAY", c.Fanout.Relay)
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "postgres", "pgx", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid store.driver: %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.URL) == "" {
		return errors.New("store.url is required")
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth.secret is required")
	}
	if c.Auth.SessionTTLSeconds <= 0 {
		return fmt.Errorf("auth.session_ttl_seconds must be > 0, got %d", c.Auth.SessionTTLSeconds)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "logfmt", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if c.Fanout.ClientBuffer <= 0 {
		return fmt.Errorf("fanout.client_buffer must be > 0, got %d", c.Fanout.ClientBuffer)
	}
	if c.Fanout.Relay && strings.TrimSpace(c.Redis.URL) == "" {
		return errors.New("fanout.relay requires redis.url")
	}
	return nil
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLSeconds) * time.Second
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
