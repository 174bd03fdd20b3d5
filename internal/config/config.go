package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "PARLEY"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultRequestTimeout = 15 * time.Second
	defaultDatabaseDriver = DriverSQLite
	defaultDatabaseDSN    = "parley.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "app_session"
	defaultSessionIssuer  = "tauth"
	defaultBlobRoot       = "data/blobs"
	defaultPublicBaseURL  = "http://localhost:8080"
	defaultNotifyQueue    = "notifications"
	defaultExpiryCron     = "*/10 * * * *"
	defaultExpiryMaxAge   = 30 * 24 * time.Hour
	defaultRateLimitRPS   = 10.0
	defaultRateLimitBurst = 20
)

// Database drivers understood by database.Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	RequestTimeout time.Duration
	AllowedOrigins []string

	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string

	BlobRoot          string
	BlobPublicBaseURL string
	BlobURLSecret     string

	RedisURL     string
	AsynqEnabled bool
	NotifyQueue  string
	InstanceID   string

	ExpiryEnabled bool
	ExpiryCron    string
	ExpiryMaxAge  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("attachments.root", defaultBlobRoot)
	configViper.SetDefault("attachments.public_base_url", defaultPublicBaseURL)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("notify.asynq_enabled", false)
	configViper.SetDefault("notify.queue", defaultNotifyQueue)
	configViper.SetDefault("instance.id", "")
	configViper.SetDefault("quotes.expiry.enabled", false)
	configViper.SetDefault("quotes.expiry.cron", defaultExpiryCron)
	configViper.SetDefault("quotes.expiry.max_age", defaultExpiryMaxAge)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		RequestTimeout:    configViper.GetDuration("http.request_timeout"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		BlobRoot:          configViper.GetString("attachments.root"),
		BlobPublicBaseURL: strings.TrimRight(configViper.GetString("attachments.public_base_url"), "/"),
		BlobURLSecret:     configViper.GetString("attachments.url_secret"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		AsynqEnabled:      configViper.GetBool("notify.asynq_enabled"),
		NotifyQueue:       configViper.GetString("notify.queue"),
		InstanceID:        configViper.GetString("instance.id"),
		ExpiryEnabled:     configViper.GetBool("quotes.expiry.enabled"),
		ExpiryCron:        configViper.GetString("quotes.expiry.cron"),
		ExpiryMaxAge:      configViper.GetDuration("quotes.expiry.max_age"),
		RateLimitRPS:      configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:    configViper.GetInt("ratelimit.burst"),
	}
	if strings.TrimSpace(cfg.BlobURLSecret) == "" {
		cfg.BlobURLSecret = cfg.SessionSigningKey
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.BlobRoot) == "" {
		return fmt.Errorf("attachments.root is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.AsynqEnabled && c.RedisURL == "" {
		return fmt.Errorf("notify.asynq_enabled requires redis.url")
	}
	if c.ExpiryEnabled {
		if !gronx.IsValid(c.ExpiryCron) {
			return fmt.Errorf("quotes.expiry.cron %q is not a valid cron expression", c.ExpiryCron)
		}
		if c.ExpiryMaxAge <= 0 {
			return fmt.Errorf("quotes.expiry.max_age must be positive")
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
