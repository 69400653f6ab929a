package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "PETITIONS"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultRequestTimeout      = 10 * time.Second
	defaultDatabasePath        = "petitions.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultIssuer              = "tauth"
	defaultCacheBackend        = CacheBackendMemory
	defaultRedisPoolSize       = 10
	defaultRedisDialTimeout    = 5 * time.Second
	defaultPetitionDurationDay = 60
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendBadger = "badger"
)

// Tracing exporters.
const (
	TracingExporterOTLP   = "otlp"
	TracingExporterStdout = "stdout"
)

// CacheTTLConfig holds the freshness window of each cached key class.
type CacheTTLConfig struct {
	Listings       time.Duration
	Petition       time.Duration
	Signatures     time.Duration
	UserPetitions  time.Duration
	UserSignatures time.Duration
	Categories     time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	RequestTimeout      time.Duration
	TAuthSigningKey     string
	TAuthCookieName     string
	TAuthIssuer         string
	DatabasePath        string
	LogLevel            string
	CacheBackend        string
	CacheCoalesce       bool
	CacheTTL            CacheTTLConfig
	RedisURL            string
	RedisPoolSize       int
	RedisDialTimeout    time.Duration
	RedisNamespace      string
	BadgerPath          string
	TracingEnabled      bool
	TracingExporter     string
	TracingEndpoint     string
	DefaultDurationDays int
}

// DefaultDuration returns the signing window applied to petitions created without a due date.
func (c AppConfig) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationDays) * 24 * time.Hour
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.coalesce", false)
	configViper.SetDefault("cache.ttl.listings", 5*time.Minute)
	configViper.SetDefault("cache.ttl.petition", 5*time.Minute)
	configViper.SetDefault("cache.ttl.signatures", time.Minute)
	configViper.SetDefault("cache.ttl.user_petitions", 5*time.Minute)
	configViper.SetDefault("cache.ttl.user_signatures", time.Minute)
	configViper.SetDefault("cache.ttl.categories", time.Hour)
	configViper.SetDefault("redis.pool_size", defaultRedisPoolSize)
	configViper.SetDefault("redis.dial_timeout", defaultRedisDialTimeout)
	configViper.SetDefault("tracing.enabled", false)
	configViper.SetDefault("tracing.exporter", TracingExporterOTLP)
	configViper.SetDefault("petitions.default_duration_days", defaultPetitionDurationDay)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		RequestTimeout:  configViper.GetDuration("http.request_timeout"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		CacheBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheCoalesce:   configViper.GetBool("cache.coalesce"),
		CacheTTL: CacheTTLConfig{
			Listings:       configViper.GetDuration("cache.ttl.listings"),
			Petition:       configViper.GetDuration("cache.ttl.petition"),
			Signatures:     configViper.GetDuration("cache.ttl.signatures"),
			UserPetitions:  configViper.GetDuration("cache.ttl.user_petitions"),
			UserSignatures: configViper.GetDuration("cache.ttl.user_signatures"),
			Categories:     configViper.GetDuration("cache.ttl.categories"),
		},
		RedisURL:            configViper.GetString("redis.url"),
		RedisPoolSize:       configViper.GetInt("redis.pool_size"),
		RedisDialTimeout:    configViper.GetDuration("redis.dial_timeout"),
		RedisNamespace:      strings.TrimSpace(configViper.GetString("redis.namespace")),
		BadgerPath:          strings.TrimSpace(configViper.GetString("badger.path")),
		TracingEnabled:      configViper.GetBool("tracing.enabled"),
		TracingExporter:     strings.ToLower(strings.TrimSpace(configViper.GetString("tracing.exporter"))),
		TracingEndpoint:     strings.TrimSpace(configViper.GetString("tracing.endpoint")),
		DefaultDurationDays: configViper.GetInt("petitions.default_duration_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendBadger:
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required when cache.backend is %s", CacheBackendRedis)
		}
	default:
		return fmt.Errorf("cache.backend must be %s, %s or %s, got %q", CacheBackendMemory, CacheBackendRedis, CacheBackendBadger, c.CacheBackend)
	}
	if c.TracingEnabled {
		switch c.TracingExporter {
		case TracingExporterOTLP, TracingExporterStdout:
		default:
			return fmt.Errorf("tracing.exporter must be %s or %s, got %q", TracingExporterOTLP, TracingExporterStdout, c.TracingExporter)
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.DefaultDurationDays < 1 {
		return fmt.Errorf("petitions.default_duration_days must be at least 1")
	}
	return nil
}
