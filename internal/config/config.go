package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "GEOMEMO"

	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultServerAddress      = "0.0.0.0:8080"
	defaultServerDatabasePath = "geomemo-server.db"
	defaultTokenTTLMinutes    = 60 * 24
	defaultRemoteURL          = "http://127.0.0.1:8080"
	defaultClientDatabasePath = "geomemo-client.db"
	defaultCachePath          = "geomemo-cache"
	defaultCacheStrategy      = "tiered"
	defaultMemoryEntries      = 128
	defaultGeoPrecision       = 6
	defaultMemoCap            = 10
	defaultMemoMaxLength      = 500
	defaultUploadDebounce     = 300 * time.Millisecond
	defaultInactivityGrace    = 2 * time.Minute
	defaultEditModeDuration   = 5 * time.Minute
	defaultTickInterval       = time.Second
	defaultRemoteTimeout      = 10 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryInitial       = 200 * time.Millisecond
	defaultRetryMax           = 5 * time.Second
	defaultInitialMaxAge      = 30 * time.Minute
	defaultForegroundMaxAge   = 2 * time.Minute
	defaultForegroundForce    = 10 * time.Minute
	defaultReplayCapacity     = 64
)

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level    string
	Encoding string
}

// ServerConfig captures the reference remote store settings.
type ServerConfig struct {
	Address        string
	DatabasePath   string
	SigningSecret  string
	TokenTTL       time.Duration
	AllowedOrigins []string
}

// ClientConfig captures the process-lifetime client runtime settings.
type ClientConfig struct {
	RemoteURL          string
	AccessToken        string
	DatabasePath       string
	CachePath          string
	CacheStrategy      string
	MemoryCacheEntries int
	GeoPrecision       uint
	MemoCap            int
	MemoMaxLength      int
	UploadDebounce     time.Duration
	InactivityGrace    time.Duration
	EditModeDuration   time.Duration
	TickInterval       time.Duration
	RemoteTimeout      time.Duration
	RetryAttempts      int
	RetryInitial       time.Duration
	RetryMax           time.Duration
	InitialMaxAge      time.Duration
	ForegroundMaxAge   time.Duration
	ForegroundForce    time.Duration
	ReplayCapacity     int
}

// AppConfig is the full runtime configuration of the geomemo binary.
type AppConfig struct {
	Log    LogConfig
	Server ServerConfig
	Client ClientConfig
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("server.address", defaultServerAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("client.remote_url", defaultRemoteURL)
	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("client.cache_path", defaultCachePath)
	configViper.SetDefault("cache.strategy", defaultCacheStrategy)
	configViper.SetDefault("cache.memory_entries", defaultMemoryEntries)
	configViper.SetDefault("geo.precision", defaultGeoPrecision)
	configViper.SetDefault("notes.memo_cap", defaultMemoCap)
	configViper.SetDefault("notes.memo_max_length", defaultMemoMaxLength)
	configViper.SetDefault("notes.upload_debounce", defaultUploadDebounce)
	configViper.SetDefault("notes.inactivity_grace", defaultInactivityGrace)
	configViper.SetDefault("editmode.duration", defaultEditModeDuration)
	configViper.SetDefault("editmode.tick_interval", defaultTickInterval)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("remote.retry_initial", defaultRetryInitial)
	configViper.SetDefault("remote.retry_max", defaultRetryMax)
	configViper.SetDefault("regions.initial_max_age", defaultInitialMaxAge)
	configViper.SetDefault("regions.foreground_max_age", defaultForegroundMaxAge)
	configViper.SetDefault("regions.foreground_force_after", defaultForegroundForce)
	configViper.SetDefault("events.replay_capacity", defaultReplayCapacity)
}

// Load parses runtime configuration from viper. Validation is split per command
// because the server and the client need disjoint settings.
func Load(configViper *viper.Viper) AppConfig {
	return AppConfig{
		Log: LogConfig{
			Level:    configViper.GetString("log.level"),
			Encoding: configViper.GetString("log.encoding"),
		},
		Server: ServerConfig{
			Address:        configViper.GetString("server.address"),
			DatabasePath:   configViper.GetString("server.database_path"),
			SigningSecret:  configViper.GetString("auth.signing_secret"),
			TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
			AllowedOrigins: configViper.GetStringSlice("server.allowed_origins"),
		},
		Client: ClientConfig{
			RemoteURL:          configViper.GetString("client.remote_url"),
			AccessToken:        configViper.GetString("client.access_token"),
			DatabasePath:       configViper.GetString("client.database_path"),
			CachePath:          configViper.GetString("client.cache_path"),
			CacheStrategy:      configViper.GetString("cache.strategy"),
			MemoryCacheEntries: configViper.GetInt("cache.memory_entries"),
			GeoPrecision:       configViper.GetUint("geo.precision"),
			MemoCap:            configViper.GetInt("notes.memo_cap"),
			MemoMaxLength:      configViper.GetInt("notes.memo_max_length"),
			UploadDebounce:     configViper.GetDuration("notes.upload_debounce"),
			InactivityGrace:    configViper.GetDuration("notes.inactivity_grace"),
			EditModeDuration:   configViper.GetDuration("editmode.duration"),
			TickInterval:       configViper.GetDuration("editmode.tick_interval"),
			RemoteTimeout:      configViper.GetDuration("remote.timeout"),
			RetryAttempts:      configViper.GetInt("remote.retry_attempts"),
			RetryInitial:       configViper.GetDuration("remote.retry_initial"),
			RetryMax:           configViper.GetDuration("remote.retry_max"),
			InitialMaxAge:      configViper.GetDuration("regions.initial_max_age"),
			ForegroundMaxAge:   configViper.GetDuration("regions.foreground_max_age"),
			ForegroundForce:    configViper.GetDuration("regions.foreground_force_after"),
			ReplayCapacity:     configViper.GetInt("events.replay_capacity"),
		},
	}
}

// ValidateServer checks the settings required by the serve and token commands.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.Server.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

// ValidateClient checks the settings required by the client command.
func (c AppConfig) ValidateClient() error {
	client := c.Client
	if strings.TrimSpace(client.RemoteURL) == "" {
		return fmt.Errorf("client.remote_url is required")
	}
	if strings.TrimSpace(client.AccessToken) == "" {
		return fmt.Errorf("client.access_token is required")
	}
	if strings.TrimSpace(client.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	switch strings.ToLower(client.CacheStrategy) {
	case "memory", "durable", "tiered":
	default:
		return fmt.Errorf("cache.strategy must be one of memory, durable, tiered")
	}
	if client.CacheStrategy != "memory" && strings.TrimSpace(client.CachePath) == "" {
		return fmt.Errorf("client.cache_path is required for the %s strategy", client.CacheStrategy)
	}
	if client.GeoPrecision < 1 || client.GeoPrecision > 12 {
		return fmt.Errorf("geo.precision must be between 1 and 12")
	}
	if client.MemoCap <= 0 {
		return fmt.Errorf("notes.memo_cap must be positive")
	}
	if client.RetryAttempts <= 0 {
		return fmt.Errorf("remote.retry_attempts must be positive")
	}
	if client.ForegroundMaxAge > client.InitialMaxAge {
		return fmt.Errorf("regions.foreground_max_age must not exceed regions.initial_max_age")
	}
	return nil
}
