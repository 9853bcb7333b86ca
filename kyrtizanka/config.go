//nolint:lll // struct tags can't be split
package kyrtizanka

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EnvvarSetEnvPrefix     = "KYRTIZANKA_ENV_PREFIX"
	DefaultEnvPrefix       = "KZ"
	DefaultConfigFile      = "config.yaml"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "kyrtizanka.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultTLSMinVersion              = tls.VersionTLS12
	DefaultReadTimeout                = 5 * time.Second
	DefaultReadHeaderTimeout          = 5 * time.Second
	DefaultWriteTimeout               = 10 * time.Second
	DefaultIdleTimeout                = 30 * time.Second
	DefaultDiscordWebhookServerListen = "127.0.0.1:5001"
	DefaultDiscordGatewayIntent       = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordWebhookLogLevel     = slog.LevelInfo
	DefaultDiscordLogLevel            = slog.LevelWarn
	DefaultDiscordgoLogLevel          = slog.LevelWarn
	DefaultDiscordGame                = "Kyrtizanka"
	DefaultDiscordCommandPrefix       = "~"
	DefaultDiscordLanguage            = string(DefaultLocale)
	DefaultDiscordRateLimit           = 1.0
	DefaultDiscordRateBurst           = 5
	discordMaxMessageLength           = 2000

	DefaultAPIListen   = "127.0.0.1:5000"
	DefaultAPILogLevel = slog.LevelInfo

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = false

	DefaultVoteRetention     = 7 * 24 * time.Hour
	DefaultVotePruneSchedule = "@hourly"
)

// DiscordInteractionReceiveMethod records whether an interaction came
// over the gateway websocket or the webhook server
type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// structValidator checks `binding` struct tags, the same tag gin uses
var structValidator = func() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}()

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// sqlite or postgres
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel applies to the gorm logger
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// Queries slower than this are logged at WARN
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the read-only status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Votes *VotesConfig `yaml:"votes" mapstructure:"votes" json:"votes"`

	// LogLevel applies to every logger without its own level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout bounds connecting to the database and discord. Run
	// fails when it's exceeded.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds draining the HTTP servers and closing the
	// gateway session, after which connections are closed outright
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// DisabledExtensions names extensions which won't be loaded
	DisabledExtensions []string `yaml:"disabled_extensions" mapstructure:"disabled_extensions" json:"disabled_extensions"`

	// Development enables gin debug mode, and relaxes startup checks
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

type DiscordConfig struct {
	// Bot token, from the developer portal's Bot page
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// WebhookServer receives interactions over HTTP instead of the gateway
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// GuildID is the default guild slash commands are registered to. When
	// empty, commands are global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Language is the locale used when a user's client locale has
	// no message catalog
	Language string `yaml:"language" mapstructure:"language" json:"language" binding:"oneof=en ru"`

	// Game is shown as the bot's "playing" status, with the version appended
	Game string `yaml:"game" mapstructure:"game" json:"game"`

	// CommandPrefix marks chat messages as bot commands (ex: "~ping")
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel filters messages logged by discordgo itself
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// GatewayIntents defaults to the non-privileged intents plus message
	// content, which "~" commands need
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// SentryDSN enables error reporting to sentry, when set
	SentryDSN string `yaml:"sentry_dsn" mapstructure:"sentry_dsn" json:"sentry_dsn" log:"[redacted]"`

	// RateLimit is the number of interactions per second allowed per user,
	// with bursts of up to RateBurst. A RateLimit of 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"min=0"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst" json:"rate_burst" binding:"min=0"`
}

// HTTPServerConfig holds the listener settings shared by the status API
// and the discord webhook server
type HTTPServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen is the address to bind, ex: "127.0.0.1:5000"
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// ListenNetwork is passed to net.Listen ("tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// SSL enables TLS when a cert is set
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Timeouts set on the underlying http.Server
	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

func defaultHTTPServerConfig(listen string, level slog.Level) HTTPServerConfig {
	return HTTPServerConfig{
		Listen:            listen,
		ListenNetwork:     defaultListenNetwork,
		SSL:               SSLConfig{TLSMinVersion: DefaultTLSMinVersion},
		LogLevel:          newLevelVar(level),
		ReadTimeout:       DefaultReadTimeout,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
}

// DiscordWebhookServerConfig configures receiving interactions as signed
// HTTP POST requests, instead of over the gateway websocket
type DiscordWebhookServerConfig struct {
	HTTPServerConfig `yaml:",inline" mapstructure:",squash"`

	// PublicKey verifies request signatures. It's under 'General
	// Information' in the discord developer portal.
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`
}

// APIConfig configures the read-only status API server
type APIConfig struct {
	HTTPServerConfig `yaml:",inline" mapstructure:",squash"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`
}

// SSLConfig holds PEM cert/key paths. TLS is only used when Cert is set.
type SSLConfig struct {
	Cert          string `yaml:"cert" mapstructure:"cert" json:"cert"`
	Key           string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig is converted to gin-contrib/cors settings for the status API.
// An empty AllowOrigins allows every origin, without credentials.
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	allowAll := len(c.AllowOrigins) == 0
	return cors.Config{
		AllowAllOrigins:  allowAll,
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials && !allowAll,
		MaxAge:           c.MaxAge,
	}
}

// VotesConfig configures the /votes extension
type VotesConfig struct {
	// DefaultDuration is used when /votes is called without a duration,
	// in the same format users give (ex: "1d", "2h30m")
	DefaultDuration string `yaml:"default_duration" mapstructure:"default_duration" json:"default_duration" binding:"required"`

	// Retention is how long closed votes are kept (so their results can
	// still be viewed) before being pruned
	Retention time.Duration `yaml:"retention" mapstructure:"retention" json:"retention" binding:"min=0"`

	// PruneSchedule is the cron schedule for pruning closed votes
	PruneSchedule string `yaml:"prune_schedule" mapstructure:"prune_schedule" json:"prune_schedule" binding:"required"`
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     slices.Clone(DefaultCORSAllowMethods),
		AllowHeaders:     slices.Clone(DefaultCORSAllowHeaders),
		ExposeHeaders:    slices.Clone(DefaultCORSExposeHeaders),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(level)
	return v
}

// DefaultConfig returns a Config with every setting at its default.
// Each call allocates fresh level vars.
func DefaultConfig() *Config {
	discord := &DiscordConfig{
		Language:          DefaultDiscordLanguage,
		Game:              DefaultDiscordGame,
		CommandPrefix:     DefaultDiscordCommandPrefix,
		GatewayIntents:    DefaultDiscordGatewayIntent,
		LogLevel:          newLevelVar(DefaultDiscordLogLevel),
		DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
		RateLimit:         DefaultDiscordRateLimit,
		RateBurst:         DefaultDiscordRateBurst,
	}
	discord.WebhookServer.HTTPServerConfig = defaultHTTPServerConfig(
		DefaultDiscordWebhookServerListen,
		DefaultDiscordWebhookLogLevel,
	)

	return &Config{
		Database:              DefaultDatabase,
		DatabaseType:          DefaultDatabaseType,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		DisabledExtensions:    []string{},
		Discord:               discord,
		API: &APIConfig{
			HTTPServerConfig: defaultHTTPServerConfig(DefaultAPIListen, DefaultAPILogLevel),
			CORS:             DefaultCORSConfig(),
		},
		Votes: &VotesConfig{
			DefaultDuration: DefaultVoteDuration,
			Retention:       DefaultVoteRetention,
			PruneSchedule:   DefaultVotePruneSchedule,
		},
	}
}

// WriteDefaultConfig writes DefaultConfig to path as YAML. Existing
// files are never overwritten.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("error encoding default config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}
