package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/ChA0S-f4me/CodersSquad-Kyrtizanka/kyrtizanka"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = kyrtizanka.DefaultConfig()
	configFile = kyrtizanka.DefaultConfigFile
	envFile    string

	// configMissing is set when the config file given by --config
	// doesn't exist, in which case only defaults and environment
	// variables are used
	configMissing bool
)

var rootCmd = &cobra.Command{
	Use:          "kyrtizanka [flags]",
	Short:        "Discord bot with reminders and votes",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		cfg = &kyrtizanka.Config{}
		return unmarshalConfig(cfg)
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", "INFO+2")
// into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// unmarshalConfig decodes the viper settings into target. Defaults come
// from viper.SetDefault in initConfig, so target should be a zero Config:
// mapstructure decodes into the struct behind a non-nil *slog.LevelVar
// instead of replacing it, which skips LevelToStringHookFunc.
func unmarshalConfig(target *kyrtizanka.Config) error {
	err := viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error decoding config: %w", err)
	}
	return nil
}

// reloadLogLevels re-reads the current viper settings and applies any
// changed log levels to current. The loggers built from current hold the
// same *slog.LevelVar pointers, so changes take effect immediately.
func reloadLogLevels(current *kyrtizanka.Config) error {
	updated := &kyrtizanka.Config{}
	if err := unmarshalConfig(updated); err != nil {
		return err
	}

	setLevel := func(dst, src *slog.LevelVar) {
		if dst != nil && src != nil && dst.Level() != src.Level() {
			dst.Set(src.Level())
		}
	}
	setLevel(current.LogLevel, updated.LogLevel)
	setLevel(current.DatabaseLogLevel, updated.DatabaseLogLevel)
	if current.Discord != nil && updated.Discord != nil {
		setLevel(current.Discord.LogLevel, updated.Discord.LogLevel)
		setLevel(current.Discord.DiscordGoLogLevel, updated.Discord.DiscordGoLogLevel)
		setLevel(
			current.Discord.WebhookServer.LogLevel,
			updated.Discord.WebhookServer.LogLevel,
		)
	}
	if current.API != nil && updated.API != nil {
		setLevel(current.API.LogLevel, updated.API.LogLevel)
	}
	return nil
}

func onConfigChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	log.Printf("config file changed: %s", e.Name)
	if err := reloadLogLevels(cfg); err != nil {
		log.Printf("error reloading config: %v", err)
	}
}

// watchConfig reloads log levels whenever the config file changes
func watchConfig() {
	if configMissing || viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(onConfigChange)
	viper.WatchConfig()
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called above
	}
}

func initConfig() error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading .env: %w", err)
		}
	} else if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("error loading env file %s: %w", envFile, err)
	}

	viper.Reset()

	viper.SetDefault("database", kyrtizanka.DefaultDatabase)
	viper.SetDefault("database_type", kyrtizanka.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		kyrtizanka.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		kyrtizanka.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("disabled_extensions", []string{})

	viper.SetDefault("log_level", kyrtizanka.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", kyrtizanka.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", kyrtizanka.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.language", kyrtizanka.DefaultDiscordLanguage)
	viper.SetDefault("discord.game", kyrtizanka.DefaultDiscordGame)
	viper.SetDefault("discord.command_prefix", kyrtizanka.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.sentry_dsn", "")
	viper.SetDefault("discord.rate_limit", kyrtizanka.DefaultDiscordRateLimit)
	viper.SetDefault("discord.rate_burst", kyrtizanka.DefaultDiscordRateBurst)
	viper.SetDefault(
		"discord.log_level",
		kyrtizanka.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		kyrtizanka.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		kyrtizanka.DefaultDiscordGatewayIntent,
	)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		kyrtizanka.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		kyrtizanka.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		kyrtizanka.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		kyrtizanka.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		kyrtizanka.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		kyrtizanka.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		kyrtizanka.DefaultTLSMinVersion,
	)

	var bindErrs []error

	// Discord: Webhook server: SSL
	bindErrs = append(
		bindErrs,
		viper.BindEnv("discord.webhook_server.ssl.cert"),
		viper.BindEnv("discord.webhook_server.ssl.key"),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", kyrtizanka.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", kyrtizanka.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", kyrtizanka.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		kyrtizanka.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", kyrtizanka.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", kyrtizanka.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", kyrtizanka.DefaultTLSMinVersion)

	// API: SSL config
	bindErrs = append(
		bindErrs,
		viper.BindEnv("api.ssl.cert"),
		viper.BindEnv("api.ssl.key"),
	)
	if err := errors.Join(bindErrs...); err != nil {
		return err
	}

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		kyrtizanka.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		kyrtizanka.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		kyrtizanka.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", kyrtizanka.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		kyrtizanka.DefaultAPICORSAllowCredentials,
	)

	// Votes config
	viper.SetDefault("votes.default_duration", kyrtizanka.DefaultVoteDuration)
	viper.SetDefault("votes.retention", kyrtizanka.DefaultVoteRetention)
	viper.SetDefault("votes.prune_schedule", kyrtizanka.DefaultVotePruneSchedule)

	envPrefix := os.Getenv(kyrtizanka.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = kyrtizanka.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	configMissing = false
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			configMissing = true
			return nil
		}
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return nil
}

//nolint:gochecknoinits // registers persistent flags
func init() {
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		kyrtizanka.DefaultConfigFile,
		"YAML config file to use",
	)
	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		"dotenv file to load into the environment (default .env, if it exists)",
	)
}
