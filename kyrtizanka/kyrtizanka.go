package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

const shutdownAnnounceInterval = 10 * time.Second

// Kyrtizanka is the bot. It owns the discord session, the stores backing
// each extension, and the optional HTTP servers.
type Kyrtizanka struct {
	config *Config
	logger *slog.Logger

	db      *gorm.DB
	writeDB DBI

	discord              *Discord
	api                  *API
	discordWebhookServer *DiscordWebhookServer

	scheduler    *Scheduler
	reminders    *ReminderStore
	votes        *VoteStore
	extensions   *ExtensionRegistry
	sentry       *sentryExtension
	housekeeping *housekeeping
	metrics      *botMetrics

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	runMu sync.Mutex

	// runtimeWG tracks interaction and message handlers started by
	// discordgo event callbacks
	runtimeWG *sync.WaitGroup

	// signalReady receives a value once Run has connected to discord
	signalReady chan struct{}

	// signalStop stops Run, as an alternative to cancelling its context
	signalStop chan struct{}

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an interaction, swapped out in tests
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New builds a bot from config, wiring extensions to their stores.
// Nothing connects or listens until Run is called.
func New(config *Config) (*Kyrtizanka, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	defaults := DefaultConfig()
	if config.API == nil {
		config.API = defaults.API
	}
	if config.Votes == nil {
		config.Votes = defaults.Votes
	}
	if config.Discord == nil {
		return nil, errors.New("discord config required")
	}

	logHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	k := &Kyrtizanka{
		config:      config,
		logger:      logger,
		limiters:    map[string]*rate.Limiter{},
		runtimeWG:   &sync.WaitGroup{},
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		metrics:     newBotMetrics(),
	}

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.metrics = k.metrics
	k.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: false,
			},
		),
	)

	k.scheduler = NewScheduler(logger)
	k.scheduler.panicHandler = func(rc any) {
		k.handleRecover(context.Background(), rc)
	}

	fallback := Locale(config.Discord.Language)
	if !fallback.Valid() {
		fallback = DefaultLocale
	}

	reminderExt := &reminderExtension{
		discord:  disc,
		fallback: fallback,
		logger:   logger.With(loggerNameKey, reminderCommandName),

		reportError: k.reportError,
	}
	k.reminders = NewReminderStore(k.scheduler, reminderExt.deliver, logger)
	reminderExt.store = k.reminders

	votesExt := &votesExtension{
		discord:  disc,
		config:   config.Votes,
		fallback: fallback,
		logger:   logger.With(loggerNameKey, votesCommandName),

		reportError: k.reportError,
	}
	k.votes = NewVoteStore(
		k.scheduler,
		func(ctx context.Context, v Vote) {
			k.metrics.votesClosed.Inc()
			votesExt.finish(ctx, v)
		},
		logger,
	)
	votesExt.store = k.votes

	k.metrics.hookStores(k.reminders, k.votes)
	k.metrics.registerGauges(k)

	k.extensions = NewExtensionRegistry(logger)
	exts := []Extension{
		&pingExtension{discord: disc, fallback: fallback},
		reminderExt,
		votesExt,
	}
	if config.Discord.SentryDSN != "" {
		k.sentry = &sentryExtension{
			dsn:         config.Discord.SentryDSN,
			environment: environmentName(config),
			logger:      logger.With(loggerNameKey, sentryExtensionName),
		}
		exts = append(exts, k.sentry)
	}
	for _, ext := range exts {
		if regErr := k.extensions.Register(ext); regErr != nil {
			errs = append(errs, regErr)
		}
	}
	for _, name := range config.DisabledExtensions {
		if unloadErr := k.extensions.Unload(context.Background(), name); unloadErr != nil {
			logger.Warn("unable to disable extension", "extension", name, tint.Err(unloadErr))
			continue
		}
		if name == sentryExtensionName {
			k.sentry = nil
		}
	}

	k.housekeeping = newHousekeeping(logger)
	if pruneErr := k.housekeeping.addVotePruning(
		config.Votes.PruneSchedule,
		k.votes,
		config.Votes.Retention,
		func(n int) {
			k.metrics.votesPruned.Add(float64(n))
		},
	); pruneErr != nil {
		errs = append(errs, pruneErr)
	}
	if pruneErr := k.housekeeping.addLimiterPruning(
		limiterPruneSchedule,
		k.pruneLimiters,
	); pruneErr != nil {
		errs = append(errs, pruneErr)
	}

	if config.API.Enabled {
		api, apiErr := newAPI(
			k,
			config.API,
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.API.LogLevel,
					AddSource: true,
				},
			),
		)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		k.api = api
	}

	k.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     k.discord.session,
			interaction: i,
			logger: k.discord.logger.With(
				slog.Group("interaction", interactionLogAttrs(*i)...),
			),
		}
	}

	return k, errors.Join(errs...)
}

func environmentName(config *Config) string {
	if config.Development {
		return "development"
	}
	return "production"
}

// ValidateConfig checks struct tags, then the settings tags can't
// express
func ValidateConfig(config *Config) error {
	if err := structValidator.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if config.Votes != nil {
		if _, err := ParseDuration(config.Votes.DefaultDuration); err != nil {
			errs = append(errs, fmt.Errorf("invalid votes.default_duration: %w", err))
		}
	}
	if config.Discord.WebhookServer.Enabled && config.Discord.WebhookServer.PublicKey == "" {
		errs = append(errs, errors.New("discord.webhook_server.public_key is required"))
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(errs, fmt.Errorf("invalid database_type: %q", config.DatabaseType))
	}
	return errors.Join(errs...)
}

// Run connects to the database and discord, then blocks until ctx is
// cancelled, Stop is called, or one of the HTTP servers fails.
func (k *Kyrtizanka) Run(ctx context.Context) error {
	if !k.runMu.TryLock() {
		return errors.New("already running")
	}
	defer k.runMu.Unlock()

	if err := ValidateConfig(k.config); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.logger.InfoContext(
		ctx,
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"config", k.config,
	)

	go func() {
		select {
		case <-k.signalStop:
			k.logger.InfoContext(ctx, "got stop signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- k.initRun(startCtx)
	}()
	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			return err
		}
	}

	if err := k.initDiscordSession(ctx); err != nil {
		return errors.Join(err, k.shutdown(context.WithoutCancel(ctx), nil))
	}

	servers, serverCtx := errgroup.WithContext(ctx)
	if k.api != nil {
		servers.Go(
			func() error {
				return k.api.Serve(serverCtx)
			},
		)
	}
	if k.config.Discord.WebhookServer.Enabled {
		webhookServer, err := newWebhookServer(
			ctx,
			k,
			k.config.Discord.WebhookServer,
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     k.config.Discord.WebhookServer.LogLevel,
					AddSource: true,
				},
			),
		)
		if err != nil {
			cancel()
			return errors.Join(err, k.shutdown(context.WithoutCancel(ctx), servers))
		}
		k.discordWebhookServer = webhookServer
		servers.Go(
			func() error {
				return webhookServer.Serve(serverCtx)
			},
		)
	}

	k.housekeeping.start()

	if err := k.discord.session.Open(); err != nil {
		cancel()
		return errors.Join(
			fmt.Errorf("error opening discord session: %w", err),
			k.shutdown(context.WithoutCancel(ctx), servers),
		)
	}
	if _, err := k.RegisterSlashCommands(); err != nil {
		k.logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		k.reportError(err, map[string]string{"stage": "register_commands"})
	}

	select {
	case k.signalReady <- struct{}{}:
	default:
	}
	k.logger.InfoContext(ctx, "ready")

	select {
	case <-ctx.Done():
	case <-serverCtx.Done():
		k.logger.ErrorContext(ctx, "http server stopped unexpectedly")
	}
	return k.shutdown(context.WithoutCancel(ctx), servers)
}

// Stop signals Run to shut down
func (k *Kyrtizanka) Stop() {
	select {
	case k.signalStop <- struct{}{}:
	default:
	}
}

// RegisterSlashCommands overwrites the bot's application commands with
// those of the loaded extensions
func (k *Kyrtizanka) RegisterSlashCommands() ([]*discordgo.ApplicationCommand, error) {
	return k.discord.registerCommands(k.extensions.Commands())
}

// initRun connects to the database, creating the schema, and loads
// extensions
func (k *Kyrtizanka) initRun(ctx context.Context) error {
	if err := k.initDB(ctx); err != nil {
		return err
	}
	return k.extensions.LoadAll(ctx)
}

func (k *Kyrtizanka) initDB(ctx context.Context) error {
	if k.db == nil {
		handler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     k.config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		db, err := openDB(
			ctx,
			k.config.DatabaseType,
			k.config.Database,
			newGORMLogger(handler, k.config.DatabaseSlowThreshold),
		)
		if err != nil {
			return err
		}
		k.db = db
	}
	if err := migrateDB(ctx, k.db); err != nil {
		return err
	}
	k.writeDB = NewDatabase(k.db, k.logger, k.config.DatabaseType != dbTypeSQLite)
	return nil
}

func (k *Kyrtizanka) initDiscordSession(ctx context.Context) error {
	logger := k.logger.With(loggerNameKey, "discord_session")

	if k.discord.session == nil {
		disc, discErr := k.discord.newSession(k.config.HTTPClient)
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		k.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range k.discord.removeHandlers {
		h()
	}

	presence := k.discord.presence()
	k.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: k.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Game:   *presence.Activities[0],
				Status: presence.Status,
			},
		},
	)

	session := k.discord.session
	k.discord.removeHandlers = []func(){
		session.AddHandler(k.discord.handlerConnect()),
		session.AddHandler(k.discord.handlerDisconnect()),
		session.AddHandler(k.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := k.getInteractionHandlerFunc(ctx, i)
				k.runtimeWG.Add(1)
				go func() {
					defer k.runtimeWG.Done()
					k.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				k.runtimeWG.Add(1)
				go func() {
					defer k.runtimeWG.Done()
					k.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// shutdown stops the bot's components, waiting up to
// Config.ShutdownTimeout before force-closing the HTTP servers
func (k *Kyrtizanka) shutdown(ctx context.Context, servers *errgroup.Group) error {
	deadline := time.Now().Add(k.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(ctx, deadline)
	defer closeCancel()

	k.logger.InfoContext(ctx, "shutting down", "deadline", deadline)

	ticker := time.NewTicker(shutdownAnnounceInterval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		var errs []error

		// stop taking new events first, so no new handlers start
		if k.discord.session != nil {
			k.logger.InfoContext(ctx, "closing discord session")
			if err := k.discord.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
			}
			k.logger.InfoContext(
				ctx,
				fmt.Sprintf("removing %d discord handlers", len(k.discord.removeHandlers)),
			)
			for _, h := range k.discord.removeHandlers {
				h()
			}
			k.discord.removeHandlers = []func(){}
		}
		k.runtimeWG.Wait()

		stopWG := &sync.WaitGroup{}
		var errMu sync.Mutex
		addErr := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			k.scheduler.Stop()
		}()

		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			addErr(k.housekeeping.stop(closeCtx))
		}()

		if k.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				k.logger.InfoContext(ctx, "stopping http server")
				addErr(k.api.httpServer.Shutdown(closeCtx))
				k.logger.InfoContext(ctx, "http server stopped")
			}()
		}
		if k.discordWebhookServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				k.logger.InfoContext(ctx, "stopping webhook http server")
				addErr(k.discordWebhookServer.httpServer.Shutdown(closeCtx))
				k.logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}
		stopWG.Wait()

		if servers != nil {
			addErr(servers.Wait())
		}
		addErr(k.extensions.UnloadAll(closeCtx))

		if k.db != nil {
			if sqlDB, err := k.db.DB(); err == nil {
				addErr(sqlDB.Close())
			}
			k.db = nil
			k.writeDB = nil
		}
		done <- errors.Join(errs...)
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				k.logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
			} else {
				k.logger.InfoContext(ctx, "shutdown complete")
			}
			return err
		case <-ticker.C:
			k.logger.InfoContext(
				ctx,
				"waiting on shutdown",
				"remaining", time.Until(deadline).Round(time.Second),
			)
		case <-closeCtx.Done():
			k.logger.ErrorContext(ctx, "shutdown timed out, forcing close")
			var errs []error
			if k.api != nil {
				errs = append(errs, k.api.httpServer.Close())
			}
			if k.discordWebhookServer != nil {
				errs = append(errs, k.discordWebhookServer.httpServer.Close())
			}
			errs = append(errs, fmt.Errorf("shutdown timed out: %w", closeCtx.Err()))
			return errors.Join(errs...)
		}
	}
}

// allowInteraction applies the per-user rate limit
func (k *Kyrtizanka) allowInteraction(userID string) bool {
	cfg := k.config.Discord
	if cfg.RateLimit <= 0 {
		return true
	}
	k.limitersMu.Lock()
	limiter, ok := k.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
		k.limiters[userID] = limiter
	}
	k.limitersMu.Unlock()
	return limiter.Allow()
}

// pruneLimiters drops limiters whose bucket has refilled. A fresh limiter
// would behave the same, so nothing is lost.
func (k *Kyrtizanka) pruneLimiters() int {
	k.limitersMu.Lock()
	defer k.limitersMu.Unlock()
	pruned := 0
	for userID, limiter := range k.limiters {
		if limiter.Tokens() >= float64(limiter.Burst()) {
			delete(k.limiters, userID)
			pruned++
		}
	}
	return pruned
}

// handleInteraction logs and records the interaction, then hands it to
// the extension it belongs to
func (k *Kyrtizanka) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			k.handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction_id", i.ID)
		return
	}
	logger = logger.With(
		slog.Group(
			"user",
			"id", discordUser.ID,
			"username", discordUser.Username,
		),
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")
	k.metrics.interactions.WithLabelValues(i.Type.String()).Inc()

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if k.writeDB != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.recordInteraction(ctx, handler, discordUser)
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	locale := resolveLocale(i.Interaction, Locale(k.config.Discord.Language))

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	case discordgo.InteractionApplicationCommand, discordgo.InteractionMessageComponent:
	default:
		logger.WarnContext(ctx, "unsupported interaction type")
		return
	}

	if !k.allowInteraction(discordUser.ID) {
		k.metrics.interactionsLimited.Inc()
		logger.WarnContext(ctx, "user rate limited")
		_ = handler.Respond(ctx, ephemeralEmbed(errorEmbed(locale.T(msgErrRateLimited))))
		return
	}

	if !k.extensions.dispatchInteraction(ctx, handler) {
		logger.WarnContext(ctx, "no extension handled interaction")
		_ = handler.Respond(ctx, ephemeralEmbed(errorEmbed(locale.T(msgErrGeneric))))
	}
}

// recordInteraction upserts the user and saves the interaction log
func (k *Kyrtizanka) recordInteraction(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger := handler.Logger()
	if _, err := k.writeDB.UpsertUser(ctx, *u); err != nil {
		logger.ErrorContext(ctx, "error saving user", tint.Err(err))
		k.reportError(err, map[string]string{"stage": "upsert_user"})
	}

	interactionLog, err := newInteractionLog(handler.GetInteraction(), u, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
		return
	}
	if _, err = k.writeDB.Create(ctx, interactionLog); err != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(err))
	}
}

// handleDiscordMessage runs prefixed chat commands ("~ping")
func (k *Kyrtizanka) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	defer func() {
		if rc := recover(); rc != nil {
			k.handleRecover(ctx, rc)
		}
	}()

	if m.Author == nil || m.Author.Bot {
		return
	}
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = k.logger
	}
	logger = logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		slog.Group("user", "id", m.Author.ID, "username", m.Author.Username),
	)
	ctx = WithLogger(ctx, logger)

	if k.extensions.dispatchMessage(ctx, k.config.Discord.CommandPrefix, m) {
		logger.InfoContext(ctx, "handled message command")
	}
}

// handleRecover logs a recovered panic with its stack trace, and reports
// it to sentry if enabled
func (k *Kyrtizanka) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = k.logger
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", v, "stack_trace", stackTrace)
	}
	if k.sentry != nil {
		k.sentry.reportPanic(rc, nil)
	}
}

func (k *Kyrtizanka) reportError(err error, tags map[string]string) {
	if k.sentry != nil {
		k.sentry.captureError(err, tags)
	}
}

// Extensions returns the names of the loaded extensions
func (k *Kyrtizanka) Extensions() []string {
	return slices.Clone(k.extensions.Names())
}
