package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck     = "/healthz"
	apiMetrics         = "/metrics"
	pprofPrefix        = "/debug/pprof"
	apiPrefix          = "/api"
	apiPathExtensions  = "/extensions"
	apiPathReminders   = "/reminders"
	apiPathVotes       = "/votes"
	apiPathVote        = "/votes/:id"
	apiQueryOwner      = "owner"
	apiQueryMaxResults = "limit"
)

const xRequestIDHeader = "X-Request-ID"

// API is a read-only HTTP API reporting on the bot's state, and serving
// prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	bot        *Kyrtizanka
}

// newAPI sets up the gin engine and routes, without listening
func newAPI(k *Kyrtizanka, config *APIConfig, handler slog.Handler) (*API, error) {
	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		bot:    k,
		logger: slog.New(handler).With(loggerNameKey, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(handler, slog.LevelError),
	}
	if config.SSL.Cert != "" {
		tlsCfg, err := tlsConfig(config.SSL)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if !k.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiMetrics, gin.WrapH(k.metrics.handler()))
	if k.config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	g := r.Group(apiPrefix)
	g.GET(apiPathExtensions, api.getExtensions)
	g.GET(apiPathReminders, api.getReminders)
	g.GET(apiPathVotes, api.getVotes)
	g.GET(apiPathVote, api.getVote)

	return api, nil
}

// Serve listens on the configured address, serving until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())

	var err error
	if a.httpServer.TLSConfig != nil {
		err = a.httpServer.ServeTLS(a.listener, "", "")
	} else {
		a.logger.WarnContext(ctx, "starting server without TLS")
		err = a.httpServer.Serve(a.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Connected bool   `json:"connected"`
	Reminders int    `json:"reminders"`
	Votes     int    `json:"votes"`
	Tasks     int    `json:"scheduled_tasks"`
}

func (a *API) healthCheck(c *gin.Context) {
	k := a.bot
	c.JSON(
		http.StatusOK, healthStatus{
			Status:    "ok",
			Version:   Version,
			Connected: k.discord.connected.Load(),
			Reminders: k.reminders.Len(),
			Votes:     k.votes.Len(),
			Tasks:     k.scheduler.Pending(),
		},
	)
}

func (a *API) getExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.extensions.Names())
}

// getReminders lists pending reminders, optionally filtered with
// ?owner=<user id>
func (a *API) getReminders(c *gin.Context) {
	var reminders []Reminder
	if owner := c.Query(apiQueryOwner); owner != "" {
		reminders = a.bot.reminders.List(owner)
	} else {
		reminders = a.bot.reminders.All()
	}
	if reminders == nil {
		reminders = []Reminder{}
	}

	limit, err := queryLimit(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if limit > 0 && len(reminders) > limit {
		reminders = reminders[:limit]
	}
	c.JSON(http.StatusOK, reminders)
}

func (a *API) getVotes(c *gin.Context) {
	votes := a.bot.votes.List()
	limit, err := queryLimit(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if limit > 0 && len(votes) > limit {
		votes = votes[:limit]
	}
	c.JSON(http.StatusOK, votes)
}

func (a *API) getVote(c *gin.Context) {
	v, err := a.bot.votes.Results(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "vote not found"})
			return
		}
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, v)
}

func queryLimit(c *gin.Context) (int, error) {
	s := c.Query(apiQueryMaxResults)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", apiQueryMaxResults, s)
	}
	return n, nil
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, setting it in the gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.New(errs.String())),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
