package kyrtizanka

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiDiscordInteractions = "/api/discord_webhook"

	// webhookMaxBodySize is well above the largest interaction payload
	webhookMaxBodySize = 1 << 20
)

// DiscordWebhookServer receives interactions as signed HTTP POST
// requests, as an alternative to the gateway
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, d.config.ListenNetwork, d.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", d.config.Listen, err)
		}
		d.listener = ln
	}
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.listener.Addr().String())

	var err error
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS")
		err = d.httpServer.Serve(d.listener)
	} else {
		err = d.httpServer.ServeTLS(d.listener, "", "")
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newWebhookServer builds the gin engine and http.Server for receiving
// interactions. Signature checks run before any handler.
func newWebhookServer(
	ctx context.Context,
	k *Kyrtizanka,
	config DiscordWebhookServerConfig,
	handler slog.Handler,
) (*DiscordWebhookServer, error) {
	if len(k.discord.publicKey) == 0 {
		return nil, errors.New("webhook server requires a public key")
	}

	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: slog.New(handler).With(loggerNameKey, "discord_webhook"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(handler, slog.LevelError),
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if !k.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(server.logger),
		discordRequestAuthenticationMiddleware(k.discord.publicKey, server.logger),
	)

	r.POST(apiDiscordInteractions, webhookReceiveHandler(ctx, k, server.logger))
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body, later calls
// go through the session.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions
func webhookReceiveHandler(ctx context.Context, k *Kyrtizanka, base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c, base)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookMaxBodySize))
		if err != nil {
			logger.ErrorContext(runCtx, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "invalid interaction payload", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid interaction payload"})
			return
		}
		i := &interaction
		if i.Type == discordgo.InteractionPing {
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			)
			return
		}

		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: k.getInteractionHandlerFunc(runCtx, i),
		}
		k.handleInteraction(runCtx, handler)
		if !c.Writer.Written() {
			c.Status(http.StatusNoContent)
		}
	}
}

// discordRequestAuthenticationMiddleware rejects requests that aren't
// signed by discord.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(
	publicKey ed25519.PublicKey,
	base *slog.Logger,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !discordgo.VerifyInteraction(c.Request, publicKey) {
			ginContextLogger(c, base).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "invalid signature"},
			)
			return
		}
		c.Next()
	}
}
