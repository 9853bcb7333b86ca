package kyrtizanka

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/getsentry/sentry-go"
)

const (
	sentryExtensionName = "sentry"
	sentryFlushTimeout  = 2 * time.Second
)

// sentryExtension reports recovered panics, handler errors, and failed
// reminder deliveries and vote message edits to sentry.
// It's only registered when a DSN is configured.
type sentryExtension struct {
	dsn         string
	environment string
	logger      *slog.Logger
	hub         atomic.Pointer[sentry.Hub]
}

func (*sentryExtension) Name() string {
	return sentryExtensionName
}

func (*sentryExtension) Commands() []*discordgo.ApplicationCommand {
	return nil
}

func (*sentryExtension) HandleInteraction(context.Context, InteractionHandler) bool {
	return false
}

func (e *sentryExtension) Load(_ context.Context) error {
	client, err := sentry.NewClient(
		sentry.ClientOptions{
			Dsn:         e.dsn,
			Release:     fmt.Sprintf("kyrtizanka@%s", Version),
			Environment: e.environment,
		},
	)
	if err != nil {
		return fmt.Errorf("error initializing sentry: %w", err)
	}
	e.hub.Store(sentry.NewHub(client, sentry.NewScope()))
	return nil
}

func (e *sentryExtension) Unload(_ context.Context) error {
	hub := e.hub.Swap(nil)
	if hub == nil {
		return nil
	}
	if !hub.Flush(sentryFlushTimeout) {
		e.logger.Warn("timed out flushing sentry events")
	}
	return nil
}

// reportPanic reports a recovered panic value
func (e *sentryExtension) reportPanic(rc any, tags map[string]string) {
	current := e.hub.Load()
	if current == nil {
		return
	}
	hub := current.Clone()
	hub.WithScope(
		func(scope *sentry.Scope) {
			scope.SetTags(tags)
			hub.Recover(rc)
		},
	)
}

// captureError reports err, unless sentry isn't loaded
func (e *sentryExtension) captureError(err error, tags map[string]string) {
	current := e.hub.Load()
	if current == nil || err == nil {
		return
	}
	hub := current.Clone()
	hub.WithScope(
		func(scope *sentry.Scope) {
			scope.SetTags(tags)
			hub.CaptureException(err)
		},
	)
}
