package kyrtizanka

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	discordMaxButtonsPerActionRow = 5

	// discordMaxActionRows is the most action rows a message can have
	discordMaxActionRows = 5

	discordMaxEmbedDescriptionLength = 4096
)

// Discord manages the discord session, registers commands and
// tracks the gateway connection state.
type Discord struct {
	session        DiscordSessionHandler
	config         *DiscordConfig
	logger         *slog.Logger
	publicKey      ed25519.PublicKey
	connected      atomic.Bool
	removeHandlers []func()
	metrics        *botMetrics
}

// newDiscord decodes the webhook public key, if one is configured. The
// session itself is created by newSession.
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:         config,
		logger:         slog.Default().With(loggerNameKey, "discord"),
		removeHandlers: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length: %d (expected %d)",
				len(publicKey), ed25519.PublicKeySize,
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates the discordgo session. Its log level is left at
// debug: discordgo.Logger forwards to a handler filtered by
// DiscordGoLogLevel, which can be changed while running.
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.LogLevel = discordgo.LogDebug
	if httpClient != nil {
		disc.Client = httpClient
	}
	return DiscordSession{
		Session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session"),
	}, nil
}

// presence is shown as "Playing <game> | <version>"
func (d *Discord) presence() discordgo.UpdateStatusData {
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name: fmt.Sprintf("%s | %s", d.config.Game, Version),
				Type: discordgo.ActivityTypeGame,
			},
		},
	}
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		if d.metrics != nil {
			d.metrics.gatewayConnects.Inc()
		}
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if err := d.session.UpdateStatusComplex(d.presence()); err != nil {
			d.logger.Error("error updating presence", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		if d.metrics != nil {
			d.metrics.gatewayDisconnects.Inc()
		}
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the given commands to the discord bulk overwrite
// endpoint, for the configured guild (or globally, if no guild is set).
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands registered")
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// DiscordSessionHandler is the subset of [discordgo.Session] the bot
// uses. Tests swap in a mock.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()

	// SetIdentify sets the intents and presence sent when connecting to
	// the gateway
	SetIdentify(discordgo.Identify)
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageSendReply replies to a chat message (~ commands)
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex posts reminders and vote messages
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex updates vote tallies
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession is the live [DiscordSessionHandler]. Everything but
// message sends/edits (which are logged) goes straight to the embedded
// session.
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("message not sent", tint.Err(err), "channel_id", channelID)
		return nil, err
	}
	d.logger.Debug("message sent", "channel_id", channelID, "message_id", msg.ID)
	return msg, nil
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.Session.ChannelMessageEditComplex(m, options...)
	if err != nil {
		d.logger.Error(
			"message not edited",
			tint.Err(err),
			"channel_id", m.Channel,
			"message_id", m.ID,
		)
		return nil, err
	}
	return msg, nil
}

// SetIdentify keeps the token and client properties discordgo.New set
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.Identify.Intents = i.Intents
	d.Identify.Presence = i.Presence
}

// getDiscordUser returns the invoking user. In guilds it's only set on
// the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}
