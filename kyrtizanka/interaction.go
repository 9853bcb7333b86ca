package kyrtizanka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorError = 0xFF0000
	colorInfo  = 0x0000CC
)

// InteractionHandler answers a single interaction. Gateway interactions
// are answered through the session, webhook interactions in the HTTP
// response body.
type InteractionHandler interface {
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error
	GetInteraction() *discordgo.InteractionCreate
	InteractionReceiveMethod() DiscordInteractionReceiveMethod
	Logger() *slog.Logger
}

// GatewayHandler answers interactions received over the gateway
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (g GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	if err := g.session.InteractionRespond(g.interaction.Interaction, response); err != nil {
		g.logger.ErrorContext(ctx, "interaction response failed", tint.Err(err))
		return err
	}
	g.logger.DebugContext(ctx, "interaction answered", "response_type", response.Type)
	return nil
}

func (g GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return g.interaction
}

func (g GatewayHandler) Logger() *slog.Logger {
	return g.logger
}

// InteractionLog records every interaction received, along with its
// raw payload.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	SerialID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"index;not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Locale        string                          `json:"locale" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Locale:        string(i.Locale),
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		interactionLog.Command = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		interactionLog.Command = i.MessageComponentData().CustomID
	}
	return interactionLog, nil
}

// ephemeralEmbed builds a response only visible to the user who
// triggered the interaction
func ephemeralEmbed(embeds ...*discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:  discordgo.MessageFlagsEphemeral,
			Embeds: embeds,
		},
	}
}

func ephemeralContent(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:   discordgo.MessageFlagsEphemeral,
			Content: content,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{},
			},
		},
	}
}

func errorEmbed(title string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{Title: title, Color: colorError}
}

func infoEmbed(title string, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       colorInfo,
	}
}

// userErrorMessage maps errors users can cause to the message shown to
// them. Anything unrecognized gets a generic apology.
func userErrorMessage(locale Locale, err error) string {
	switch {
	case errors.Is(err, ErrInvalidDuration):
		return locale.T(msgErrUnknownDuration)
	case errors.Is(err, ErrTooManyChoices):
		return locale.T(msgVotesTooMany, maxVoteChoices)
	case errors.Is(err, ErrEmptyChoice):
		return locale.T(msgVotesEmptyChoice)
	case errors.Is(err, ErrEmptyText):
		return locale.T(msgReminderEmptyText)
	case errors.Is(err, ErrVoteClosed):
		return locale.T(msgVotesClosed)
	default:
		return locale.T(msgErrGeneric)
	}
}
