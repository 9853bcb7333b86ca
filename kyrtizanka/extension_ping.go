package kyrtizanka

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const pingCommandName = "ping"

type pingExtension struct {
	discord  *Discord
	fallback Locale
}

func (*pingExtension) Name() string {
	return pingCommandName
}

func (*pingExtension) Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        pingCommandName,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Check if the bot is alive",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.Russian: "Проверить, жив ли бот",
			},
		},
	}
}

func (e *pingExtension) HandleInteraction(ctx context.Context, handler InteractionHandler) bool {
	i := handler.GetInteraction()
	if i.Type != discordgo.InteractionApplicationCommand ||
		i.ApplicationCommandData().Name != pingCommandName {
		return false
	}
	locale := resolveLocale(i.Interaction, e.fallback)
	_ = handler.Respond(ctx, ephemeralContent(locale.T(msgPong)))
	return true
}

func (e *pingExtension) HandleMessageCommand(
	ctx context.Context,
	m *discordgo.MessageCreate,
	command string,
	_ string,
) bool {
	if command != pingCommandName {
		return false
	}
	_, err := e.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		e.fallback.T(msgPong),
		m.Reference(),
	)
	if err != nil {
		e.discord.logger.ErrorContext(ctx, "error replying to ping", tint.Err(err))
	}
	return true
}
