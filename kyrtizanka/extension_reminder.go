package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
)

const (
	reminderCommandName      = "reminder"
	reminderSubcommandCreate = "create"
	reminderSubcommandList   = "list"
	reminderSubcommandRemove = "remove"
	reminderOptionText       = "text"
	reminderOptionDuration   = "duration"
	reminderOptionID         = "id"
)

type reminderExtension struct {
	store    *ReminderStore
	discord  *Discord
	fallback Locale
	logger   *slog.Logger

	// reportError is called with errors that can't be shown to a user
	reportError func(err error, tags map[string]string)
}

func (*reminderExtension) Name() string {
	return reminderCommandName
}

func (*reminderExtension) Commands() []*discordgo.ApplicationCommand {
	minID := 1.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        reminderCommandName,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Manage your reminders",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.Russian: "Управление напоминаниями",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        reminderSubcommandCreate,
					Description: "Create a reminder",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: "Создать напоминание",
					},
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        reminderOptionDuration,
							Description: "When to remind you (ex: 1d, 2h30m, 1w 2d)",
							DescriptionLocalizations: map[discordgo.Locale]string{
								discordgo.Russian: "Когда напомнить (например: 1d, 2h30m, 1w 2d)",
							},
							Required: true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        reminderOptionText,
							Description: "What to remind you of",
							DescriptionLocalizations: map[discordgo.Locale]string{
								discordgo.Russian: "О чём напомнить",
							},
							Required: true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        reminderSubcommandList,
					Description: "List your reminders",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: "Список ваших напоминаний",
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        reminderSubcommandRemove,
					Description: "Remove a reminder",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: "Удалить напоминание",
					},
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        reminderOptionID,
							Description: "Reminder ID, from /reminder list",
							DescriptionLocalizations: map[discordgo.Locale]string{
								discordgo.Russian: "ID напоминания из /reminder list",
							},
							Required: true,
							MinValue: &minID,
						},
					},
				},
			},
		},
	}
}

func (e *reminderExtension) HandleInteraction(ctx context.Context, handler InteractionHandler) bool {
	i := handler.GetInteraction()
	if i.Type != discordgo.InteractionApplicationCommand {
		return false
	}
	data := i.ApplicationCommandData()
	if data.Name != reminderCommandName {
		return false
	}
	user := getDiscordUser(i)
	if user == nil {
		return false
	}

	locale := resolveLocale(i.Interaction, e.fallback)
	subcommand, options := commandOptions(data)

	var resp *discordgo.InteractionResponse
	switch subcommand {
	case reminderSubcommandCreate:
		resp = e.create(ctx, locale, user.ID, i.ChannelID, options)
	case reminderSubcommandList:
		resp = e.list(locale, user.ID)
	case reminderSubcommandRemove:
		resp = e.remove(ctx, locale, user.ID, options)
	default:
		handler.Logger().WarnContext(ctx, "unknown reminder subcommand", "subcommand", subcommand)
		resp = ephemeralEmbed(errorEmbed(locale.T(msgErrGeneric)))
	}
	_ = handler.Respond(ctx, resp)
	return true
}

func (e *reminderExtension) create(
	ctx context.Context,
	locale Locale,
	userID string,
	channelID string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionResponse {
	r, err := e.store.Create(
		ctx,
		userID,
		channelID,
		optionString(options, reminderOptionText, ""),
		optionString(options, reminderOptionDuration, ""),
		locale,
	)
	if err != nil {
		e.logger.InfoContext(ctx, "invalid reminder", tint.Err(err))
		return ephemeralEmbed(errorEmbed(userErrorMessage(locale, err)))
	}
	return ephemeralEmbed(reminderCreatedEmbed(locale, r))
}

func (e *reminderExtension) list(locale Locale, userID string) *discordgo.InteractionResponse {
	reminders := e.store.List(userID)
	if len(reminders) == 0 {
		return ephemeralEmbed(infoEmbed(locale.T(msgReminderNoReminders), ""))
	}
	return ephemeralEmbed(
		infoEmbed(
			locale.T(msgReminderListTitle),
			shortenString(renderReminderList(reminders), discordMaxEmbedDescriptionLength),
		),
	)
}

func (e *reminderExtension) remove(
	ctx context.Context,
	locale Locale,
	userID string,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionResponse {
	opt, ok := options[reminderOptionID]
	if !ok || opt.Type != discordgo.ApplicationCommandOptionInteger || opt.IntValue() < 1 {
		return ephemeralEmbed(errorEmbed(locale.T(msgReminderCantFind)))
	}
	id := uint(opt.IntValue())

	_, err := e.store.Remove(userID, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return ephemeralEmbed(errorEmbed(locale.T(msgReminderCantFind)))
	case errors.Is(err, ErrNotOwner):
		e.logger.WarnContext(ctx, "user tried to remove another user's reminder", "user_id", userID, "id", id)
		return ephemeralEmbed(errorEmbed(locale.T(msgReminderNotYours)))
	case err != nil:
		return ephemeralEmbed(errorEmbed(locale.T(msgErrGeneric)))
	}
	return ephemeralEmbed(infoEmbed(locale.T(msgReminderRemoved, id), ""))
}

// deliver posts a fired reminder to the channel it was created in,
// mentioning its owner
func (e *reminderExtension) deliver(ctx context.Context, r Reminder) {
	session := e.discord.session
	if session == nil {
		e.logger.ErrorContext(ctx, "no discord session, dropping reminder", "reminder", r)
		return
	}
	_, err := session.ChannelMessageSendComplex(r.ChannelID, reminderMessage(r))
	if err != nil {
		e.logger.ErrorContext(ctx, "error delivering reminder", tint.Err(err), "reminder", r)
		if e.reportError != nil {
			e.reportError(
				err,
				map[string]string{"stage": "reminder_delivery", "reminder_id": fmt.Sprint(r.ID)},
			)
		}
	}
}

func reminderCreatedEmbed(locale Locale, r Reminder) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       locale.T(msgReminderCreated),
		Description: r.Text,
		Color:       colorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  fmt.Sprintf("id: %d", r.ID),
				Value: locale.T(msgReminderFires, humanize.RelTime(r.FireAt, r.CreatedAt, "ago", "from now")) + "\n" + r.DisplayTime,
			},
		},
	}
}

func reminderMessage(r Reminder) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: mention(r.Owner),
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       r.Locale.T(msgReminderRemind),
				Description: r.Text,
				Color:       colorInfo,
			},
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: []string{r.Owner},
		},
	}
}
