package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	votesCommandName     = "votes"
	votesOptionTitle     = "title"
	votesOptionChoices   = "choices"
	votesOptionDuration  = "duration"
	voteCustomIDPrefix   = "vote:"
	voteResultsCustomID  = "vote_results:"
	voteButtonEmoji      = "⬆️"
	discordMaxLabelRunes = 80
)

type votesExtension struct {
	store    *VoteStore
	discord  *Discord
	config   *VotesConfig
	fallback Locale
	logger   *slog.Logger

	// reportError is called with errors that can't be shown to a user
	reportError func(err error, tags map[string]string)

	editsMu sync.Mutex
	edits   map[string]*voteEdits
}

// voteEdits serializes edits of one vote's message. mu is held for the
// duration of an edit, so an older tally never lands after a newer one.
// pending is set while a refresh is queued but hasn't read the tally yet,
// and further refreshes fold into it.
type voteEdits struct {
	mu      sync.Mutex
	pending atomic.Bool
}

// voteEdits returns the edit state for voteID, creating it if needed
func (e *votesExtension) voteEdits(voteID string) *voteEdits {
	e.editsMu.Lock()
	defer e.editsMu.Unlock()
	if e.edits == nil {
		e.edits = map[string]*voteEdits{}
	}
	ve, ok := e.edits[voteID]
	if !ok {
		ve = &voteEdits{}
		e.edits[voteID] = ve
	}
	return ve
}

func (e *votesExtension) forgetEdits(voteID string) {
	e.editsMu.Lock()
	defer e.editsMu.Unlock()
	delete(e.edits, voteID)
}

func (e *votesExtension) report(err error, stage string, voteID string) {
	if e.reportError != nil {
		e.reportError(err, map[string]string{"stage": stage, "vote_id": voteID})
	}
}

func (*votesExtension) Name() string {
	return votesCommandName
}

func (*votesExtension) Commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        votesCommandName,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Start a vote",
			DescriptionLocalizations: &map[discordgo.Locale]string{
				discordgo.Russian: "Начать голосование",
			},
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        votesOptionTitle,
					Description: "What the vote is about",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: "Тема голосования",
					},
					Required: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        votesOptionChoices,
					Description: fmt.Sprintf("Comma separated choices (at most %d)", maxVoteChoices),
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: fmt.Sprintf("Варианты через запятую (не больше %d)", maxVoteChoices),
					},
					Required: true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        votesOptionDuration,
					Description: "How long the vote lasts (default 1d)",
					DescriptionLocalizations: map[discordgo.Locale]string{
						discordgo.Russian: "Длительность голосования (по умолчанию 1d)",
					},
				},
			},
		},
	}
}

func (e *votesExtension) HandleInteraction(ctx context.Context, handler InteractionHandler) bool {
	i := handler.GetInteraction()
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		if data.Name != votesCommandName {
			return false
		}
		_ = handler.Respond(ctx, e.start(ctx, i, data))
		return true
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		if voteID, ok := strings.CutPrefix(customID, voteResultsCustomID); ok {
			_ = handler.Respond(ctx, e.results(i, voteID))
			return true
		}
		if rest, ok := strings.CutPrefix(customID, voteCustomIDPrefix); ok {
			_ = handler.Respond(ctx, e.cast(ctx, i, rest))
			return true
		}
	}
	return false
}

// start creates the vote, posts it to the channel and starts its timer.
// The vote is discarded if it can't be posted.
func (e *votesExtension) start(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) *discordgo.InteractionResponse {
	locale := resolveLocale(i.Interaction, e.fallback)
	_, options := commandOptions(data)

	v, err := e.store.Create(
		optionString(options, votesOptionTitle, ""),
		optionString(options, votesOptionChoices, ""),
		optionString(options, votesOptionDuration, e.config.DefaultDuration),
		i.ChannelID,
		locale,
	)
	if err != nil {
		e.logger.InfoContext(ctx, "invalid vote", tint.Err(err))
		return ephemeralEmbed(errorEmbed(userErrorMessage(locale, err)))
	}

	msg, err := e.discord.session.ChannelMessageSendComplex(
		i.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{voteInProgressEmbed(v)},
			Components: voteComponents(v),
		},
	)
	if err != nil {
		e.logger.ErrorContext(ctx, "error posting vote", tint.Err(err), "vote", v)
		e.store.Discard(v.ID)
		return ephemeralEmbed(errorEmbed(locale.T(msgVotesPostFailed)))
	}

	if v, err = e.store.Start(v.ID, msg.ID); err != nil {
		e.logger.ErrorContext(ctx, "error starting vote", tint.Err(err), "vote", v)
		return ephemeralEmbed(errorEmbed(locale.T(msgErrGeneric)))
	}
	return ephemeralEmbed(infoEmbed(locale.T(msgVotesCreated), v.Title))
}

// cast records a button press. rest is the custom ID with the
// voteCustomIDPrefix removed ("<voteID>:<choiceIndex>").
func (e *votesExtension) cast(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	rest string,
) *discordgo.InteractionResponse {
	locale := resolveLocale(i.Interaction, e.fallback)
	user := getDiscordUser(i)
	voteID, idxText, _ := strings.Cut(rest, ":")
	choiceIndex, err := strconv.Atoi(idxText)
	if user == nil || err != nil {
		e.logger.WarnContext(ctx, "invalid vote button", "custom_id", voteCustomIDPrefix+rest)
		return ephemeralEmbed(errorEmbed(locale.T(msgVotesNotFound)))
	}

	if _, err = e.store.CastVote(voteID, user.ID, choiceIndex); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ephemeralEmbed(errorEmbed(locale.T(msgVotesNotFound)))
		}
		return ephemeralEmbed(errorEmbed(userErrorMessage(locale, err)))
	}

	e.queueRefresh(ctx, voteID)
	return ephemeralContent(locale.T(msgVotesVoted))
}

// queueRefresh updates the vote's message in the background. Only
// edits of the same vote wait for each other.
func (e *votesExtension) queueRefresh(ctx context.Context, voteID string) {
	ve := e.voteEdits(voteID)
	if ve.pending.Swap(true) {
		return
	}
	go func() {
		ve.mu.Lock()
		defer ve.mu.Unlock()
		ve.pending.Store(false)
		e.refresh(ctx, voteID)
	}()
}

// refresh edits the vote's message to show the current tally. Callers
// hold the vote's voteEdits.mu.
func (e *votesExtension) refresh(ctx context.Context, voteID string) {
	v, err := e.store.Results(voteID)
	if err != nil || v.Closed || v.MessageID == "" {
		return
	}
	embeds := []*discordgo.MessageEmbed{voteInProgressEmbed(v)}
	_, err = e.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:      v.MessageID,
			Channel: v.ChannelID,
			Embeds:  &embeds,
		},
	)
	if err != nil {
		e.logger.ErrorContext(ctx, "error updating vote message", tint.Err(err), "vote", v)
		e.report(err, "vote_refresh", v.ID)
	}
}

func (e *votesExtension) results(
	i *discordgo.InteractionCreate,
	voteID string,
) *discordgo.InteractionResponse {
	locale := resolveLocale(i.Interaction, e.fallback)
	v, err := e.store.Results(voteID)
	if err != nil {
		return ephemeralEmbed(errorEmbed(locale.T(msgVotesNotFound)))
	}
	return ephemeralContent(renderVoteResults(locale, v))
}

// finish replaces the vote's message with the final tally, removing
// its buttons
func (e *votesExtension) finish(ctx context.Context, v Vote) {
	if v.MessageID == "" {
		return
	}
	ve := e.voteEdits(v.ID)
	ve.mu.Lock()
	defer func() {
		ve.mu.Unlock()
		e.forgetEdits(v.ID)
	}()

	session := e.discord.session
	if session == nil {
		e.logger.ErrorContext(ctx, "no discord session, can't show vote results", "vote", v)
		return
	}

	embeds := []*discordgo.MessageEmbed{voteEndedEmbed(v)}
	components := []discordgo.MessageComponent{}
	_, err := session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         v.MessageID,
			Channel:    v.ChannelID,
			Embeds:     &embeds,
			Components: &components,
		},
	)
	if err != nil {
		e.logger.ErrorContext(ctx, "error posting vote results", tint.Err(err), "vote", v)
		e.report(err, "vote_results", v.ID)
	}
}

// renderVoteStats renders one "name: count" line per choice
func renderVoteStats(v Vote) string {
	var b strings.Builder
	for _, c := range v.Choices {
		b.WriteString(v.Locale.T(msgVotesInfo, c.Name, len(c.Voters)))
		b.WriteString("\n")
	}
	return b.String()
}

// voterMentions renders the choice's voters as mentions, or a
// placeholder if nobody voted for it
func voterMentions(locale Locale, c Choice) string {
	if len(c.Voters) == 0 {
		return "`" + locale.T(msgVotesNobody) + "`"
	}
	mentions := make([]string, len(c.Voters))
	for i, voter := range c.Voters {
		mentions[i] = mention(voter)
	}
	return strings.Join(mentions, " ")
}

// renderVoteResults lists who voted for each choice
func renderVoteResults(locale Locale, v Vote) string {
	var b strings.Builder
	for _, c := range v.Choices {
		fmt.Fprintf(&b, "**%s** %s\n", c.Name, voterMentions(locale, c))
	}
	return shortenString(b.String(), discordMaxMessageLength)
}

// renderVoteTally is the final tally, with the vote count and voters
// for each choice
func renderVoteTally(v Vote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "__%s__\n", v.Title)
	for _, c := range v.Choices {
		fmt.Fprintf(&b, "**%s** `%d`\n", c.Name, len(c.Voters))
		b.WriteString(voterMentions(v.Locale, c))
		b.WriteString("\n")
	}
	return b.String()
}

func voteInProgressEmbed(v Vote) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: v.Locale.T(msgVotesInProgress),
		Description: shortenString(
			fmt.Sprintf("__%s__\n%s", v.Title, renderVoteStats(v)),
			discordMaxEmbedDescriptionLength,
		),
		Color: colorInfo,
		Footer: &discordgo.MessageEmbedFooter{
			Text: v.Locale.T(msgVotesStartedAt, footerTime(v.StartedAt)),
		},
	}
}

func voteEndedEmbed(v Vote) *discordgo.MessageEmbed {
	footer := v.Locale.T(msgVotesStartedAt, footerTime(v.StartedAt))
	if v.EndedAt != nil {
		footer += "\n" + v.Locale.T(msgVotesEndedAt, footerTime(*v.EndedAt))
	}
	return &discordgo.MessageEmbed{
		Title:       v.Locale.T(msgVotesEnded),
		Description: shortenString(renderVoteTally(v), discordMaxEmbedDescriptionLength),
		Color:       colorInfo,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
	}
}

// voteComponents builds one button per choice, followed by the "see
// results" button, in rows of five
func voteComponents(v Vote) []discordgo.MessageComponent {
	buttons := make([]discordgo.MessageComponent, 0, len(v.Choices)+1)
	for i, c := range v.Choices {
		buttons = append(
			buttons, discordgo.Button{
				Label:    truncate(c.Name, discordMaxLabelRunes),
				Style:    discordgo.PrimaryButton,
				CustomID: fmt.Sprintf("%s%s:%d", voteCustomIDPrefix, v.ID, i),
				Emoji:    &discordgo.ComponentEmoji{Name: voteButtonEmoji},
			},
		)
	}
	buttons = append(
		buttons, discordgo.Button{
			Label:    v.Locale.T(msgVotesSeeResults),
			Style:    discordgo.SecondaryButton,
			CustomID: voteResultsCustomID + v.ID,
		},
	)

	rows := chunkItems(discordMaxButtonsPerActionRow, buttons...)
	components := make([]discordgo.MessageComponent, 0, discordMaxActionRows)
	for _, row := range rows {
		components = append(components, discordgo.ActionsRow{Components: row})
	}
	return components
}
