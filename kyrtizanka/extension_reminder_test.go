package kyrtizanka

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReminderExtension(t testing.TB) (*reminderExtension, *mockDiscordSession) {
	t.Helper()
	d, session := newTestDiscord(t)
	ext := &reminderExtension{
		discord:  d,
		fallback: LocaleEnglish,
		logger:   d.logger,
	}
	scheduler := NewScheduler(nil)
	t.Cleanup(scheduler.Stop)
	ext.store = NewReminderStore(scheduler, ext.deliver, nil)
	return ext, session
}

func reminderCommand(
	t testing.TB,
	u *discordgo.User,
	subcommand string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return newCommandInteraction(
		t, u, reminderCommandName,
		subcommandOption(subcommand, options...),
	)
}

func respond(
	t testing.TB,
	ext Extension,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	t.Helper()
	handler := newStubInteractionHandler(t, i)
	require.True(t, ext.HandleInteraction(context.Background(), handler))
	select {
	case resp := <-handler.callRespond:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestReminderExtension_Create(t *testing.T) {
	t.Parallel()
	ext, _ := newTestReminderExtension(t)
	u := newDiscordUser(t)

	resp := respond(
		t, ext, reminderCommand(
			t, u, reminderSubcommandCreate,
			stringOption(reminderOptionDuration, "1h"),
			stringOption(reminderOptionText, "stretch"),
		),
	)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "Reminder created", embed.Title)
	assert.Equal(t, "stretch", embed.Description)
	assert.Equal(t, colorInfo, embed.Color)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "id: 1", embed.Fields[0].Name)
	assert.Contains(t, embed.Fields[0].Value, "from now")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)

	reminders := ext.store.List(u.ID)
	require.Len(t, reminders, 1)
	assert.Equal(t, "stretch", reminders[0].Text)
	assert.Contains(t, embed.Fields[0].Value, reminders[0].DisplayTime)
}

func TestReminderExtension_CreateInvalid(t *testing.T) {
	t.Parallel()
	ext, _ := newTestReminderExtension(t)
	u := newDiscordUser(t)

	tests := []struct {
		name     string
		duration string
		text     string
		want     string
	}{
		{name: "bad duration", duration: "tomorrow", text: "x", want: "Unknown duration format"},
		{name: "empty text", duration: "1h", text: "   ", want: "The reminder text can't be empty"},
	}
	for _, tc := range tests {
		resp := respond(
			t, ext, reminderCommand(
				t, u, reminderSubcommandCreate,
				stringOption(reminderOptionDuration, tc.duration),
				stringOption(reminderOptionText, tc.text),
			),
		)
		require.Len(t, resp.Data.Embeds, 1, tc.name)
		assert.Equal(t, tc.want, resp.Data.Embeds[0].Title, tc.name)
		assert.Equal(t, colorError, resp.Data.Embeds[0].Color, tc.name)
	}
	assert.Equal(t, 0, ext.store.Len())
}

func TestReminderExtension_List(t *testing.T) {
	t.Parallel()
	ext, _ := newTestReminderExtension(t)
	u := newDiscordUser(t)
	ctx := context.Background()

	resp := respond(t, ext, reminderCommand(t, u, reminderSubcommandList))
	assert.Equal(t, "You don't have any reminders", resp.Data.Embeds[0].Title)

	_, err := ext.store.Create(ctx, u.ID, "c1", "first", "1h", LocaleEnglish)
	require.NoError(t, err)
	_, err = ext.store.Create(ctx, u.ID, "c1", "second", "2h", LocaleEnglish)
	require.NoError(t, err)
	_, err = ext.store.Create(ctx, "someone_else", "c1", "theirs", "2h", LocaleEnglish)
	require.NoError(t, err)

	resp = respond(t, ext, reminderCommand(t, u, reminderSubcommandList))
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "Your reminders", embed.Title)
	assert.Contains(t, embed.Description, "first")
	assert.Contains(t, embed.Description, "second")
	assert.NotContains(t, embed.Description, "theirs")
}

func TestReminderExtension_Remove(t *testing.T) {
	t.Parallel()
	ext, _ := newTestReminderExtension(t)
	u := newDiscordUser(t)
	ctx := context.Background()

	mine, err := ext.store.Create(ctx, u.ID, "c1", "mine", "1h", LocaleEnglish)
	require.NoError(t, err)
	theirs, err := ext.store.Create(ctx, "someone_else", "c1", "theirs", "1h", LocaleEnglish)
	require.NoError(t, err)

	resp := respond(
		t, ext, reminderCommand(
			t, u, reminderSubcommandRemove,
			intOption(reminderOptionID, int(theirs.ID)),
		),
	)
	assert.Equal(t, "That's not your reminder", resp.Data.Embeds[0].Title)

	resp = respond(
		t, ext, reminderCommand(
			t, u, reminderSubcommandRemove,
			intOption(reminderOptionID, 99),
		),
	)
	assert.Equal(t, "Can't find that reminder", resp.Data.Embeds[0].Title)

	resp = respond(
		t, ext, reminderCommand(
			t, u, reminderSubcommandRemove,
			intOption(reminderOptionID, int(mine.ID)),
		),
	)
	assert.Equal(t, "Reminder 1 removed", resp.Data.Embeds[0].Title)
	assert.Empty(t, ext.store.List(u.ID))
	assert.Len(t, ext.store.List("someone_else"), 1)
}

func TestReminderExtension_Deliver(t *testing.T) {
	t.Parallel()
	ext, session := newTestReminderExtension(t)
	u := newDiscordUser(t)

	resp := respond(
		t, ext, reminderCommand(
			t, u, reminderSubcommandCreate,
			stringOption(reminderOptionDuration, "1s"),
			stringOption(reminderOptionText, "take out the trash"),
		),
	)
	require.Equal(t, "Reminder created", resp.Data.Embeds[0].Title)

	select {
	case sent := <-session.callSend:
		assert.Equal(t, "channel_"+t.Name(), sent.ChannelID)
		assert.Equal(t, mention(u.ID), sent.Data.Content)
		require.Len(t, sent.Data.Embeds, 1)
		assert.Equal(t, "Reminder", sent.Data.Embeds[0].Title)
		assert.Equal(t, "take out the trash", sent.Data.Embeds[0].Description)
		require.NotNil(t, sent.Data.AllowedMentions)
		assert.Equal(t, []string{u.ID}, sent.Data.AllowedMentions.Users)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reminder")
	}
	assert.Equal(t, 0, ext.store.Len())
}

func TestReminderMessage_Locale(t *testing.T) {
	t.Parallel()
	r := Reminder{
		ID:     1,
		Owner:  "u1",
		Text:   strings.Repeat("a", 10),
		Locale: LocaleRussian,
	}
	msg := reminderMessage(r)
	assert.Equal(t, LocaleRussian.T(msgReminderRemind), msg.Embeds[0].Title)
	assert.Equal(t, "<@u1>", msg.Content)
}

func TestReminderExtension_DeliverReportsErrors(t *testing.T) {
	t.Parallel()
	ext, session := newTestReminderExtension(t)
	var reported []map[string]string
	ext.reportError = func(err error, tags map[string]string) {
		assert.Error(t, err)
		reported = append(reported, tags)
	}

	r := Reminder{ID: 7, Owner: "u1", ChannelID: "c1", Text: "stretch", Locale: LocaleEnglish}
	ext.deliver(context.Background(), r)
	waitForSend(t, session)
	assert.Empty(t, reported)

	session.mu.Lock()
	session.sendErr = errors.New("missing access")
	session.mu.Unlock()

	ext.deliver(context.Background(), r)
	require.Len(t, reported, 1)
	assert.Equal(t, map[string]string{"stage": "reminder_delivery", "reminder_id": "7"}, reported[0])
}
