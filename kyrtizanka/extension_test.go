package kyrtizanka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExtension records the calls made to it
type recordingExtension struct {
	name      string
	command   string
	loadErr   error
	unloadErr error
	loaded    bool
	unloaded  bool
	order     *[]string
	handled   []string
	messages  []string
}

func (e *recordingExtension) Name() string {
	return e.name
}

func (e *recordingExtension) Commands() []*discordgo.ApplicationCommand {
	if e.command == "" {
		return nil
	}
	return []*discordgo.ApplicationCommand{{Name: e.command}}
}

func (e *recordingExtension) HandleInteraction(_ context.Context, handler InteractionHandler) bool {
	i := handler.GetInteraction()
	if i.Type != discordgo.InteractionApplicationCommand || i.ApplicationCommandData().Name != e.command {
		return false
	}
	e.handled = append(e.handled, i.ID)
	return true
}

func (e *recordingExtension) HandleMessageCommand(
	_ context.Context,
	_ *discordgo.MessageCreate,
	command string,
	args string,
) bool {
	if command != e.command {
		return false
	}
	e.messages = append(e.messages, args)
	return true
}

func (e *recordingExtension) Load(context.Context) error {
	e.loaded = true
	return e.loadErr
}

func (e *recordingExtension) Unload(context.Context) error {
	e.unloaded = true
	if e.order != nil {
		*e.order = append(*e.order, e.name)
	}
	return e.unloadErr
}

func TestExtensionRegistry_Register(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)

	require.NoError(t, r.Register(&recordingExtension{name: "a", command: "a"}))
	require.NoError(t, r.Register(&recordingExtension{name: "b"}))
	assert.Error(t, r.Register(&recordingExtension{name: "a"}))

	assert.Equal(t, []string{"a", "b"}, r.Names())
	ext, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", ext.Name())

	_, ok = r.Get("c")
	assert.False(t, ok)

	commands := r.Commands()
	require.Len(t, commands, 1)
	assert.Equal(t, "a", commands[0].Name)
}

func TestExtensionRegistry_Unload(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)
	ctx := context.Background()

	a := &recordingExtension{name: "a", command: "a"}
	require.NoError(t, r.Register(a))

	require.NoError(t, r.Unload(ctx, "a"))
	assert.True(t, a.unloaded)
	assert.Empty(t, r.Names())
	assert.Empty(t, r.Commands())

	assert.ErrorIs(t, r.Unload(ctx, "a"), ErrNotFound)
}

func TestExtensionRegistry_LoadAll(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)
	ctx := context.Background()

	loadErr := errors.New("no")
	a := &recordingExtension{name: "a"}
	b := &recordingExtension{name: "b", loadErr: loadErr}
	c := &recordingExtension{name: "c"}
	for _, e := range []*recordingExtension{a, b, c} {
		require.NoError(t, r.Register(e))
	}

	err := r.LoadAll(ctx)
	assert.ErrorIs(t, err, loadErr)
	assert.True(t, a.loaded)
	assert.True(t, b.loaded)
	assert.False(t, c.loaded)
}

func TestExtensionRegistry_UnloadAll(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)

	var order []string
	unloadErr := errors.New("stuck")
	for _, name := range []string{"a", "b", "c"} {
		e := &recordingExtension{name: name, order: &order}
		if name == "b" {
			e.unloadErr = unloadErr
		}
		require.NoError(t, r.Register(e))
	}

	err := r.UnloadAll(context.Background())
	assert.ErrorIs(t, err, unloadErr)
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Empty(t, r.Names())
}

func TestExtensionRegistry_DispatchInteraction(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)
	ctx := context.Background()
	u := newDiscordUser(t)

	a := &recordingExtension{name: "a", command: "a"}
	b := &recordingExtension{name: "b", command: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	handler := newStubInteractionHandler(t, newCommandInteraction(t, u, "b"))
	assert.True(t, r.dispatchInteraction(ctx, handler))
	assert.Empty(t, a.handled)
	assert.Len(t, b.handled, 1)

	handler = newStubInteractionHandler(t, newCommandInteraction(t, u, "nope"))
	assert.False(t, r.dispatchInteraction(ctx, handler))
}

func TestExtensionRegistry_DispatchMessage(t *testing.T) {
	t.Parallel()
	r := NewExtensionRegistry(nil)
	ctx := context.Background()

	e := &recordingExtension{name: "echo", command: "echo"}
	require.NoError(t, r.Register(e))

	tests := []struct {
		content string
		handled bool
		args    string
	}{
		{content: "~echo hello there", handled: true, args: "hello there"},
		{content: "~ECHO loud", handled: true, args: "loud"},
		{content: "  ~echo  ", handled: true, args: ""},
		{content: "echo hello", handled: false},
		{content: "~", handled: false},
		{content: "~other", handled: false},
	}

	for _, tc := range tests {
		e.messages = nil
		m := &discordgo.MessageCreate{Message: &discordgo.Message{Content: tc.content}}
		assert.Equal(t, tc.handled, r.dispatchMessage(ctx, "~", m), tc.content)
		if tc.handled {
			assert.Equal(t, []string{tc.args}, e.messages, tc.content)
		}
	}

	m := &discordgo.MessageCreate{Message: &discordgo.Message{Content: "~echo"}}
	assert.False(t, r.dispatchMessage(ctx, "", m))
}

func TestPingExtension(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t)
	ext := &pingExtension{discord: d, fallback: LocaleEnglish}
	ctx := context.Background()
	u := newDiscordUser(t)

	t.Run(
		"slash command", func(t *testing.T) {
			i := newCommandInteraction(t, u, pingCommandName)
			handler := newStubInteractionHandler(t, i)
			require.True(t, ext.HandleInteraction(ctx, handler))

			resp := <-handler.callRespond
			assert.Equal(t, "pong", resp.Data.Content)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
		},
	)

	t.Run(
		"russian client", func(t *testing.T) {
			i := newCommandInteraction(t, u, pingCommandName)
			i.Locale = discordgo.Russian
			handler := newStubInteractionHandler(t, i)
			require.True(t, ext.HandleInteraction(ctx, handler))

			resp := <-handler.callRespond
			assert.Equal(t, LocaleRussian.T(msgPong), resp.Data.Content)
		},
	)

	t.Run(
		"other command", func(t *testing.T) {
			handler := newStubInteractionHandler(t, newCommandInteraction(t, u, "other"))
			assert.False(t, ext.HandleInteraction(ctx, handler))
		},
	)

	t.Run(
		"message command", func(t *testing.T) {
			m := &discordgo.MessageCreate{
				Message: &discordgo.Message{
					ID:        "msg_" + t.Name(),
					ChannelID: "channel_" + t.Name(),
					GuildID:   "guild_" + t.Name(),
					Content:   "~ping",
					Author:    u,
				},
			}
			assert.True(t, ext.HandleMessageCommand(ctx, m, pingCommandName, ""))
			assert.False(t, ext.HandleMessageCommand(ctx, m, "pong", ""))

			select {
			case reply := <-session.callReply:
				assert.Equal(t, m.ChannelID, reply.ChannelID)
				assert.Equal(t, "pong", reply.Content)
				assert.Equal(t, m.ID, reply.MessageReference.MessageID)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for reply")
			}
		},
	)
}
