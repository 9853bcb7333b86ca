package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Extension is a bot feature, contributing slash commands and handling
// the interactions they produce.
type Extension interface {
	// Name identifies the extension in `disabled_extensions`
	Name() string

	// Commands are registered with discord on startup
	Commands() []*discordgo.ApplicationCommand

	// HandleInteraction returns false if the interaction doesn't belong
	// to this extension
	HandleInteraction(ctx context.Context, handler InteractionHandler) bool
}

// MessageCommandHandler is implemented by extensions which also respond
// to prefixed chat messages (ex: "~ping"). command is the first word
// after the prefix, and args is the rest of the message.
type MessageCommandHandler interface {
	HandleMessageCommand(
		ctx context.Context,
		m *discordgo.MessageCreate,
		command string,
		args string,
	) bool
}

// ExtensionLoader is implemented by extensions needing setup before the
// bot connects to discord
type ExtensionLoader interface {
	Load(ctx context.Context) error
}

// ExtensionUnloader is implemented by extensions holding resources which
// should be released when the extension is unloaded, or the bot stops
type ExtensionUnloader interface {
	Unload(ctx context.Context) error
}

// ExtensionRegistry holds the bot's extensions, in registration order
type ExtensionRegistry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger
}

func NewExtensionRegistry(logger *slog.Logger) *ExtensionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtensionRegistry{logger: logger.With(loggerNameKey, "extensions")}
}

// Register adds ext, returning an error if an extension with the same
// name was already added
func (r *ExtensionRegistry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.extensions {
		if e.Name() == ext.Name() {
			return fmt.Errorf("extension %q already registered", ext.Name())
		}
	}
	r.extensions = append(r.extensions, ext)
	r.logger.Debug("registered extension", "extension", ext.Name())
	return nil
}

// Unload removes the named extension, calling its Unload method if it
// has one. The extension is removed even if Unload fails.
func (r *ExtensionRegistry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	idx := slices.IndexFunc(
		r.extensions, func(e Extension) bool {
			return e.Name() == name
		},
	)
	if idx == -1 {
		r.mu.Unlock()
		return fmt.Errorf("extension %q: %w", name, ErrNotFound)
	}
	ext := r.extensions[idx]
	r.extensions = slices.Delete(r.extensions, idx, idx+1)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "unloaded extension", "extension", name)
	if u, ok := ext.(ExtensionUnloader); ok {
		return u.Unload(ctx)
	}
	return nil
}

// Get returns the named extension
func (r *ExtensionRegistry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.extensions {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

// Names returns the names of the loaded extensions
func (r *ExtensionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.extensions))
	for _, e := range r.extensions {
		names = append(names, e.Name())
	}
	return names
}

func (r *ExtensionRegistry) list() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.extensions)
}

// Commands returns the slash commands of every loaded extension
func (r *ExtensionRegistry) Commands() []*discordgo.ApplicationCommand {
	var commands []*discordgo.ApplicationCommand
	for _, e := range r.list() {
		commands = append(commands, e.Commands()...)
	}
	return commands
}

// LoadAll calls Load on every extension implementing ExtensionLoader,
// stopping at the first error
func (r *ExtensionRegistry) LoadAll(ctx context.Context) error {
	for _, e := range r.list() {
		l, ok := e.(ExtensionLoader)
		if !ok {
			continue
		}
		if err := l.Load(ctx); err != nil {
			return fmt.Errorf("error loading extension %q: %w", e.Name(), err)
		}
		r.logger.InfoContext(ctx, "loaded extension", "extension", e.Name())
	}
	return nil
}

// UnloadAll unloads every extension, in reverse registration order
func (r *ExtensionRegistry) UnloadAll(ctx context.Context) error {
	exts := r.list()
	var errs []error
	for i := len(exts) - 1; i >= 0; i-- {
		if err := r.Unload(ctx, exts[i].Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatchInteraction hands the interaction to the first extension
// which accepts it
func (r *ExtensionRegistry) dispatchInteraction(
	ctx context.Context,
	handler InteractionHandler,
) bool {
	for _, e := range r.list() {
		if e.HandleInteraction(ctx, handler) {
			return true
		}
	}
	return false
}

// dispatchMessage parses a prefixed chat command from m, and hands it to
// the first extension which accepts it. Messages without the prefix are
// ignored.
func (r *ExtensionRegistry) dispatchMessage(
	ctx context.Context,
	prefix string,
	m *discordgo.MessageCreate,
) bool {
	content, ok := strings.CutPrefix(strings.TrimSpace(m.Content), prefix)
	if !ok || prefix == "" {
		return false
	}
	command, args, _ := strings.Cut(content, " ")
	command = strings.ToLower(command)
	if command == "" {
		return false
	}

	for _, e := range r.list() {
		h, isHandler := e.(MessageCommandHandler)
		if !isHandler {
			continue
		}
		if h.HandleMessageCommand(ctx, m, command, strings.TrimSpace(args)) {
			return true
		}
	}
	return false
}
