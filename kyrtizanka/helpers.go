package kyrtizanka

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

type contextKey string

const loggerContextKey contextKey = "logger"

const truncatedSuffix = "\n**(output limit reached)**"

// shortenString fits s into limit runes. Blank lines are collapsed first,
// and only if that isn't enough is the text cut, with truncatedSuffix
// appended when there's room for it.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	collapsed := strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(collapsed) <= limit {
		return collapsed
	}
	room := limit - utf8.RuneCountInString(truncatedSuffix)
	if room <= 0 {
		return truncate(collapsed, limit)
	}
	return truncate(collapsed, room) + truncatedSuffix
}

type commandOptionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

// commandOptions returns the options of a slash command by name. When the
// command was invoked through a subcommand, the subcommand's name and its
// own options are returned instead.
func commandOptions(data discordgo.ApplicationCommandInteractionData) (string, commandOptionMap) {
	var sub string
	opts := data.Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		sub, opts = opts[0].Name, opts[0].Options
	}
	byName := commandOptionMap{}
	for _, o := range opts {
		byName[o.Name] = o
	}
	return sub, byName
}

// optionString returns the string value of the named option, or
// fallback if it wasn't given
func optionString(options commandOptionMap, name string, fallback string) string {
	opt := options[name]
	if opt == nil {
		return fallback
	}
	if s, ok := opt.Value.(string); ok {
		return s
	}
	return fmt.Sprint(opt.Value)
}

func tlsConfig(cfg SSLConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.TLSMinVersion,
	}, nil
}

// structToSlogValue renders a struct as a slog group keyed by json tag
// (or field name). Anonymous embedded structs are flattened into the
// parent group. A `log` tag replaces the value outright, which is how
// secrets become "[redacted]". Nil pointers, empty strings and empty
// collections are left out.
func structToSlogValue(v any) slog.Value {
	val := reflect.ValueOf(v)
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
	}
	if !val.IsValid() {
		return slog.AnyValue(nil)
	}
	if val.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	attrs := make([]slog.Attr, 0, val.NumField())
	for i := 0; i < val.NumField(); i++ {
		field := val.Type().Field(i)
		fv := val.Field(i)
		if !field.IsExported() {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch {
		case key == "-":
			continue
		case key == "" && !field.Anonymous:
			key = field.Name
		}

		if replacement, ok := field.Tag.Lookup("log"); ok {
			attrs = append(attrs, slog.String(key, replacement))
			continue
		}
		if isEmptyValue(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: fieldLogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.String() == ""
	default:
		return false
	}
}

func fieldLogValue(x any) slog.Value {
	switch fx := x.(type) {
	case slog.LogValuer:
		return fx.LogValue()
	case slog.Leveler:
		return slog.StringValue(fx.Level().String())
	case fmt.Stringer:
		return slog.StringValue(fx.String())
	default:
		return structToSlogValue(x)
	}
}

// WithLogger attaches logger to ctx. A nil logger attaches slog.Default().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached by [WithLogger], if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	l, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return l, ok
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{"id", i.ID, "type", i.Type.String()}
	for _, kv := range [][2]string{
		{"channel_id", i.ChannelID},
		{"guild_id", i.GuildID},
		{"locale", string(i.Locale)},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

// truncate keeps the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// chunkItems groups items into rows of at most size elements, in order
func chunkItems[T any](size int, items ...T) [][]T {
	var rows [][]T
	for start := 0; start < len(items); start += size {
		rows = append(rows, items[start:min(start+size, len(items))])
	}
	return rows
}
