package kyrtizanka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level := slog.LevelInfo
		switch msgL {
		case discordgo.LogDebug:
			level = slog.LevelDebug
		case discordgo.LogWarning:
			level = slog.LevelWarn
		case discordgo.LogError:
			level = slog.LevelError
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// gormStructuredLogger sends gorm's output to slog. Filtering is left to
// the handler's level, so gorm's own LogMode is ignored.
type gormStructuredLogger struct {
	log  *slog.Logger
	slow time.Duration
}

func newGORMLogger(handler slog.Handler, slow time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		log:  slog.New(handler).With(loggerNameKey, "gorm"),
		slow: slow,
	}
}

func (g gormStructuredLogger) LogMode(logger.LogLevel) logger.Interface { return g }

func (g gormStructuredLogger) Info(ctx context.Context, format string, args ...any) {
	g.log.Log(ctx, slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, format string, args ...any) {
	g.log.Log(ctx, slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Error(ctx context.Context, format string, args ...any) {
	g.log.Log(ctx, slog.LevelError, fmt.Sprintf(format, args...))
}

// Trace logs each statement: failures at ERROR, statements over the slow
// threshold at WARN, the rest at DEBUG. Record-not-found isn't a failure.
func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (string, int64),
	err error,
) {
	took := time.Since(begin)
	stmt, affected := fc()

	rows := slog.Int64("rows", affected)
	if affected < 0 {
		rows = slog.String("rows", "-")
	}
	attrs := []slog.Attr{slog.Duration("elapsed", took), rows, slog.String("sql", stmt)}

	level, msg := slog.LevelDebug, "sql completed"
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		level, msg = slog.LevelError, "sql error"
		attrs = append(attrs, tint.Err(err))
	} else if g.slow > 0 && took > g.slow {
		level, msg = slog.LevelWarn, "slow sql"
		attrs = append(attrs, slog.Duration("threshold", g.slow))
	}
	g.log.LogAttrs(ctx, level, msg, attrs...)
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error(msg, append(keysAndValues, tint.Err(err))...)
}
