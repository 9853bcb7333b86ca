package kyrtizanka

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Locale identifies a message catalog language
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocaleRussian Locale = "ru"

	DefaultLocale = LocaleEnglish
)

type messageKey string

const (
	msgErrUnknownDuration  messageKey = "errors.unknown_duration_format"
	msgErrGeneric          messageKey = "errors.generic"
	msgErrRateLimited      messageKey = "errors.rate_limited"
	msgPong                messageKey = "ping.pong"
	msgReminderCreated     messageKey = "reminder.create.title"
	msgReminderFires       messageKey = "reminder.create.fires"
	msgReminderEmptyText   messageKey = "reminder.create.empty_text"
	msgReminderRemind      messageKey = "reminder.remind"
	msgReminderListTitle   messageKey = "reminder.list.title"
	msgReminderNoReminders messageKey = "reminder.errors.no_reminders"
	msgReminderCantFind    messageKey = "reminder.errors.cant_find"
	msgReminderNotYours    messageKey = "reminder.errors.not_yours"
	msgReminderRemoved     messageKey = "reminder.remove.title"
	msgVotesTooMany        messageKey = "votes.too_many_choices"
	msgVotesEmptyChoice    messageKey = "votes.empty_choice"
	msgVotesCreated        messageKey = "votes.created"
	msgVotesInProgress     messageKey = "votes.in_progress.title"
	msgVotesEnded          messageKey = "votes.ended.title"
	msgVotesStartedAt      messageKey = "votes.started_at"
	msgVotesEndedAt        messageKey = "votes.ended_at"
	msgVotesInfo           messageKey = "votes.votes_info"
	msgVotesVoted          messageKey = "votes.voted"
	msgVotesSeeResults     messageKey = "votes.see_results"
	msgVotesNobody         messageKey = "votes.nobody"
	msgVotesClosed         messageKey = "votes.closed"
	msgVotesNotFound       messageKey = "votes.not_found"
	msgVotesPostFailed     messageKey = "votes.post_failed"
)

var messageCatalog = map[Locale]map[messageKey]string{
	LocaleEnglish: {
		msgErrUnknownDuration:  "Unknown duration format",
		msgErrGeneric:          "Sorry, something went wrong!",
		msgErrRateLimited:      "Slow down! Try again in a few seconds.",
		msgPong:                "pong",
		msgReminderCreated:     "Reminder created",
		msgReminderFires:       "I'll remind you %s",
		msgReminderEmptyText:   "The reminder text can't be empty",
		msgReminderRemind:      "Reminder",
		msgReminderListTitle:   "Your reminders",
		msgReminderNoReminders: "You don't have any reminders",
		msgReminderCantFind:    "Can't find that reminder",
		msgReminderNotYours:    "That's not your reminder",
		msgReminderRemoved:     "Reminder %d removed",
		msgVotesTooMany:        "Too many choices (at most %d)",
		msgVotesEmptyChoice:    "Choices can't be empty",
		msgVotesCreated:        "Vote started",
		msgVotesInProgress:     "Vote in progress",
		msgVotesEnded:          "Vote ended",
		msgVotesStartedAt:      "Started at %s",
		msgVotesEndedAt:        "Ended at %s",
		msgVotesInfo:           "%s: %d",
		msgVotesVoted:          "Your vote has been counted",
		msgVotesSeeResults:     "See results",
		msgVotesNobody:         "nobody",
		msgVotesClosed:         "This vote has already ended",
		msgVotesNotFound:       "Can't find that vote",
		msgVotesPostFailed:     "Couldn't post the vote in this channel",
	},
	LocaleRussian: {
		msgErrUnknownDuration:  "Неизвестный формат времени",
		msgErrGeneric:          "Извините, что-то пошло не так!",
		msgErrRateLimited:      "Не так быстро! Попробуйте через несколько секунд.",
		msgPong:                "понг",
		msgReminderCreated:     "Напоминание создано",
		msgReminderFires:       "Напомню %s",
		msgReminderEmptyText:   "Текст напоминания не может быть пустым",
		msgReminderRemind:      "Напоминание",
		msgReminderListTitle:   "Ваши напоминания",
		msgReminderNoReminders: "У вас нет напоминаний",
		msgReminderCantFind:    "Не удалось найти напоминание",
		msgReminderNotYours:    "Это не ваше напоминание",
		msgReminderRemoved:     "Напоминание %d удалено",
		msgVotesTooMany:        "Слишком много вариантов (максимум %d)",
		msgVotesEmptyChoice:    "Варианты не могут быть пустыми",
		msgVotesCreated:        "Голосование начато",
		msgVotesInProgress:     "Идёт голосование",
		msgVotesEnded:          "Голосование завершено",
		msgVotesStartedAt:      "Начато %s",
		msgVotesEndedAt:        "Завершено %s",
		msgVotesInfo:           "%s: %d",
		msgVotesVoted:          "Ваш голос учтён",
		msgVotesSeeResults:     "Результаты",
		msgVotesNobody:         "никто",
		msgVotesClosed:         "Голосование уже завершено",
		msgVotesNotFound:       "Не удалось найти голосование",
		msgVotesPostFailed:     "Не удалось отправить голосование в этот канал",
	},
}

// Valid reports whether the locale has a message catalog
func (l Locale) Valid() bool {
	_, ok := messageCatalog[l]
	return ok
}

// T returns the translated message for key, formatted with args.
// Keys missing from the locale fall back to English.
func (l Locale) T(key messageKey, args ...any) string {
	msg, ok := messageCatalog[l][key]
	if !ok {
		msg, ok = messageCatalog[DefaultLocale][key]
		if !ok {
			msg = string(key)
		}
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// resolveLocale picks the catalog for an interaction, based on the
// user's client locale ("ru", "en-US", "en-GB"...). Unsupported locales
// use fallback.
func resolveLocale(i *discordgo.Interaction, fallback Locale) Locale {
	if i == nil || i.Locale == "" {
		return fallback
	}
	lang, _, _ := strings.Cut(string(i.Locale), "-")
	l := Locale(strings.ToLower(lang))
	if l.Valid() {
		return l
	}
	return fallback
}

// discordTimestamp renders t as a discord timestamp tag, which clients
// display in the viewer's own timezone.
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:f>", t.Unix())
}

// footerTime formats t for embed footers, which don't render
// timestamp tags.
func footerTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func mention(userID string) string {
	return "<@" + userID + ">"
}
