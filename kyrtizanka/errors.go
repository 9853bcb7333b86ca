package kyrtizanka

import "errors"

var (
	// ErrInvalidDuration is returned when a duration string can't be
	// parsed, or when it parses to a non-positive duration.
	ErrInvalidDuration = errors.New("unknown duration format")

	// ErrTooManyChoices is returned when a vote is created with more
	// than maxVoteChoices choices.
	ErrTooManyChoices = errors.New("too many choices")

	// ErrNotFound is returned when a reminder or vote doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner is returned when a user tries to remove a reminder
	// belonging to someone else.
	ErrNotOwner = errors.New("not the owner")

	// ErrVoteClosed is returned when casting a ballot on a vote that
	// has already ended.
	ErrVoteClosed = errors.New("vote closed")

	ErrEmptyText   = errors.New("empty text")
	ErrEmptyChoice = errors.New("empty choice")
)
