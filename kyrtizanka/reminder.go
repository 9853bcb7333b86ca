package kyrtizanka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// reminderShortTextLength is the number of runes of reminder text
	// shown in reminder lists
	reminderShortTextLength = 30
	reminderMaxEllipsis     = 3
)

// Reminder is a message a user asked to be sent back to them, in the
// channel the reminder was created in, once FireAt passes.
type Reminder struct {
	// ID is stable for the lifetime of the reminder, and is what users
	// pass to `/reminder remove`
	ID        uint      `json:"id"`
	Owner     string    `json:"owner"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	Locale    Locale    `json:"locale"`
	CreatedAt time.Time `json:"created_at"`
	FireAt    time.Time `json:"fire_at"`

	// DisplayTime is FireAt, pre-rendered as a discord timestamp
	DisplayTime string `json:"display_time"`

	task *Task
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("id", r.ID),
		slog.String("owner", r.Owner),
		slog.String("channel_id", r.ChannelID),
		slog.Time("fire_at", r.FireAt),
	)
}

// ReminderStore holds pending reminders. Reminders are only kept in
// memory, and are dropped when the bot restarts.
type ReminderStore struct {
	mu        sync.Mutex
	reminders []*Reminder
	nextID    uint
	scheduler *Scheduler
	logger    *slog.Logger

	// deliver is called, outside the store lock, when a reminder fires
	deliver func(ctx context.Context, r Reminder)

	// metric hooks, may be nil
	onCreate func()
	onFire   func()
	onRemove func()

	now func() time.Time
}

// NewReminderStore returns a ReminderStore which schedules reminders on
// scheduler, and calls deliver when they fire.
func NewReminderStore(
	scheduler *Scheduler,
	deliver func(ctx context.Context, r Reminder),
	logger *slog.Logger,
) *ReminderStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderStore{
		scheduler: scheduler,
		deliver:   deliver,
		logger:    logger.With(loggerNameKey, "reminders"),
		now:       time.Now,
	}
}

// Create parses durationText and schedules a new reminder for owner.
// Nothing is stored if the duration or text is invalid.
func (s *ReminderStore) Create(
	ctx context.Context,
	owner string,
	channelID string,
	text string,
	durationText string,
	locale Locale,
) (Reminder, error) {
	d, err := ParseDuration(durationText)
	if err != nil {
		return Reminder{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Reminder{}, ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nextID++
	r := &Reminder{
		ID:        s.nextID,
		Owner:     owner,
		ChannelID: channelID,
		Text:      text,
		Locale:    locale,
		CreatedAt: now,
		FireAt:    now.Add(d),
	}
	r.DisplayTime = discordTimestamp(r.FireAt)

	id := r.ID
	r.task = s.scheduler.Schedule(
		d, func() {
			s.fire(context.WithoutCancel(ctx), id)
		},
	)
	s.reminders = append(s.reminders, r)
	if s.onCreate != nil {
		s.onCreate()
	}

	s.logger.InfoContext(ctx, "created reminder", "reminder", *r)
	return *r, nil
}

// fire removes the reminder and delivers it. Reminders which were
// removed before their task got the lock are ignored.
func (s *ReminderStore) fire(ctx context.Context, id uint) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx == -1 {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "reminder already removed", "id", id)
		return
	}
	r := *s.reminders[idx]
	s.reminders = append(s.reminders[:idx], s.reminders[idx+1:]...)
	s.mu.Unlock()

	if s.onFire != nil {
		s.onFire()
	}
	s.logger.InfoContext(ctx, "reminder fired", "reminder", r)
	if s.deliver != nil {
		s.deliver(ctx, r)
	}
}

// List returns owner's reminders, oldest first
func (s *ReminderStore) List(owner string) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rv []Reminder
	for _, r := range s.reminders {
		if r.Owner == owner {
			rv = append(rv, *r)
		}
	}
	return rv
}

// All returns every pending reminder, oldest first
func (s *ReminderStore) All() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	rv := make([]Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		rv = append(rv, *r)
	}
	return rv
}

func (s *ReminderStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminders)
}

// Remove cancels and deletes the reminder with the given ID. It returns
// ErrNotFound if no such reminder exists, and ErrNotOwner (leaving the
// reminder scheduled) if requester didn't create it.
func (s *ReminderStore) Remove(requester string, id uint) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx == -1 {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	r := s.reminders[idx]
	if r.Owner != requester {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotOwner)
	}

	r.task.Cancel()
	s.reminders = append(s.reminders[:idx], s.reminders[idx+1:]...)
	if s.onRemove != nil {
		s.onRemove()
	}
	s.logger.Info("removed reminder", "reminder", *r)
	return *r, nil
}

// indexOf returns the position of the reminder with the given ID, or -1.
// Must be called with the lock held.
func (s *ReminderStore) indexOf(id uint) int {
	for i, r := range s.reminders {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// truncateReminderText shortens text to reminderShortTextLength runes,
// adding one dot per rune dropped, up to three.
func truncateReminderText(text string) string {
	n := utf8.RuneCountInString(text)
	if n <= reminderShortTextLength {
		return text
	}
	overflow := min(n-reminderShortTextLength, reminderMaxEllipsis)
	return truncate(text, reminderShortTextLength) + strings.Repeat(".", overflow)
}

// renderReminderList renders reminders as they're shown by
// `/reminder list`. Positions are relative to the given slice, and each
// line ends with the ID used to remove it.
func renderReminderList(reminders []Reminder) string {
	var b strings.Builder
	for i, r := range reminders {
		fmt.Fprintf(
			&b,
			"#%d **%s** `%s` id: %d\n",
			i,
			r.DisplayTime,
			truncateReminderText(r.Text),
			r.ID,
		)
	}
	return b.String()
}
