package kyrtizanka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// maxVoteChoices is the most choices a vote can have. Discord allows
	// 25 buttons per message, and one is used for the results button.
	maxVoteChoices = 23

	DefaultVoteDuration = "1d"
)

// Choice is one option of a Vote, with the IDs of the users who voted
// for it, in the order they voted.
type Choice struct {
	Name   string   `json:"name"`
	Voters []string `json:"voters"`
}

// Vote is a point-in-time snapshot of a vote
type Vote struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	ChannelID string        `json:"channel_id"`
	MessageID string        `json:"message_id"`
	Choices   []Choice      `json:"choices"`
	Locale    Locale        `json:"locale"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Closed    bool          `json:"closed"`
}

func (v Vote) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", v.ID),
		slog.String("title", v.Title),
		slog.String("channel_id", v.ChannelID),
		slog.String("message_id", v.MessageID),
		slog.Int("choices", len(v.Choices)),
		slog.Bool("closed", v.Closed),
	)
}

// vote is the mutable state behind a Vote. mu guards everything except
// id, which never changes.
type vote struct {
	mu        sync.Mutex
	id        string
	title     string
	channelID string
	messageID string
	choices   []Choice
	locale    Locale
	duration  time.Duration
	startedAt time.Time
	endedAt   *time.Time
	closed    bool
	task      *Task
}

// snapshot copies the vote's current state. Must be called with the
// lock held.
func (v *vote) snapshot() Vote {
	choices := make([]Choice, len(v.choices))
	for i, c := range v.choices {
		voters := make([]string, len(c.Voters))
		copy(voters, c.Voters)
		choices[i] = Choice{Name: c.Name, Voters: voters}
	}
	rv := Vote{
		ID:        v.id,
		Title:     v.title,
		ChannelID: v.channelID,
		MessageID: v.messageID,
		Choices:   choices,
		Locale:    v.locale,
		Duration:  v.duration,
		StartedAt: v.startedAt,
		Closed:    v.closed,
	}
	if v.endedAt != nil {
		ended := *v.endedAt
		rv.EndedAt = &ended
	}
	return rv
}

// VoteStore holds votes, open and closed. Closed votes are kept so their
// results can still be viewed, until pruned.
type VoteStore struct {
	mu        sync.RWMutex
	votes     map[string]*vote
	order     []string
	scheduler *Scheduler
	logger    *slog.Logger

	// onClose is called, outside any lock, when a vote closes
	onClose func(ctx context.Context, v Vote)

	// metric hooks, may be nil
	onCreate func()
	onCast   func()

	now func() time.Time
}

// NewVoteStore returns a VoteStore which schedules vote closures on
// scheduler, calling onClose when a vote ends.
func NewVoteStore(
	scheduler *Scheduler,
	onClose func(ctx context.Context, v Vote),
	logger *slog.Logger,
) *VoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoteStore{
		votes:     map[string]*vote{},
		scheduler: scheduler,
		onClose:   onClose,
		logger:    logger.With(loggerNameKey, "votes"),
		now:       time.Now,
	}
}

// parseVoteChoices splits a comma-separated list of choices. ", " is
// treated the same as ",".
func parseVoteChoices(raw string) ([]string, error) {
	choices := strings.Split(strings.ReplaceAll(raw, ", ", ","), ",")
	if len(choices) > maxVoteChoices {
		return nil, fmt.Errorf(
			"%w: %d (max %d)",
			ErrTooManyChoices, len(choices), maxVoteChoices,
		)
	}
	for _, c := range choices {
		if strings.TrimSpace(c) == "" {
			return nil, fmt.Errorf("%w in %q", ErrEmptyChoice, raw)
		}
	}
	return choices, nil
}

// Create validates and stores a new vote, with no voters. The vote
// doesn't close until Start is called with the ID of the message
// showing it. If durationText is empty, DefaultVoteDuration is used.
func (s *VoteStore) Create(
	title string,
	rawChoices string,
	durationText string,
	channelID string,
	locale Locale,
) (Vote, error) {
	choices, err := parseVoteChoices(rawChoices)
	if err != nil {
		return Vote{}, err
	}
	if strings.TrimSpace(durationText) == "" {
		durationText = DefaultVoteDuration
	}
	d, err := ParseDuration(durationText)
	if err != nil {
		return Vote{}, err
	}

	v := &vote{
		id:        uuid.NewString(),
		title:     title,
		channelID: channelID,
		choices:   make([]Choice, len(choices)),
		locale:    locale,
		duration:  d,
		startedAt: s.now(),
	}
	for i, c := range choices {
		v.choices[i] = Choice{Name: c, Voters: []string{}}
	}

	snapshot := v.snapshot()

	s.mu.Lock()
	s.votes[v.id] = v
	s.order = append(s.order, v.id)
	s.mu.Unlock()

	if s.onCreate != nil {
		s.onCreate()
	}
	s.logger.Info("created vote", "vote", snapshot)
	return snapshot, nil
}

// Start records the message the vote was posted as, and schedules the
// vote to close once its duration elapses.
func (s *VoteStore) Start(voteID string, messageID string) (Vote, error) {
	v, err := s.get(voteID)
	if err != nil {
		return Vote{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.snapshot(), fmt.Errorf("vote %s: %w", voteID, ErrVoteClosed)
	}
	v.messageID = messageID
	if v.task == nil {
		v.task = s.scheduler.Schedule(
			v.duration, func() {
				s.Close(context.Background(), voteID)
			},
		)
	}
	return v.snapshot(), nil
}

// Discard deletes a vote that was never started, such as when the
// message for it couldn't be posted.
func (s *VoteStore) Discard(voteID string) {
	s.mu.Lock()
	v, ok := s.votes[voteID]
	if ok {
		s.removeLocked(voteID)
	}
	s.mu.Unlock()

	if ok {
		v.mu.Lock()
		v.task.Cancel()
		v.mu.Unlock()
		s.logger.Info("discarded vote", "vote_id", voteID)
	}
}

// CastVote records user's vote for the choice at choiceIndex, replacing
// any earlier vote by the same user.
func (s *VoteStore) CastVote(voteID string, userID string, choiceIndex int) (Vote, error) {
	v, err := s.get(voteID)
	if err != nil {
		return Vote{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return v.snapshot(), fmt.Errorf("vote %s: %w", voteID, ErrVoteClosed)
	}
	if choiceIndex < 0 || choiceIndex >= len(v.choices) {
		return v.snapshot(), fmt.Errorf(
			"vote %s choice %d: %w",
			voteID, choiceIndex, ErrNotFound,
		)
	}

	for i := range v.choices {
		v.choices[i].Voters = removeString(v.choices[i].Voters, userID)
	}
	v.choices[choiceIndex].Voters = append(v.choices[choiceIndex].Voters, userID)

	if s.onCast != nil {
		s.onCast()
	}
	s.logger.Debug(
		"vote cast",
		"vote_id", voteID,
		"user_id", userID,
		"choice", v.choices[choiceIndex].Name,
	)
	return v.snapshot(), nil
}

// CastVoteByName is CastVote, with the choice looked up by its label
func (s *VoteStore) CastVoteByName(voteID string, userID string, choice string) (Vote, error) {
	v, err := s.get(voteID)
	if err != nil {
		return Vote{}, err
	}
	v.mu.Lock()
	idx := -1
	for i, c := range v.choices {
		if c.Name == choice {
			idx = i
			break
		}
	}
	v.mu.Unlock()
	if idx == -1 {
		return Vote{}, fmt.Errorf("vote %s choice %q: %w", voteID, choice, ErrNotFound)
	}
	return s.CastVote(voteID, userID, idx)
}

// Results returns a snapshot of the vote
func (s *VoteStore) Results(voteID string) (Vote, error) {
	v, err := s.get(voteID)
	if err != nil {
		return Vote{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot(), nil
}

// Close ends the vote. Only the first call for a vote has any effect,
// and only that call invokes onClose. It returns true if this call
// closed the vote.
func (s *VoteStore) Close(ctx context.Context, voteID string) (Vote, bool, error) {
	v, err := s.get(voteID)
	if err != nil {
		s.logger.WarnContext(ctx, "vote not found to close", "vote_id", voteID)
		return Vote{}, false, err
	}

	v.mu.Lock()
	if v.closed {
		snapshot := v.snapshot()
		v.mu.Unlock()
		return snapshot, false, nil
	}
	v.closed = true
	ended := s.now()
	v.endedAt = &ended
	v.task.Cancel()
	snapshot := v.snapshot()
	v.mu.Unlock()

	s.logger.InfoContext(ctx, "vote closed", "vote", snapshot)
	if s.onClose != nil {
		s.onClose(ctx, snapshot)
	}
	return snapshot, true, nil
}

// List returns snapshots of every vote, oldest first
func (s *VoteStore) List() []Vote {
	s.mu.RLock()
	votes := make([]*vote, 0, len(s.order))
	for _, id := range s.order {
		votes = append(votes, s.votes[id])
	}
	s.mu.RUnlock()

	rv := make([]Vote, 0, len(votes))
	for _, v := range votes {
		v.mu.Lock()
		rv = append(rv, v.snapshot())
		v.mu.Unlock()
	}
	return rv
}

func (s *VoteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.votes)
}

// Prune deletes votes that closed more than retention ago, returning
// the number deleted.
func (s *VoteStore) Prune(retention time.Duration) int {
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, id := range s.order {
		v := s.votes[id]
		v.mu.Lock()
		if v.closed && v.endedAt != nil && v.endedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		v.mu.Unlock()
	}
	for _, id := range expired {
		s.removeLocked(id)
	}
	if len(expired) > 0 {
		s.logger.Info("pruned closed votes", "count", len(expired))
	}
	return len(expired)
}

func (s *VoteStore) get(voteID string) (*vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[voteID]
	if !ok {
		return nil, fmt.Errorf("vote %s: %w", voteID, ErrNotFound)
	}
	return v, nil
}

// removeLocked deletes a vote. Must be called with s.mu held.
func (s *VoteStore) removeLocked(voteID string) {
	delete(s.votes, voteID)
	for i, id := range s.order {
		if id == voteID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func removeString(items []string, s string) []string {
	rv := items[:0]
	for _, item := range items {
		if item != s {
			rv = append(rv, item)
		}
	}
	return rv
}
