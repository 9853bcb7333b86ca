package kyrtizanka

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs one-shot callbacks after a delay. Each scheduled callback
// gets its own timer, and is tracked until it either fires or is cancelled.
// A callback runs at most once.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	logger *slog.Logger

	// stopped is set by Stop. Tasks scheduled afterward never fire.
	stopped bool

	// running tracks callbacks which have fired but not yet returned
	running sync.WaitGroup

	// panicHandler is called with the recovered value when a callback
	// panics. If nil, the panic is logged.
	panicHandler func(rc any)
}

// Task is a handle to a scheduled callback.
type Task struct {
	id        uint64
	scheduler *Scheduler
	timer     *time.Timer
	fireAt    time.Time
}

// NewScheduler returns a new Scheduler. If logger is nil, slog.Default
// is used.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:  map[uint64]*Task{},
		logger: logger.With(loggerNameKey, "scheduler"),
	}
}

// Schedule runs fn after d elapses, on its own goroutine, unless the
// returned Task is cancelled first.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	task := &Task{
		id:        s.nextID,
		scheduler: s,
		fireAt:    time.Now().Add(d),
	}
	if s.stopped {
		s.logger.Warn("scheduler stopped, task will not run", "task_id", task.id)
		return task
	}

	id := task.id
	task.timer = time.AfterFunc(
		d, func() {
			s.mu.Lock()
			// cancelled or stopped while the timer was firing
			if _, ok := s.tasks[id]; !ok {
				s.mu.Unlock()
				return
			}
			delete(s.tasks, id)
			s.running.Add(1)
			s.mu.Unlock()

			defer s.running.Done()
			s.run(id, fn)
		},
	)
	s.tasks[id] = task
	s.logger.Debug("scheduled task", "task_id", id, "fire_at", task.fireAt)
	return task
}

func (s *Scheduler) run(id uint64, fn func()) {
	defer func() {
		if rc := recover(); rc != nil {
			if s.panicHandler != nil {
				s.panicHandler(rc)
				return
			}
			s.logger.Error("recovered from panic in task", "task_id", id, "panic_arg", rc)
		}
	}()
	s.logger.Debug("running task", "task_id", id)
	fn()
}

// Pending returns the number of tasks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task, then waits for any callbacks that
// already fired to return. Tasks scheduled after Stop never run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancelled := len(s.tasks)
	for id, task := range s.tasks {
		task.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.logger.Info("scheduler stopped", "cancelled", cancelled)
	s.running.Wait()
}

// Cancel prevents the task from running. It returns true if the task was
// pending, and false if it already fired or was already cancelled.
func (t *Task) Cancel() bool {
	if t == nil || t.scheduler == nil {
		return false
	}
	s := t.scheduler
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.id]; !ok {
		return false
	}
	delete(s.tasks, t.id)
	t.timer.Stop()
	s.logger.Debug("cancelled task", "task_id", t.id)
	return true
}

// FireAt returns the time the task is (or was) due to run.
func (t *Task) FireAt() time.Time {
	return t.fireAt
}
