package scheduler

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/emergent-company/tabgraph/pkg/logger"
)

// TaskFunc is the signature of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Scheduler runs named background tasks on cron expressions or fixed
// intervals. A task still running when its next slot arrives is skipped.
type Scheduler struct {
	cron      *cron.Cron
	log       *slog.Logger
	tasks     map[string]cron.EntryID
	schedules map[string]string
	timeout   time.Duration
	mu        sync.RWMutex
	running   bool
}

// NewScheduler creates a scheduler. Cron expressions use the standard
// five-field format.
func NewScheduler(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:       log.With(logger.Scope("scheduler")),
		tasks:     make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		timeout:   30 * time.Minute,
	}
}

// Start begins firing tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
	return nil
}

// Stop waits for running tasks to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
	s.running = false
	return nil
}

// AddTask registers task under name. A non-empty cron expression takes
// precedence over interval. Re-adding a name replaces the earlier entry.
func (s *Scheduler) AddTask(name, cronExpr string, interval time.Duration, task TaskFunc) error {
	schedule := cronExpr
	if schedule == "" {
		schedule = "@every " + interval.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
		delete(s.schedules, name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.runTask(name, task) })
	if err != nil {
		return err
	}
	s.tasks[name] = id
	s.schedules[name] = schedule
	s.log.Info("task scheduled", slog.String("name", name), slog.String("schedule", schedule))
	return nil
}

// RemoveTask unregisters a task.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
		delete(s.schedules, name)
		s.log.Info("task removed", slog.String("name", name))
	}
}

// RunNow executes a registered task synchronously.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.RLock()
	id, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.cron.Entry(id).Job.Run()
	return true
}

func (s *Scheduler) runTask(name string, task TaskFunc) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		s.log.Error("scheduled task failed",
			slog.String("name", name),
			slog.Duration("duration", time.Since(start)),
			logger.Error(err),
		)
		return
	}
	s.log.Debug("scheduled task completed",
		slog.String("name", name),
		slog.Duration("duration", time.Since(start)),
	)
}

// ListTasks returns the registered task names, sorted.
func (s *Scheduler) ListTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TaskInfo describes one registered task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	PrevRun  time.Time `json:"prev_run,omitempty"`
}

// Tasks returns schedule information for every registered task.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make([]TaskInfo, 0, len(s.tasks))
	for name, id := range s.tasks {
		e := s.cron.Entry(id)
		info = append(info, TaskInfo{Name: name, Schedule: s.schedules[name], NextRun: e.Next, PrevRun: e.Prev})
	}
	slices.SortFunc(info, func(a, b TaskInfo) int { return cmp.Compare(a.Name, b.Name) })
	return info
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
