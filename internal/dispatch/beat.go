package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/metocean/bob-the-builder/internal/config"
	"github.com/metocean/bob-the-builder/internal/queue"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	createdByPrefix = "beat:"
	submitTimeout   = 30 * time.Second
)

type entry struct {
	id       cron.EntryID
	schedule config.Schedule
}

// Beat submits builds on cron schedules.
type Beat struct {
	store   store.Store
	queue   queue.Queue
	logger  *slog.Logger
	cron    *cron.Cron
	entries []entry

	mu  sync.Mutex
	ctx context.Context

	Now func() time.Time
}

// NewBeat registers every schedule. Expressions use the standard five
// field syntax plus descriptors such as @daily, evaluated in UTC.
func NewBeat(schedules []config.Schedule, st store.Store, q queue.Queue, logger *slog.Logger) (*Beat, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{logger: logger}
	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter)),
	)
	b := &Beat{
		store:  st,
		queue:  q,
		logger: logger,
		cron:   scheduler,
		ctx:    context.Background(),
		Now:    time.Now,
	}
	for _, s := range schedules {
		s := s
		id, err := b.cron.AddFunc(s.Cron, func() { b.fire(s) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron %q: %w", s.Name, s.Cron, err)
		}
		b.entries = append(b.entries, entry{id: id, schedule: s})
	}
	return b, nil
}

// Run fires schedules until ctx is canceled and waits for running
// submissions to finish.
func (b *Beat) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.cron.Start()
	for _, e := range b.entries {
		b.logger.Info("Schedule registered", "name", e.schedule.Name, "cron", e.schedule.Cron, "repo", e.schedule.Repo, "next", b.cron.Entry(e.id).Next)
	}
	<-ctx.Done()
	<-b.cron.Stop().Done()
	b.logger.Info("Beat stopped")
	return nil
}

// Fire submits one build for s.
func (b *Beat) Fire(ctx context.Context, s config.Schedule) (*task.Task, error) {
	t := task.New(s.Repo, s.Branch, s.Tag, createdByPrefix+s.Name, s.BuildArgs, b.Now())
	if err := Submit(ctx, b.store, b.queue, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Beat) fire(s config.Schedule) {
	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, submitTimeout)
	defer cancel()
	t, err := b.Fire(ctx, s)
	if err != nil {
		b.logger.Error("Scheduled submit failed", "name", s.Name, "repo", s.Repo, "error", err)
		return
	}
	b.logger.Info("Scheduled build submitted", "name", s.Name, "repo", t.GitRepo, "branch", t.GitBranch, "tag", t.GitTag, "created_at", t.CreatedAt)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
