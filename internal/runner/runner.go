package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metocean/bob-the-builder/internal/events"
	"github.com/metocean/bob-the-builder/internal/queue"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	DefaultReceiveWait  = 1 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultJoinInterval = 2 * time.Second
	DefaultCancelGrace  = 8 * time.Second

	canceledMessage = "task was canceled"

	sweepTimeout = 10 * time.Minute
	storeTimeout = 30 * time.Second
	killWait     = 10 * time.Second
)

const (
	cancelRequested = "requested"
	cancelShutdown  = "shutdown"
)

// Sweeper removes docker resources left behind by earlier builds.
type Sweeper interface {
	RemoveNetworks(ctx context.Context) error
	RemoveImages(ctx context.Context) error
}

type Config struct {
	WorkerID     string
	ReceiveWait  time.Duration
	PollInterval time.Duration
	JoinInterval time.Duration
	CancelGrace  time.Duration
}

// Runner consumes task identities one at a time and supervises a build
// process for each.
type Runner struct {
	cfg     Config
	store   store.Store
	queue   queue.Queue
	spawner Spawner
	sweeper Sweeper
	events  events.Publisher
	logger  *slog.Logger
	stats   Stats

	Now func() time.Time
	// ReadRSS samples a build's memory on every join tick.
	ReadRSS func(pid int) (uint64, bool)
}

func New(cfg Config, st store.Store, q queue.Queue, spawner Spawner, sweeper Sweeper, publisher events.Publisher, logger *slog.Logger) *Runner {
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = DefaultReceiveWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.JoinInterval <= 0 {
		cfg.JoinInterval = DefaultJoinInterval
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		store:   st,
		queue:   q,
		spawner: spawner,
		sweeper: sweeper,
		events:  publisher,
		logger:  logger,
		Now:     time.Now,
		ReadRSS: processRSS,
	}
}

// Start runs the receive loop until ctx is canceled. A build in progress at
// shutdown is canceled before Start returns.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting worker runner", "receive_wait", r.cfg.ReceiveWait, "join_interval", r.cfg.JoinInterval, "cancel_grace", r.cfg.CancelGrace)
	defer r.stats.Report(r.logger)

	if err := r.store.EnsureExists(ctx); err != nil {
		return fmt.Errorf("ensure task store: %w", err)
	}
	if err := r.queue.EnsureExists(ctx); err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}
	r.sweep(ctx)

	for {
		if ctx.Err() != nil {
			r.logger.Info("Worker received shutdown signal, stopping")
			return nil
		}
		msg, err := r.queue.ReceiveOne(ctx, r.cfg.ReceiveWait)
		switch {
		case err == nil:
			r.process(ctx, msg)
		case errors.Is(err, queue.ErrNoMessages), ctx.Err() != nil:
		default:
			receiveErrors.Inc()
			r.logger.Error("Receiving message failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, msg *queue.Message) {
	id, err := msg.Identity()
	if err != nil {
		r.logger.Error("Discarding undecodable message", "message_id", msg.ID, "error", err)
		r.stats.RecordSkip()
		r.publish(task.Identity{}, events.Event{
			Level:    "warn",
			Type:     events.TypeMessageSkipped,
			Message:  err.Error(),
			Metadata: map[string]string{"message_id": msg.ID},
		})
		if err := msg.Delete(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("Deleting undecodable message failed", "message_id", msg.ID, "error", err)
		}
		return
	}

	logger := r.logger.With("repo", id.GitRepo, "branch", id.GitBranch, "tag", id.GitTag, "created_at", id.CreatedAt)
	r.sweep(ctx)
	if ctx.Err() != nil {
		return
	}

	start := r.Now()
	proc, err := r.spawner.Spawn(ctx, id)
	if err != nil {
		logger.Error("Spawning build failed, leaving message for redelivery", "error", err)
		return
	}
	logger.Info("Build started", "pid", proc.Pid(), "receive_count", msg.ReceiveCount)
	r.stats.RecordStart(start.Sub(id.CreatedAt))
	r.publish(id, events.Event{Level: "info", Type: events.TypeBuildStarted, Message: "build process started"})

	if err := msg.Delete(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Deleting message failed", "message_id", msg.ID, "error", err)
	}

	waitErr := r.supervise(ctx, logger, id, proc)
	r.finish(logger, id, start, waitErr)
	r.sweep(context.WithoutCancel(ctx))
}

// supervise waits for proc, polling the stored task every JoinInterval for
// an external cancel request.
func (r *Runner) supervise(ctx context.Context, logger *slog.Logger, id task.Identity, proc Process) error {
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var peak uint64
	defer func() {
		r.stats.EndBuildMemory()
		if peak > 0 {
			logger.Info("Build memory usage", "pid", proc.Pid(), "peak_rss_bytes", peak)
		}
	}()

	ticker := time.NewTicker(r.cfg.JoinInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return r.cancel(logger, id, proc, done, cancelShutdown)
		case <-ticker.C:
			if rss, ok := r.ReadRSS(proc.Pid()); ok {
				peak = max(peak, rss)
				r.stats.RecordBuildMemory(rss)
				logger.Debug("Build memory sample", "pid", proc.Pid(), "rss_bytes", rss)
			}
			t, err := r.store.Load(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Reloading task failed", "error", err)
				}
				continue
			}
			if t.State == task.StateCancel {
				return r.cancel(logger, id, proc, done, cancelRequested)
			}
		}
	}
}

// cancel stops proc, escalating to a kill after CancelGrace, then records
// the task as canceled unless the build already finished it.
func (r *Runner) cancel(logger *slog.Logger, id task.Identity, proc Process, done <-chan error, reason string) error {
	logger.Info("Canceling build", "reason", reason, "pid", proc.Pid())
	r.stats.RecordCancel(reason)
	r.publish(id, events.Event{Level: "info", Type: events.TypeCancelStarted, Message: "canceling build", Metadata: map[string]string{"reason": reason}})

	if err := proc.Terminate(); err != nil {
		logger.Warn("Terminating build failed", "error", err)
	}
	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(r.cfg.CancelGrace):
		logger.Warn("Build did not stop within grace period, killing", "grace", r.cfg.CancelGrace)
		if err := proc.Kill(); err != nil {
			logger.Warn("Killing build failed", "error", err)
		}
		select {
		case waitErr = <-done:
		case <-time.After(killWait):
			logger.Error("Build process did not exit after kill", "pid", proc.Pid())
		}
	}

	r.markCanceled(logger, id)
	return waitErr
}

func (r *Runner) markCanceled(logger *slog.Logger, id task.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	t, err := r.store.Load(ctx, id)
	if err != nil {
		logger.Error("Loading canceled task failed", "error", err)
		return
	}
	if t.State.IsTerminal() {
		return
	}
	if err := t.Transition(task.StateCanceled, canceledMessage, r.Now()); err != nil {
		logger.Error("Marking task canceled failed", "error", err)
		return
	}
	if err := r.store.Save(ctx, t); err != nil {
		logger.Error("Saving canceled task failed", "error", err)
		return
	}
	r.publish(id, events.Event{Level: "info", Type: events.TypeBuildCanceled, Message: canceledMessage, State: string(task.StateCanceled)})
}

// finish records the outcome of an exited build. A task the process left
// active is reported and otherwise left as is.
func (r *Runner) finish(logger *slog.Logger, id task.Identity, start time.Time, waitErr error) {
	elapsed := r.Now().Sub(start)
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	state := task.State("unknown")
	message := ""
	if t, err := r.store.Load(ctx, id); err != nil {
		logger.Error("Loading finished task failed", "error", err)
	} else {
		state, message = t.State, t.StateMessage
	}

	level := "info"
	if !state.IsTerminal() {
		level = "warn"
		logger.Warn("Build process exited without finishing task", "state", state, "exit_error", waitErr, "elapsed", elapsed)
	} else {
		logger.Info("Build finished", "state", state, "exit_error", waitErr, "elapsed", elapsed)
	}
	r.stats.RecordFinish(state, elapsed)
	r.publish(id, events.Event{Level: level, Type: events.TypeBuildFinished, Message: message, State: string(state)})
}

func (r *Runner) sweep(ctx context.Context) {
	if r.sweeper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	if err := r.sweeper.RemoveNetworks(ctx); err != nil {
		r.logger.Warn("Removing docker networks failed", "error", err)
	}
	if err := r.sweeper.RemoveImages(ctx); err != nil {
		r.logger.Warn("Removing docker images failed", "error", err)
	}
	elapsed := time.Since(start)
	r.stats.RecordSweep(elapsed)
	r.publish(task.Identity{}, events.Event{Level: "info", Type: events.TypeSweepFinished, Message: "docker networks and images removed", Metadata: map[string]string{"elapsed": elapsed.String()}})
}

func (r *Runner) publish(id task.Identity, event events.Event) {
	event.WorkerID = r.cfg.WorkerID
	if id.GitRepo != "" {
		event.Repo, event.Branch, event.Tag = id.GitRepo, id.GitBranch, id.GitTag
	}
	r.events.Publish(event)
}
