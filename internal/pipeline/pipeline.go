package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/metocean/bob-the-builder/internal/compose"
	"github.com/metocean/bob-the-builder/internal/notify"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/tail"
	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	DefaultBuildPath      = "/tmp/bob/build"
	DefaultCleanupTimeout = 10 * time.Minute
)

// Source fetches a repository snapshot into destDir and returns the
// extracted source root.
type Source interface {
	FetchTag(ctx context.Context, repo, tag, destDir string) (string, error)
	FetchBranch(ctx context.Context, repo, branch, destDir string) (string, error)
}

// Executor runs the container build steps for a source tree.
type Executor interface {
	Build(ctx context.Context, composeFile string, extraArgs []string, sourceDir, logPath string) error
	Run(ctx context.Context, composeFile, service, sourceDir, logPath string) error
	Down(ctx context.Context, composeFile, sourceDir, logPath string) error
	RecentImages(ctx context.Context, since time.Time) ([]compose.Image, error)
	Login(ctx context.Context) (string, error)
	Tag(ctx context.Context, source, target, logPath string) error
	Push(ctx context.Context, ref, auth, logPath string) error
}

type Config struct {
	BuildPath      string
	Tail           tail.Options
	CleanupTimeout time.Duration
}

// Pipeline drives one task from pending to a terminal state.
type Pipeline struct {
	Store    store.Store
	Source   Source
	Executor Executor
	Notifier notify.Notifier
	Logger   *slog.Logger
	Config   Config

	Now        func() time.Time
	Hostname   func() (string, error)
	LookupHost func(host string) ([]string, error)
}

func New(st store.Store, src Source, exec Executor, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.BuildPath == "" {
		cfg.BuildPath = DefaultBuildPath
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Store:      st,
		Source:     src,
		Executor:   exec,
		Notifier:   notifier,
		Logger:     logger,
		Config:     cfg,
		Now:        time.Now,
		Hostname:   os.Hostname,
		LookupHost: net.LookupHost,
	}
}

// BuildDir is {build path}/{repo}/{branch}/{tag}/{compact created at}.
func (p *Pipeline) BuildDir(id task.Identity) string {
	return filepath.Join(p.Config.BuildPath, id.GitRepo, id.GitBranch, id.GitTag, id.CompactTimestamp())
}

// Run loads the task and advances it until it is terminal. Stage failures
// are recorded on the task; the returned error only reports that the task
// could not be loaded or its final state could not be persisted.
func (p *Pipeline) Run(ctx context.Context, id task.Identity) error {
	t, err := p.Store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	logger := p.Logger.With("repo", id.GitRepo, "branch", id.GitBranch, "tag", id.GitTag, "created_at", id.CreatedAt)
	if t.State.IsTerminal() {
		logger.Info("Task already finished", "state", t.State)
		return nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	b := &build{
		p:        p,
		task:     t,
		buildDir: p.BuildDir(id),
		logger:   logger,
		cancel:   cancel,
	}
	b.task.BuilderHostname, b.task.BuilderIPAddress = p.builderAddress()

	defer b.cleanup()
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = pkgerrors.WithStack(&PanicError{Value: r})
			}
		}()
		runErr = b.loop(ctx)
	}()
	if runErr != nil {
		return b.handleError(ctx, runErr)
	}
	return nil
}

func (p *Pipeline) builderAddress() (string, string) {
	host, err := p.Hostname()
	if err != nil {
		return "", ""
	}
	addrs, err := p.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host, ""
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
			return host, addr
		}
	}
	return host, addrs[0]
}

// build is the state of one Run.
type build struct {
	p      *Pipeline
	logger *slog.Logger
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	task *task.Task

	buildDir   string
	sourceDir  string
	descriptor *Descriptor
}

func (b *build) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		switch state := b.state(); state {
		case task.StateSuccessful, task.StateFailed, task.StateCanceled:
			return nil
		case task.StatePending:
			if err := b.transition(ctx, task.StateDownloading, ""); err != nil {
				return err
			}
		case task.StateDownloading:
			if err := b.fetchSource(ctx); err != nil {
				return err
			}
			if err := b.transition(ctx, task.StateBuilding, ""); err != nil {
				return err
			}
		case task.StateBuilding:
			if err := b.ensureSource(ctx); err != nil {
				return err
			}
			if err := b.runBuildStage(ctx); err != nil {
				return err
			}
			next := task.StatePushing
			if b.descriptor.TestService != "" {
				next = task.StateTesting
			}
			if err := b.transition(ctx, next, ""); err != nil {
				return err
			}
		case task.StateTesting:
			if err := b.ensureSource(ctx); err != nil {
				return err
			}
			if err := b.runTestStage(ctx); err != nil {
				return err
			}
			if err := b.transition(ctx, task.StatePushing, ""); err != nil {
				return err
			}
		case task.StatePushing:
			if err := b.ensureSource(ctx); err != nil {
				return err
			}
			if err := b.runPushStage(ctx); err != nil {
				return err
			}
			if err := b.transition(ctx, task.StateSuccessful, ""); err != nil {
				return err
			}
		case task.StateCancel:
			msg := fmt.Sprintf("build was canceled while %s", b.previousState())
			if err := b.transition(ctx, task.StateCanceled, msg); err != nil {
				return err
			}
		default:
			if err := b.transition(ctx, task.StateFailed, fmt.Sprintf("unknown state %s", state)); err != nil {
				return err
			}
		}
	}
}

func (b *build) state() task.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task.State
}

func (b *build) previousState() task.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task.PreviousState()
}

// transition appends an event and persists the task. Terminal transitions
// notify the manifest's addresses.
func (b *build) transition(ctx context.Context, state task.State, message string) error {
	b.mu.Lock()
	if err := b.task.Transition(state, message, b.p.Now()); err != nil {
		b.mu.Unlock()
		return err
	}
	err := b.p.Store.Save(ctx, b.task)
	snapshot := b.task.Clone()
	b.mu.Unlock()
	if err != nil {
		if errors.Is(err, store.ErrCancelRequested) {
			return fmt.Errorf("save %s: %w", state, ErrCancellationRequested)
		}
		return fmt.Errorf("save %s: %w", state, err)
	}
	b.logger.Info("Task state changed", "state", state, "message", message)
	if state.IsTerminal() {
		b.notify(ctx, snapshot)
	}
	return nil
}

func (b *build) notify(ctx context.Context, t *task.Task) {
	if b.descriptor == nil || len(b.descriptor.NotificationEmails) == 0 {
		return
	}
	subject := fmt.Sprintf("bob: %s %s:%s %s", t.GitRepo, t.GitBranch, t.GitTag, t.State)
	body := notificationBody(t)
	if err := b.p.Notifier.Send(context.WithoutCancel(ctx), b.descriptor.NotificationEmails, subject, body); err != nil {
		b.logger.Warn("Notification failed", "error", err)
	}
}

func notificationBody(t *task.Task) string {
	body := fmt.Sprintf("repo: %s\nbranch: %s\ntag: %s\ncreated at: %s\nstate: %s\n",
		t.GitRepo, t.GitBranch, t.GitTag, t.CreatedAt.Format(time.RFC3339), t.State)
	if t.StateMessage != "" {
		body += "message: " + t.StateMessage + "\n"
	}
	if t.BuilderHostname != "" {
		body += "builder: " + t.BuilderHostname + "\n"
	}
	body += "\nevents:\n"
	for _, ev := range t.Events {
		line := fmt.Sprintf("  %s %s", ev.CreatedAt.Format(time.RFC3339), ev.State)
		if ev.Duration != nil {
			line += fmt.Sprintf(" (%s)", ev.Duration.Round(time.Second))
		}
		body += line + "\n"
	}
	return body
}

// handleError records the terminal state for an error that escaped the
// loop.
func (b *build) handleError(ctx context.Context, runErr error) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.p.Config.CleanupTimeout)
	defer cancel()

	// A step killed by the cancel signal reports its own exit status, so a
	// done context counts as cancellation whatever the error says.
	if isCancellation(runErr) || ctx.Err() != nil {
		b.logger.Info("Build canceled", "error", runErr)
		b.reload(persistCtx)
		if b.state().IsTerminal() {
			return nil
		}
		while := b.state()
		if while == task.StateCancel {
			while = b.previousState()
		}
		return b.transition(persistCtx, task.StateCanceled, fmt.Sprintf("build was canceled while %s", while))
	}

	while := b.state()
	if while.IsTerminal() {
		b.logger.Error("Build error after terminal state", "state", while, "error", runErr)
		return nil
	}
	kind := ErrorKind(runErr)
	b.logger.Error("Build failed", "state", while, "kind", kind, "error", runErr)
	b.writeStackLog(runErr)
	msg := fmt.Sprintf("build failed while %s with error: %s: %s", while, kind, runErr.Error())
	return b.transition(persistCtx, task.StateFailed, msg)
}

// reload replaces the local task with the stored record, keeping the log
// tails gathered locally.
func (b *build) reload(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh, err := b.p.Store.Load(ctx, b.task.Identity())
	if err != nil {
		b.logger.Warn("Reload after cancel failed", "error", err)
		return
	}
	fresh.Logs = b.task.Logs
	if fresh.BuilderHostname == "" {
		fresh.BuilderHostname = b.task.BuilderHostname
		fresh.BuilderIPAddress = b.task.BuilderIPAddress
	}
	b.task = fresh
}

func (b *build) writeStackLog(runErr error) {
	now := b.p.Now()
	filename := fmt.Sprintf("error-%s.log", task.CompactTime(now))
	path := filepath.Join(b.buildDir, filename)
	if err := os.MkdirAll(b.buildDir, 0o755); err != nil {
		b.logger.Warn("Cannot create build dir for error log", "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%+v\n", runErr)), 0o644); err != nil {
		b.logger.Warn("Cannot write error log", "error", err)
		return
	}
	text, err := tail.Tail(path, b.p.Config.Tail.Lines, b.p.Config.Tail.MaxBytes)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.task.SetLog(task.LogEntry{Filename: filename, Path: path, Text: text, CreatedAt: now.UTC()}, true)
	b.mu.Unlock()
}

// cleanup tears down the compose project and removes the source tree. It
// never persists anything.
func (b *build) cleanup() {
	if b.sourceDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.p.Config.CleanupTimeout)
	defer cancel()

	if b.descriptor != nil {
		logPath := filepath.Join(b.buildDir, LogDockerDown)
		if err := b.p.Executor.Down(ctx, b.descriptor.ComposeFile, b.sourceDir, logPath); err != nil {
			b.logger.Warn("Compose down failed", "error", err)
		}
	}
	if err := os.RemoveAll(b.sourceDir); err != nil {
		b.logger.Warn("Remove source tree failed", "path", b.sourceDir, "error", err)
	}
}
