package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/metocean/bob-the-builder/internal/source"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/tail"
	"github.com/metocean/bob-the-builder/internal/task"
)

const (
	LogGitDownload = source.LogFilename
	LogGitRelease  = source.ReleaseFilename
	LogGitTag      = source.TagFilename
	LogDockerBuild = "docker-build.log"
	LogDockerTest  = "docker-test.log"
	LogDockerTag   = "docker-tag.log"
	LogDockerPush  = "docker-push.log"
	LogDockerDown  = "docker-down.log"
)

func (b *build) logPath(name string) string {
	return filepath.Join(b.buildDir, name)
}

// fetchSource recreates the build directory, downloads the source and
// parses its manifest. The source root is renamed to the compact creation
// time so built images carry it as a prefix.
func (b *build) fetchSource(ctx context.Context) error {
	id := b.identity()
	if err := os.RemoveAll(b.buildDir); err != nil {
		return pkgerrors.Wrap(err, "clear build dir")
	}
	if err := os.MkdirAll(b.buildDir, 0o755); err != nil {
		return pkgerrors.Wrap(err, "create build dir")
	}

	var root string
	err := b.withTail(ctx, b.logPath(LogGitDownload), func() error {
		var err error
		if id.GitTag != "" && id.GitTag != task.DefaultTag {
			root, err = b.p.Source.FetchTag(ctx, id.GitRepo, id.GitTag, b.buildDir)
		} else {
			root, err = b.p.Source.FetchBranch(ctx, id.GitRepo, id.GitBranch, b.buildDir)
		}
		return err
	})
	b.recordFile(ctx, b.logPath(LogGitRelease))
	b.recordFile(ctx, b.logPath(LogGitTag))
	if err != nil {
		return pkgerrors.WithStack(err)
	}

	sourceDir := filepath.Join(b.buildDir, id.CompactTimestamp())
	if root != sourceDir {
		if err := os.Rename(root, sourceDir); err != nil {
			return pkgerrors.Wrap(err, "rename source dir")
		}
	}
	b.sourceDir = sourceDir

	descriptor, err := LoadDescriptor(sourceDir)
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	b.descriptor = descriptor
	b.logger.Info("Fetched source", "path", sourceDir, "compose_file", descriptor.ComposeFile, "test_service", descriptor.TestService)
	return nil
}

// ensureSource fetches the source when a stage is entered without one, as
// happens when a task is resumed from a persisted transient state.
func (b *build) ensureSource(ctx context.Context) error {
	if b.sourceDir != "" && b.descriptor != nil {
		return nil
	}
	b.logger.Info("Source missing for stage, fetching again", "state", b.state())
	return b.fetchSource(ctx)
}

func (b *build) runBuildStage(ctx context.Context) error {
	logPath := b.logPath(LogDockerBuild)
	extraArgs := strings.Fields(b.buildArgs())
	return pkgerrors.WithStack(b.withTail(ctx, logPath, func() error {
		return b.p.Executor.Build(ctx, b.descriptor.ComposeFile, extraArgs, b.sourceDir, logPath)
	}))
}

func (b *build) runTestStage(ctx context.Context) error {
	logPath := b.logPath(LogDockerTest)
	return pkgerrors.WithStack(b.withTail(ctx, logPath, func() error {
		return b.p.Executor.Run(ctx, b.descriptor.ComposeFile, b.descriptor.TestService, b.sourceDir, logPath)
	}))
}

func (b *build) runPushStage(ctx context.Context) error {
	id := b.identity()
	images, err := b.p.Executor.RecentImages(ctx, id.CreatedAt)
	if err != nil {
		return pkgerrors.WithStack(err)
	}
	prefix := filepath.Base(b.sourceDir)
	matches := MatchImages(images, prefix, b.descriptor.ServicesToPush)
	if len(matches) == 0 {
		return pkgerrors.WithStack(&NoImagesMatchedError{Prefix: prefix, Services: b.descriptor.Services()})
	}

	tagLog, pushLog := b.logPath(LogDockerTag), b.logPath(LogDockerPush)
	for _, path := range []string{tagLog, pushLog} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return pkgerrors.Wrap(err, "reset push logs")
		}
	}

	destTag := DestinationTag(id.GitTag, id.GitBranch)
	err = b.withTail(ctx, pushLog, func() error {
		auth, err := b.p.Executor.Login(ctx)
		if err != nil {
			return err
		}
		for _, m := range matches {
			target := PushTarget(m.Destination, destTag)
			b.logger.Info("Pushing image", "local", m.Local, "service", m.Service, "target", target)
			if err := b.p.Executor.Tag(ctx, m.Local, target, tagLog); err != nil {
				return err
			}
			if err := b.p.Executor.Push(ctx, target, auth, pushLog); err != nil {
				return err
			}
		}
		return nil
	})
	b.recordFile(ctx, tagLog)
	return pkgerrors.WithStack(err)
}

// withTail runs fn while streaming the tail of logPath into the task.
func (b *build) withTail(ctx context.Context, logPath string, fn func() error) error {
	t := tail.Start(ctx, b.p.Config.Tail, logPath, func(text string) {
		b.recordLog(ctx, logPath, text)
	})
	defer t.Stop()
	return fn()
}

// recordFile stores a one-shot tail of path if the file exists.
func (b *build) recordFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return
	}
	text, err := tail.Tail(path, b.p.Config.Tail.Lines, b.p.Config.Tail.MaxBytes)
	if err != nil {
		b.logger.Warn("Tail failed", "path", path, "error", err)
		return
	}
	b.recordLog(ctx, path, text)
}

// recordLog replaces the log entry for path and saves the task. A save
// rejected because cancellation was requested cancels the running stage.
func (b *build) recordLog(ctx context.Context, path, text string) {
	b.mu.Lock()
	b.task.SetLog(task.LogEntry{
		Filename:  filepath.Base(path),
		Path:      path,
		Text:      text,
		CreatedAt: b.p.Now().UTC(),
	}, false)
	err := b.p.Store.Save(ctx, b.task)
	b.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, store.ErrCancelRequested):
		b.logger.Info("Cancellation requested, stopping stage", "log", filepath.Base(path))
		b.cancel(ErrCancellationRequested)
	case ctx.Err() != nil:
	default:
		b.logger.Warn("Saving log tail failed", "log", filepath.Base(path), "error", err)
	}
}

func (b *build) identity() task.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task.Identity()
}

func (b *build) buildArgs() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task.BuildArgs
}
