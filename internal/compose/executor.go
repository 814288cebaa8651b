package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/metocean/bob-the-builder/internal/procgroup"
	"github.com/metocean/bob-the-builder/internal/tail"
)

const (
	defaultWaitDelay = 10 * time.Second
	failureTailLines = 50
)

var DefaultCommand = []string{"docker", "compose"}

var projectNameInvalid = regexp.MustCompile(`[^a-z0-9_-]+`)

// Executor runs compose commands against a fetched source tree and talks to
// the docker engine for the image level steps.
type Executor struct {
	Command   []string
	Docker    *Docker
	Logger    *slog.Logger
	WaitDelay time.Duration
}

func NewExecutor(command []string, docker *Docker, logger *slog.Logger) *Executor {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &Executor{
		Command:   append([]string(nil), command...),
		Docker:    docker,
		Logger:    logger,
		WaitDelay: defaultWaitDelay,
	}
}

// ProjectName is the compose project name used for a source tree. It is the
// directory's base name so built images carry it as a prefix.
func ProjectName(sourceDir string) string {
	name := strings.ToLower(filepath.Base(sourceDir))
	return projectNameInvalid.ReplaceAllString(name, "")
}

func (e *Executor) Build(ctx context.Context, composeFile string, extraArgs []string, sourceDir, logPath string) error {
	args := append([]string{"build", "--no-cache", "--pull"}, extraArgs...)
	return e.compose(ctx, composeFile, sourceDir, logPath, args...)
}

func (e *Executor) Run(ctx context.Context, composeFile, service, sourceDir, logPath string) error {
	return e.compose(ctx, composeFile, sourceDir, logPath, "run", "--rm", service)
}

func (e *Executor) Down(ctx context.Context, composeFile, sourceDir, logPath string) error {
	return e.compose(ctx, composeFile, sourceDir, logPath, "down", "--remove-orphans", "--volumes", "--rmi", "local")
}

func (e *Executor) RecentImages(ctx context.Context, since time.Time) ([]Image, error) {
	if e.Docker == nil {
		return nil, errors.New("docker engine not configured")
	}
	return e.Docker.RecentImages(ctx, since)
}

func (e *Executor) Login(ctx context.Context) (string, error) {
	if e.Docker == nil {
		return "", errors.New("docker engine not configured")
	}
	return e.Docker.Login(ctx)
}

func (e *Executor) Tag(ctx context.Context, source, target, logPath string) error {
	if e.Docker == nil {
		return errors.New("docker engine not configured")
	}
	return e.Docker.Tag(ctx, source, target, logPath)
}

func (e *Executor) Push(ctx context.Context, ref, auth, logPath string) error {
	if e.Docker == nil {
		return errors.New("docker engine not configured")
	}
	return e.Docker.Push(ctx, ref, auth, logPath)
}

func (e *Executor) compose(ctx context.Context, composeFile, sourceDir, logPath string, args ...string) error {
	full := append([]string{}, e.Command[1:]...)
	full = append(full, "-p", ProjectName(sourceDir), "-f", composeFile)
	full = append(full, args...)
	return e.run(ctx, sourceDir, logPath, e.Command[0], full...)
}

func (e *Executor) run(ctx context.Context, dir, logPath, name string, args ...string) error {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "$ %s\n", cmdline)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	procgroup.Set(cmd)
	cmd.Cancel = func() error { return procgroup.Terminate(cmd.Process) }
	cmd.WaitDelay = e.WaitDelay

	if e.Logger != nil {
		e.Logger.Info("Running build command", "command", cmdline, "dir", dir)
	}
	err = cmd.Run()
	if ctx.Err() != nil {
		// Whatever the leader left behind in its group goes with it.
		_ = procgroup.Kill(cmd.Process)
		return fmt.Errorf("%s interrupted: %w", cmdline, context.Cause(ctx))
	}
	if err == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else {
		fmt.Fprintf(logFile, "%v\n", err)
	}
	_ = logFile.Sync()
	text, _ := tail.Tail(logPath, failureTailLines, 0)
	return &BuildStepFailedError{Command: cmdline, ExitCode: exitCode, LogPath: logPath, Tail: text}
}
