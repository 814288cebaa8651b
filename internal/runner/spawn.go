package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/metocean/bob-the-builder/internal/procgroup"
	"github.com/metocean/bob-the-builder/internal/task"
)

// Process is a running build.
type Process interface {
	Pid() int
	// Wait blocks until the process exits. It must be called exactly once.
	Wait() error
	// Terminate asks the process tree to stop.
	Terminate() error
	// Kill stops the process tree unconditionally.
	Kill() error
}

// Spawner starts an isolated build process for a task.
type Spawner interface {
	Spawn(ctx context.Context, id task.Identity) (Process, error)
}

// ExecSpawner runs the build as a child process of the worker binary:
// Command followed by the task identity flags.
type ExecSpawner struct {
	Command    []string
	ConfigPath string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
}

// NewExecSpawner spawns "self run-build". An empty self resolves to the
// running executable.
func NewExecSpawner(self, configPath string) (*ExecSpawner, error) {
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		self = exe
	}
	return &ExecSpawner{
		Command:    []string{self, "run-build"},
		ConfigPath: configPath,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}, nil
}

// Args returns the full argument list used to build id.
func (s *ExecSpawner) Args(id task.Identity) []string {
	args := append([]string{}, s.Command...)
	args = append(args,
		"--repo", id.GitRepo,
		"--branch", id.GitBranch,
		"--tag", id.GitTag,
		"--created-at", id.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	return args
}

// Spawn starts the child in its own process group. The child is not bound
// to ctx: stopping it is the supervisor's job so it can escalate signals.
func (s *ExecSpawner) Spawn(ctx context.Context, id task.Identity) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("spawn build: empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := s.Args(id)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn build %s: %w", id, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Terminate() error { return procgroup.Terminate(p.cmd.Process) }

func (p *execProcess) Kill() error { return procgroup.Kill(p.cmd.Process) }
