package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metocean/bob-the-builder/internal/task"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrCancelRequested is returned by Save when the stored task has been
	// moved to cancel and the write would replace it with a non-terminal state.
	ErrCancelRequested = errors.New("task cancellation requested")
	ErrNotCancelable   = errors.New("task is not active")
)

// Store persists task records keyed by (git_repo, range key).
type Store interface {
	EnsureExists(ctx context.Context) error
	Load(ctx context.Context, id task.Identity) (*task.Task, error)
	Save(ctx context.Context, t *task.Task) error
	ScanAll(ctx context.Context) ([]*task.Task, error)
	ScanActive(ctx context.Context) ([]*task.Task, error)
	RequestCancel(ctx context.Context, id task.Identity, requestedBy string) (*task.Task, error)
	Ping(ctx context.Context) error
}

func cancelMessage(requestedBy string) string {
	if requestedBy == "" {
		return "cancel requested"
	}
	return fmt.Sprintf("cancel requested by %s", requestedBy)
}

// markCancel moves an active task to cancel in memory.
func markCancel(t *task.Task, requestedBy string, now time.Time) error {
	switch {
	case t.State == task.StateCancel:
		return ErrCancelRequested
	case !t.State.IsActive():
		return fmt.Errorf("%w: %s is %s", ErrNotCancelable, t.Identity(), t.State)
	}
	return t.Transition(task.StateCancel, cancelMessage(requestedBy), now)
}

// overwriteAllowed reports whether a record in state stored may be replaced
// by one in state next.
func overwriteAllowed(stored, next task.State) bool {
	return next.IsTerminal() || stored != task.StateCancel
}
