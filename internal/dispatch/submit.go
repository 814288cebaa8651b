package dispatch

import (
	"context"
	"fmt"

	"github.com/metocean/bob-the-builder/internal/queue"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/task"
)

// Submit persists a pending task and enqueues its identity. The record is
// written first so a worker never receives an identity it cannot load.
func Submit(ctx context.Context, st store.Store, q queue.Queue, t *task.Task) error {
	if t.State != task.StatePending {
		return fmt.Errorf("submit %s: task is %s, want pending", t.Identity(), t.State)
	}
	if err := st.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.Identity(), err)
	}
	if err := q.Enqueue(ctx, t.Identity()); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.Identity(), err)
	}
	return nil
}
