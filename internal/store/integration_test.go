package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metocean/bob-the-builder/internal/task"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	defer pool.Close()

	s := NewPostgres(pool, "bob_tasks_test")
	if err := s.EnsureExists(ctx); err != nil {
		t.Fatalf("ensure exists: %v", err)
	}
	pool.Exec(ctx, "DELETE FROM bob_tasks_test")

	tk := task.New("org/app", "master", "latest", "it", "", time.Now())
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = tk.Transition(task.StateBuilding, "", time.Now())
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("save building: %v", err)
	}

	active, err := s.ScanActive(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected 1 active task, got %d (%v)", len(active), err)
	}

	if _, err := s.RequestCancel(ctx, tk.Identity(), "it"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	_ = tk.Transition(task.StatePushing, "", time.Now())
	if err := s.Save(ctx, tk); !errors.Is(err, ErrCancelRequested) {
		t.Fatalf("expected ErrCancelRequested, got %v", err)
	}

	loaded, err := s.Load(ctx, tk.Identity())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != task.StateCancel {
		t.Fatalf("expected cancel, got %s", loaded.State)
	}
	_ = loaded.Transition(task.StateCanceled, "task was canceled", time.Now())
	if err := s.Save(ctx, loaded); err != nil {
		t.Fatalf("terminal save: %v", err)
	}
}
