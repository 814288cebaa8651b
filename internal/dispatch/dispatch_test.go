package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/metocean/bob-the-builder/internal/config"
	"github.com/metocean/bob-the-builder/internal/queue"
	"github.com/metocean/bob-the-builder/internal/store"
	"github.com/metocean/bob-the-builder/internal/task"
)

var now = time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)

type failingQueue struct {
	*queue.Memory
}

func (failingQueue) Enqueue(ctx context.Context, id task.Identity) error {
	return errors.New("queue unavailable")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitSavesThenEnqueues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	tk := task.New("org/app", "develop", "", "alice", "--build-arg A=1", now)

	if err := Submit(ctx, st, q, tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	loaded, err := st.Load(ctx, tk.Identity())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != task.StatePending || loaded.CreatedBy != "alice" {
		t.Fatalf("unexpected stored task %s %q", loaded.State, loaded.CreatedBy)
	}
	msg, err := q.ReceiveOne(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	id, err := msg.Identity()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id.RangeKey() != tk.Identity().RangeKey() {
		t.Fatalf("expected identity %s, got %s", tk.Identity(), id)
	}
}

func TestSubmitReportsEnqueueFailure(t *testing.T) {
	st := store.NewMemory()
	tk := task.New("org/app", "", "", "", "", now)

	err := Submit(context.Background(), st, failingQueue{queue.NewMemory()}, tk)
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if _, loadErr := st.Load(context.Background(), tk.Identity()); loadErr != nil {
		t.Fatalf("expected task saved before enqueue, got %v", loadErr)
	}
}

func TestSubmitRejectsStartedTask(t *testing.T) {
	tk := task.New("org/app", "", "", "", "", now)
	_ = tk.Transition(task.StateBuilding, "", now.Add(time.Second))
	if err := Submit(context.Background(), store.NewMemory(), queue.NewMemory(), tk); err == nil {
		t.Fatal("expected submit of a building task to fail")
	}
}

func TestNewBeatRejectsInvalidCron(t *testing.T) {
	schedules := []config.Schedule{{Name: "broken", Cron: "61 * * * *", Repo: "org/app"}}
	if _, err := NewBeat(schedules, store.NewMemory(), queue.NewMemory(), discardLogger()); err == nil {
		t.Fatal("expected invalid cron to be rejected")
	}
}

func TestBeatFireMarksCreator(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	beat, err := NewBeat(nil, st, q, discardLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}
	beat.Now = func() time.Time { return now }

	tk, err := beat.Fire(context.Background(), config.Schedule{Name: "nightly", Cron: "@daily", Repo: "org/app", Tag: "v2"})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if tk.CreatedBy != "beat:nightly" || tk.GitBranch != task.DefaultBranch || tk.GitTag != "v2" {
		t.Fatalf("unexpected task %+v", tk)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one queued identity, got %d", q.Len())
	}
}

func TestBeatRunSubmitsOnSchedule(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	schedules := []config.Schedule{{Name: "often", Cron: "@every 1s", Repo: "org/app"}}
	beat, err := NewBeat(schedules, st, q, discardLogger())
	if err != nil {
		t.Fatalf("new beat: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- beat.Run(ctx) }()

	msg, err := q.ReceiveOne(context.Background(), 5*time.Second)
	cancel()
	if err != nil {
		t.Fatalf("expected a scheduled submission, got %v", err)
	}
	id, err := msg.Identity()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	loaded, err := st.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CreatedBy != "beat:often" {
		t.Fatalf("unexpected creator %q", loaded.CreatedBy)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected beat to stop")
	}
}
