package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestQueueIntegration(t *testing.T) {
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

	q := NewPostgres(pool, "integration", time.Second, 10*time.Millisecond)
	if err := q.EnsureExists(ctx); err != nil {
		t.Fatalf("ensure exists: %v", err)
	}
	pool.Exec(ctx, "DELETE FROM bob_queue WHERE queue_name = 'integration'")

	if err := q.Enqueue(ctx, ident); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := q.ReceiveOne(ctx, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := q.ReceiveOne(ctx, 50*time.Millisecond); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected claimed message to be invisible, got %v", err)
	}

	// After the visibility timeout the message is redelivered with a new receipt.
	time.Sleep(1100 * time.Millisecond)
	again, err := q.ReceiveOne(ctx, time.Second)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if again.ReceiveCount != 2 {
		t.Fatalf("expected receive count 2, got %d", again.ReceiveCount)
	}
	if err := msg.Delete(ctx); !errors.Is(err, ErrReceiptExpired) {
		t.Fatalf("expected stale receipt to fail, got %v", err)
	}
	if err := again.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
