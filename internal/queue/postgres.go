package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metocean/bob-the-builder/internal/task"
)

var ErrReceiptExpired = errors.New("message receipt expired")

// Postgres is a queue table shared by many named queues. Claims use
// FOR UPDATE SKIP LOCKED so concurrent consumers never see the same row.
type Postgres struct {
	pool              *pgxpool.Pool
	name              string
	visibilityTimeout time.Duration
	pollInterval      time.Duration
}

func NewPostgres(pool *pgxpool.Pool, name string, visibilityTimeout, pollInterval time.Duration) *Postgres {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Postgres{pool: pool, name: name, visibilityTimeout: visibilityTimeout, pollInterval: pollInterval}
}

func (p *Postgres) EnsureExists(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bob_queue (
			id            BIGSERIAL PRIMARY KEY,
			queue_name    TEXT NOT NULL,
			body          JSONB NOT NULL,
			enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			visible_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			receive_count INT NOT NULL DEFAULT 0,
			receipt       TEXT
		);
		CREATE INDEX IF NOT EXISTS bob_queue_visible_idx ON bob_queue (queue_name, visible_after, id);
	`)
	if err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, id task.Identity) error {
	body, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO bob_queue (queue_name, body) VALUES ($1, $2)`, p.name, body)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) ReceiveOne(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, err := p.claim(ctx)
		if !errors.Is(err, ErrNoMessages) {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessages
		}
		sleep := p.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (p *Postgres) claim(ctx context.Context) (*Message, error) {
	receipt := uuid.NewString()
	query := `
		WITH candidate AS (
			SELECT id
			FROM bob_queue
			WHERE queue_name = $1
			  AND visible_after <= NOW()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bob_queue q
		SET visible_after = NOW() + make_interval(secs => $2),
		    receive_count = q.receive_count + 1,
		    receipt = $3
		FROM candidate
		WHERE q.id = candidate.id
		RETURNING q.id, q.body, q.receive_count
	`
	var (
		id    int64
		body  []byte
		count int
	)
	err := p.pool.QueryRow(ctx, query, p.name, p.visibilityTimeout.Seconds(), receipt).Scan(&id, &body, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMessages
		}
		return nil, fmt.Errorf("receive from %s: %w", p.name, err)
	}
	return &Message{
		ID:           strconv.FormatInt(id, 10),
		Body:         body,
		ReceiveCount: count,
		deleteFn: func(ctx context.Context) error {
			tag, err := p.pool.Exec(ctx, `DELETE FROM bob_queue WHERE id = $1 AND receipt = $2`, id, receipt)
			if err != nil {
				return fmt.Errorf("delete message %d: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: message %d", ErrReceiptExpired, id)
			}
			return nil
		},
	}, nil
}
