package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/metocean/bob-the-builder/internal/task"
)

// Postgres keeps one row per task with the full record as JSONB and the
// state duplicated into its own column for scans and conditional writes.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgres(pool *pgxpool.Pool, table string) *Postgres {
	return &Postgres{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

func (p *Postgres) EnsureExists(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			git_repo    TEXT NOT NULL,
			range_key   TEXT NOT NULL,
			state       TEXT NOT NULL,
			record      JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			modified_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (git_repo, range_key)
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (state);
	`, p.table, pgx.Identifier{trimQuotes(p.table) + "_state_idx"}.Sanitize())
	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create task table: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Load(ctx context.Context, id task.Identity) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE git_repo = $1 AND range_key = $2`, p.table)
	var record []byte
	err := p.pool.QueryRow(ctx, query, id.GitRepo, id.RangeKey()).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return task.Decode(record)
}

func (p *Postgres) Save(ctx context.Context, t *task.Task) error {
	t.ModifiedAt = time.Now().UTC()
	record, err := task.Encode(t)
	if err != nil {
		return err
	}
	// Terminal writes always land; anything else must not clobber a pending cancel.
	guard := fmt.Sprintf("WHERE %s.state <> '%s'", p.table, task.StateCancel)
	if t.State.IsTerminal() {
		guard = ""
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (git_repo, range_key, state, record, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (git_repo, range_key) DO UPDATE
		SET state = EXCLUDED.state,
		    record = EXCLUDED.record,
		    modified_at = EXCLUDED.modified_at
		%s
	`, p.table, guard)
	id := t.Identity()
	tag, err := p.pool.Exec(ctx, query, id.GitRepo, id.RangeKey(), string(t.State), record, t.CreatedAt, t.ModifiedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCancelRequested
	}
	return nil
}

func (p *Postgres) ScanAll(ctx context.Context) ([]*task.Task, error) {
	query := fmt.Sprintf(`SELECT record FROM %s ORDER BY git_repo, range_key`, p.table)
	return p.scan(ctx, query)
}

func (p *Postgres) ScanActive(ctx context.Context) ([]*task.Task, error) {
	states := make([]string, 0, len(task.ActiveStates))
	for _, s := range task.ActiveStates {
		states = append(states, string(s))
	}
	query := fmt.Sprintf(`SELECT record FROM %s WHERE state = ANY($1) ORDER BY git_repo, range_key`, p.table)
	return p.scan(ctx, query, states)
}

func (p *Postgres) scan(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		t, err := task.Decode(record)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) RequestCancel(ctx context.Context, id task.Identity, requestedBy string) (*task.Task, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var record []byte
	query := fmt.Sprintf(`SELECT record FROM %s WHERE git_repo = $1 AND range_key = $2 FOR UPDATE`, p.table)
	err = tx.QueryRow(ctx, query, id.GitRepo, id.RangeKey()).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	t, err := task.Decode(record)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := markCancel(t, requestedBy, now); err != nil {
		return nil, err
	}
	t.ModifiedAt = now
	updated, err := task.Encode(t)
	if err != nil {
		return nil, err
	}
	update := fmt.Sprintf(`UPDATE %s SET state = $3, record = $4, modified_at = $5 WHERE git_repo = $1 AND range_key = $2`, p.table)
	if _, err := tx.Exec(ctx, update, id.GitRepo, id.RangeKey(), string(t.State), updated, now); err != nil {
		return nil, fmt.Errorf("request cancel %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func trimQuotes(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
