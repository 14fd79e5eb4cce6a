package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the alternative durable backing for deployments that
// already run Postgres instead of Redis.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS video_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			style TEXT NOT NULL DEFAULT '',
			result_url TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			assets JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_video_tasks_user_created ON video_tasks (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	metadata, err := json.Marshal(orEmptyAny(task.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	assets, err := json.Marshal(orEmptyString(task.Assets))
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO video_tasks (
			id, user_id, status, stage, progress, prompt, duration_seconds, style,
			result_url, error, metadata, assets, created_at, updated_at, completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id,
			status=EXCLUDED.status,
			stage=EXCLUDED.stage,
			progress=EXCLUDED.progress,
			prompt=EXCLUDED.prompt,
			duration_seconds=EXCLUDED.duration_seconds,
			style=EXCLUDED.style,
			result_url=EXCLUDED.result_url,
			error=EXCLUDED.error,
			metadata=EXCLUDED.metadata,
			assets=EXCLUDED.assets,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at,
			completed_at=EXCLUDED.completed_at`,
		task.ID,
		task.UserID,
		string(task.Status),
		task.Stage,
		task.Progress,
		task.Prompt,
		task.Duration,
		task.Style,
		task.ResultURL,
		task.Error,
		metadata,
		assets,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, stage, progress, prompt, duration_seconds, style,
		        result_url, error, metadata, assets, created_at, updated_at, completed_at
		   FROM video_tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTaskRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListTaskIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM video_tasks WHERE user_id=$1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for user: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, task Task) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM video_tasks WHERE id=$1`, task.ID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTaskRow(row pgx.Row) (Task, error) {
	var (
		task              Task
		status            string
		metadata          []byte
		assets            []byte
		completedNullable *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&status,
		&task.Stage,
		&task.Progress,
		&task.Prompt,
		&task.Duration,
		&task.Style,
		&task.ResultURL,
		&task.Error,
		&metadata,
		&assets,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedNullable,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.CompletedAt = completedNullable
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return Task{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &task.Assets); err != nil {
			return Task{}, fmt.Errorf("decode assets: %w", err)
		}
	}
	return task, nil
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyString(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
