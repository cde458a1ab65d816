package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open подключается к postgres через pgx stdlib и проверяет соединение.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schema = `
create table if not exists recognition_cache (
  cache_key   text primary key,
  engine      text not null,
  model       text not null,
  result_json jsonb not null,
  created_at  timestamptz not null default now()
);

create table if not exists grading_jobs (
  batch_id           text not null,
  grading_sheet_id   bigint not null,
  status             text not null,
  failure_reason     text,
  payload_json       jsonb,
  callback_delivered boolean not null default false,
  callback_error     text,
  created_at         timestamptz not null default now(),
  updated_at         timestamptz not null default now(),
  primary key (batch_id, grading_sheet_id)
);

create index if not exists grading_jobs_sheet_idx on grading_jobs (grading_sheet_id);
`

// EnsureSchema создаёт таблицы кэша и журнала, если их нет.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
