package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"exam-grader/api/internal/types"
)

var ErrNotFound = sql.ErrNoRows

// RecognitionRepo — кэш распознанных чистых бланков. Ключ уже включает движок, модель,
// вариант промпта и хэш изображений.
type RecognitionRepo struct {
	DB     *sql.DB
	Engine string
	Model  string
	// MaxAge > 0 — записи старше считаются отсутствующими.
	MaxAge time.Duration
}

func NewRecognitionRepo(db *sql.DB, engine, model string, maxAge time.Duration) *RecognitionRepo {
	return &RecognitionRepo{DB: db, Engine: engine, Model: model, MaxAge: maxAge}
}

// Find достаёт запись по ключу. Устаревшая или битая запись — не ошибка, а промах.
func (r *RecognitionRepo) Find(ctx context.Context, key string) (types.RecognitionResult, bool, error) {
	const q = `select result_json, created_at from recognition_cache where cache_key = $1`
	var (
		js []byte
		ts time.Time
	)
	if err := r.DB.QueryRowContext(ctx, q, key).Scan(&js, &ts); err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.RecognitionResult{}, false, nil
		}
		return types.RecognitionResult{}, false, err
	}
	if r.MaxAge > 0 && time.Since(ts) > r.MaxAge {
		return types.RecognitionResult{}, false, nil
	}
	var res types.RecognitionResult
	if err := json.Unmarshal(js, &res); err != nil {
		slog.Warn("recognition cache: broken row", slog.String("key", key), slog.Any("err", err))
		return types.RecognitionResult{}, false, nil
	}
	return res, true, nil
}

// Save сохраняет/обновляет запись по ключу.
func (r *RecognitionRepo) Save(ctx context.Context, key string, res types.RecognitionResult) error {
	js, err := json.Marshal(res)
	if err != nil {
		return err
	}
	const q = `
insert into recognition_cache (cache_key, engine, model, result_json)
values ($1,$2,$3,$4)
on conflict (cache_key) do update
set result_json = excluded.result_json,
    created_at = now()`
	_, err = r.DB.ExecContext(ctx, q, key, r.Engine, r.Model, js)
	return err
}

// PurgeOlderThan удаляет старые записи кэша, чтобы не раздувать БД.
func (r *RecognitionRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	const q = `delete from recognition_cache where created_at < $1`
	res, err := r.DB.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
