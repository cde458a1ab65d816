package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exam-grader/api/internal/grading"
	"exam-grader/api/internal/types"
)

// JobRepo — журнал проверки листов. PK: (batch_id, grading_sheet_id).
type JobRepo struct{ DB *sql.DB }

func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{DB: db} }

// Record сохраняет/обновляет состояние листа.
func (r *JobRepo) Record(ctx context.Context, rec grading.JobRecord) error {
	var js []byte
	if rec.Payload != nil {
		var err error
		if js, err = json.Marshal(rec.Payload); err != nil {
			return err
		}
	}
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	const q = `
insert into grading_jobs (
  batch_id, grading_sheet_id, status, failure_reason, payload_json,
  callback_delivered, callback_error, updated_at
) values ($1,$2,$3,nullif($4,''),$5,$6,nullif($7,''),$8)
on conflict (batch_id, grading_sheet_id) do update
set status = excluded.status,
    failure_reason = excluded.failure_reason,
    payload_json = coalesce(excluded.payload_json, grading_jobs.payload_json),
    callback_delivered = excluded.callback_delivered,
    callback_error = excluded.callback_error,
    updated_at = excluded.updated_at`
	_, err := r.DB.ExecContext(ctx, q,
		rec.BatchID, rec.GradingSheetID, string(rec.Status), rec.FailureReason, nullJSON(js),
		rec.CallbackDelivered, rec.CallbackError, ts,
	)
	return err
}

// Find возвращает последнюю запись по листу (из любого пакета).
func (r *JobRepo) Find(ctx context.Context, gradingSheetID int64) (grading.JobRecord, error) {
	const q = `
select batch_id, grading_sheet_id, status,
       coalesce(failure_reason,''), payload_json,
       callback_delivered, coalesce(callback_error,''), updated_at
from grading_jobs
where grading_sheet_id = $1
order by updated_at desc
limit 1`
	var (
		rec    grading.JobRecord
		status string
		js     []byte
	)
	err := r.DB.QueryRowContext(ctx, q, gradingSheetID).Scan(
		&rec.BatchID, &rec.GradingSheetID, &status,
		&rec.FailureReason, &js,
		&rec.CallbackDelivered, &rec.CallbackError, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return grading.JobRecord{}, fmt.Errorf("%w: sheet %d", grading.ErrJobNotFound, gradingSheetID)
	}
	if err != nil {
		return grading.JobRecord{}, err
	}
	rec.Status = grading.JobStatus(status)
	if len(js) > 0 {
		var p types.CallbackPayload
		if err := json.Unmarshal(js, &p); err == nil {
			rec.Payload = &p
		}
	}
	return rec, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
