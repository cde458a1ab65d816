// Package grading проверяет пакеты листов с ограничением параллельности
// и сообщает итог каждого листа колбэком.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"exam-grader/api/internal/types"
	"exam-grader/api/internal/util"
)

var tracer = otel.Tracer("exam-grader/grading")

const DefaultMaxConcurrent = 5

// ErrInvalidRequest — пакет не прошёл проверку до запуска.
var ErrInvalidRequest = errors.New("invalid grade batch request")

// ErrJobNotFound — в журнале нет записи по листу.
var ErrJobNotFound = errors.New("grading job not found")

type Recognizer interface {
	RecognizeStudentAnswers(ctx context.Context, imageURL string, blank types.RecognitionResult) (types.AnswerRecognitionResponse, error)
}

type Scorer interface {
	CalculatePageScores(ctx context.Context, student, standard types.AnswerRecognitionResponse, blank types.RecognitionResult) (types.ScoreCalculationResult, error)
}

type Sender interface {
	Send(ctx context.Context, url string, payload any) error
}

// Recorder ведёт журнал листов.
type Recorder interface {
	Record(ctx context.Context, rec JobRecord) error
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// JobStatus — состояние листа в журнале.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type JobRecord struct {
	BatchID           string
	GradingSheetID    int64
	Status            JobStatus
	FailureReason     string
	Payload           *types.CallbackPayload
	CallbackDelivered bool
	CallbackError     string
	UpdatedAt         time.Time
}

type Coordinator struct {
	recognizer Recognizer
	scorer     Scorer
	sender     Sender

	MaxConcurrent int
	Recorder      Recorder
	Notifier      Notifier

	// base — контекст для пакетов, запущенных через Submit; переживает HTTP-запрос.
	base context.Context
	wg   sync.WaitGroup
	now  func() time.Time
}

func New(base context.Context, recognizer Recognizer, scorer Scorer, sender Sender) *Coordinator {
	if base == nil {
		base = context.Background()
	}
	return &Coordinator{
		recognizer:    recognizer,
		scorer:        scorer,
		sender:        sender,
		MaxConcurrent: DefaultMaxConcurrent,
		base:          base,
		now:           time.Now,
	}
}

// Validate проверяет пакет до запуска.
func Validate(req types.GradeBatchRequest) error {
	switch {
	case len(req.Sheets) == 0:
		return fmt.Errorf("%w: sheets is empty", ErrInvalidRequest)
	case req.CallbackURL == "":
		return fmt.Errorf("%w: callbackUrl is empty", ErrInvalidRequest)
	case len(req.BlankSheetRecognition) == 0:
		return fmt.Errorf("%w: blankSheetRecognition is empty", ErrInvalidRequest)
	case req.MaxConcurrent < 0:
		return fmt.Errorf("%w: maxConcurrent must be positive", ErrInvalidRequest)
	}
	for _, s := range req.Sheets {
		if len(s.StudentSheetImageURLs) == 0 {
			return fmt.Errorf("%w: sheet %d has no images", ErrInvalidRequest, s.GradingSheetID)
		}
	}
	return nil
}

// Submit принимает пакет и запускает его в фоне: ответ — только квитанция о приёме,
// итог по каждому листу уходит колбэком.
func (c *Coordinator) Submit(req types.GradeBatchRequest) (types.GradeBatchAccepted, error) {
	if err := Validate(req); err != nil {
		return types.GradeBatchAccepted{}, err
	}
	batchID := uuid.NewString()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.gradeBatch(c.base, batchID, req); err != nil {
			slog.Error("grade batch aborted", slog.String("batch_id", batchID), slog.Any("err", err))
		}
	}()
	return accepted(batchID, len(req.Sheets)), nil
}

// Wait ждёт завершения всех пакетов, запущенных через Submit.
func (c *Coordinator) Wait() { c.wg.Wait() }

// GradeBatch проверяет пакет и возвращается, когда по всем листам отправлены колбэки.
func (c *Coordinator) GradeBatch(ctx context.Context, req types.GradeBatchRequest) (types.GradeBatchAccepted, error) {
	if err := Validate(req); err != nil {
		return types.GradeBatchAccepted{}, err
	}
	return c.gradeBatch(ctx, uuid.NewString(), req)
}

func accepted(batchID string, n int) types.GradeBatchAccepted {
	return types.GradeBatchAccepted{
		Success:        true,
		Message:        fmt.Sprintf("%d sheet(s) submitted for grading", n),
		SubmittedCount: n,
		BatchID:        batchID,
	}
}

func (c *Coordinator) gradeBatch(ctx context.Context, batchID string, req types.GradeBatchRequest) (res types.GradeBatchAccepted, err error) {
	ctx, span := tracer.Start(ctx, "grading.GradeBatch")
	defer func() { util.EndSpan(span, err) }()

	limit := req.MaxConcurrent
	if limit <= 0 {
		limit = c.MaxConcurrent
	}
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	span.SetAttributes(
		attribute.String("batch_id", batchID),
		attribute.Int("sheets", len(req.Sheets)),
		attribute.Int("max_concurrent", limit),
	)
	slog.Info("grade batch started",
		slog.String("batch_id", batchID),
		slog.Int("sheets", len(req.Sheets)),
		slog.Int("max_concurrent", limit))

	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	for i, sheet := range req.Sheets {
		if err := sem.Acquire(ctx, 1); err != nil {
			// пакет отменён: оставшимся листам — failed, без ожидания воркеров
			for _, rest := range req.Sheets[i:] {
				c.fail(context.WithoutCancel(ctx), batchID, req.CallbackURL, rest.GradingSheetID, fmt.Errorf("batch cancelled: %w", err))
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.runSheet(ctx, batchID, req, sheet)
		}()
	}
	wg.Wait()

	slog.Info("grade batch finished", slog.String("batch_id", batchID))
	return accepted(batchID, len(req.Sheets)), nil
}

// runSheet — граница изоляции листа: любая ошибка и паника превращаются в failed-колбэк.
func (c *Coordinator) runSheet(ctx context.Context, batchID string, req types.GradeBatchRequest, sheet types.GradingSheet) {
	ctx, span := tracer.Start(ctx, "grading.Sheet")
	span.SetAttributes(attribute.Int64("grading_sheet_id", sheet.GradingSheetID))

	var (
		err  error
		sent bool // итоговый колбэк уже ушёл, второй не шлём
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			if !sent {
				c.fail(ctx, batchID, req.CallbackURL, sheet.GradingSheetID, err)
			} else {
				slog.Error("panic after sheet callback",
					slog.String("batch_id", batchID),
					slog.Int64("grading_sheet_id", sheet.GradingSheetID),
					slog.Any("err", err))
			}
		}
		util.EndSpan(span, err)
	}()

	slog.Info("sheet grading started",
		slog.String("batch_id", batchID),
		slog.Int64("grading_sheet_id", sheet.GradingSheetID),
		slog.Int("pages", len(sheet.StudentSheetImageURLs)))
	c.record(ctx, JobRecord{BatchID: batchID, GradingSheetID: sheet.GradingSheetID, Status: JobProcessing})

	payload, err := c.gradeSheet(ctx, req, sheet)
	if err != nil {
		c.fail(ctx, batchID, req.CallbackURL, sheet.GradingSheetID, err)
		return
	}

	slog.Info("sheet graded",
		slog.String("batch_id", batchID),
		slog.Int64("grading_sheet_id", sheet.GradingSheetID),
		slog.String("final_score", payload.FinalScore),
		slog.String("max_score", payload.MaxScore))

	rec := JobRecord{BatchID: batchID, GradingSheetID: sheet.GradingSheetID, Status: JobCompleted, Payload: &payload}
	serr := c.sender.Send(ctx, req.CallbackURL, payload)
	sent = true
	if serr != nil {
		// проверка прошла, не доставлено только уведомление
		slog.Error("completion callback failed",
			slog.String("batch_id", batchID),
			slog.Int64("grading_sheet_id", sheet.GradingSheetID),
			slog.Any("err", serr))
		rec.CallbackError = serr.Error()
		c.notify(ctx, fmt.Sprintf("Лист %d (пакет %s) проверен, но колбэк не доставлен: %v", sheet.GradingSheetID, batchID, serr))
	} else {
		rec.CallbackDelivered = true
	}
	c.record(ctx, rec)
}

// fail отправляет failed-колбэк; его ошибка только логируется.
func (c *Coordinator) fail(ctx context.Context, batchID, callbackURL string, sheetID int64, cause error) {
	slog.Error("sheet grading failed",
		slog.String("batch_id", batchID),
		slog.Int64("grading_sheet_id", sheetID),
		slog.Any("err", cause))

	payload := types.CallbackPayload{
		GradingSheetID: sheetID,
		Status:         types.StatusFailed,
		FailureReason:  cause.Error(),
	}
	rec := JobRecord{BatchID: batchID, GradingSheetID: sheetID, Status: JobFailed, FailureReason: cause.Error(), Payload: &payload}
	if err := c.sender.Send(ctx, callbackURL, payload); err != nil {
		slog.Error("failure callback failed",
			slog.String("batch_id", batchID),
			slog.Int64("grading_sheet_id", sheetID),
			slog.Any("err", err))
		rec.CallbackError = err.Error()
	} else {
		rec.CallbackDelivered = true
	}
	c.record(ctx, rec)
	c.notify(ctx, fmt.Sprintf("Лист %d (пакет %s) не проверен: %v", sheetID, batchID, cause))
}

func (c *Coordinator) record(ctx context.Context, rec JobRecord) {
	if c.Recorder == nil {
		return
	}
	rec.UpdatedAt = c.now()
	if err := c.Recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("job ledger write failed",
			slog.String("batch_id", rec.BatchID),
			slog.Int64("grading_sheet_id", rec.GradingSheetID),
			slog.Any("err", err))
	}
}

func (c *Coordinator) notify(ctx context.Context, text string) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(context.WithoutCancel(ctx), text); err != nil {
		slog.Warn("alert failed", slog.Any("err", err))
	}
}
