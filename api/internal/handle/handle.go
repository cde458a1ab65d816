package handle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"exam-grader/api/internal/grading"
	"exam-grader/api/internal/imagefetch"
	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/parse"
	"exam-grader/api/internal/scoring"
	"exam-grader/api/internal/types"
)

type Recognizer interface {
	RecognizeBlankSheet(ctx context.Context, imageURL string) (types.RecognitionResult, error)
	RecognizeCombined(ctx context.Context, blankURLs, answerURLs []string) (types.RecognitionResult, error)
	RecognizeAnswers(ctx context.Context, imageURLs []string) (types.AnswerRecognitionResponse, error)
}

type Submitter interface {
	Submit(req types.GradeBatchRequest) (types.GradeBatchAccepted, error)
}

type Handle struct {
	rec    Recognizer
	batch  Submitter
	ping   func(ctx context.Context) error
	limits Limits
	ledger Ledger
}

type Limits struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// New: ping может быть nil (БД не настроена).
func New(rec Recognizer, batch Submitter, ping func(ctx context.Context) error, limits Limits) *Handle {
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = 4 << 20
	}
	if limits.RequestTimeout <= 0 {
		limits.RequestTimeout = 180 * time.Second
	}
	return &Handle{rec: rec, batch: batch, ping: ping, limits: limits}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeErr переводит ошибку конвейера в HTTP-статус.
func writeErr(w http.ResponseWriter, op string, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", slog.String("op", op), slog.Int("status", code), slog.Any("err", err))
	} else {
		slog.Warn("request rejected", slog.String("op", op), slog.Int("status", code), slog.Any("err", err))
	}
	writeJSON(w, code, errorBody{Error: op + ": " + err.Error()})
}

// StatusFor: размер изображения и неверный запрос — 400, нет листа — 404, ответ модели/провайдер — 502, таймаут — 504.
func StatusFor(err error) int {
	var (
		sizeErr    *imagefetch.ImageSizeError
		parseErr   *parse.ParseError
		scoringErr *scoring.ScoringError
		engineErr  *llm.EngineError
	)
	switch {
	case errors.As(err, &sizeErr), errors.Is(err, grading.ErrInvalidRequest), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, grading.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &parseErr), errors.As(err, &scoringErr), errors.As(err, &engineErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decode читает JSON-тело с ограничением размера.
func (h *Handle) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, h.limits.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		http.Error(w, "bad json: trailing data", http.StatusBadRequest)
		return false
	}
	return true
}

// deadline: X-Request-Timeout (секунды) или ?timeoutSec=, иначе лимит по умолчанию.
func (h *Handle) deadline(r *http.Request) (context.Context, context.CancelFunc) {
	d := h.limits.RequestTimeout
	if ts := r.Header.Get("X-Request-Timeout"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			d = time.Duration(v) * time.Second
		}
	} else if ts := r.URL.Query().Get("timeoutSec"); ts != "" {
		if v, _ := strconv.Atoi(ts); v > 0 {
			d = time.Duration(v) * time.Second
		}
	}
	return context.WithTimeout(r.Context(), d)
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
