// Package callback доставляет итоги проверки на внешний webhook.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"exam-grader/api/internal/retry"
)

// DefaultRetries — повторы после первой попытки.
const DefaultRetries = 3

// CallbackError — webhook недоступен или отвечал не 2xx на всех попытках.
type CallbackError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// StatusError — ответ webhook вне диапазона 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("callback status %d", e.Code)
	}
	return fmt.Sprintf("callback status %d: %s", e.Code, e.Body)
}

type Dispatcher struct {
	httpc   *http.Client
	Retries int
	// Backoff по умолчанию — 2^attempt секунд.
	Backoff func(attempt int) time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error
}

func New(timeout time.Duration, retries int) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Dispatcher{
		httpc:   &http.Client{Timeout: timeout},
		Retries: retries,
		Backoff: retry.Exponential(time.Second),
	}
}

// WithClient подменяет HTTP-клиент (тесты, кастомный транспорт).
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.httpc = c
	return d
}

func (d *Dispatcher) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: d.Retries + 1,
		Backoff:     d.Backoff,
		Sleep:       d.Sleep,
	}
}

// Send отправляет payload POST-запросом в формате JSON. Не-2xx считается ошибкой,
// после исчерпания попыток возвращается *CallbackError с последней ошибкой.
func (d *Dispatcher) Send(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callback: marshal payload: %w", err)
	}

	p := d.policy()
	err = retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		err := d.post(ctx, url, body)
		if err != nil {
			slog.Warn("callback attempt failed",
				slog.String("url", url),
				slog.Int("attempt", attempt+1),
				slog.Int("of", p.MaxAttempts),
				slog.Any("err", err))
		}
		return err
	})
	if err == nil {
		return nil
	}
	var re *retry.Error
	if errors.As(err, &re) {
		return &CallbackError{URL: url, Attempts: re.Attempts, Err: re.Err}
	}
	return &CallbackError{URL: url, Attempts: p.MaxAttempts, Err: err}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(x))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
