// Package retry — политика повторов и общий комбинатор для исходящих вызовов.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy описывает повторы: сколько всего попыток и сколько ждать после неудачной попытки attempt (0-based).
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Sleep можно подменить в тестах; nil — ожидание таймером с учётом ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Exponential — 2^attempt * base: 1s, 2s, 4s ... при base = 1s.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base << attempt
	}
}

// Linear — (attempt+1) * step, как в прежних циклах ретраев движков.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt+1) * step
	}
}

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Error — все попытки исчерпаны; Err — последняя ошибка.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do вызывает fn до p.MaxAttempts раз. Успех прерывает цикл сразу.
// Ошибка, обёрнутая в Permanent, и отмена ctx прекращают повторы.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return &Error{Attempts: attempt + 1, Err: perm.err}
		}
		if attempt == attempts-1 {
			break
		}
		var d time.Duration
		if p.Backoff != nil {
			d = p.Backoff(attempt)
		}
		if err := sleep(ctx, d); err != nil {
			return &Error{Attempts: attempt + 1, Err: errors.Join(last, err)}
		}
	}
	return &Error{Attempts: attempts, Err: last}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
