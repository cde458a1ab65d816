package recognition

import (
	"context"
	"log/slog"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/prompt"
)

// call — один запрос к модели со схемой и разборщиками для строгого и «ремонтного» режима.
type call[T any] struct {
	op     string
	images []llm.Image
	prompt string
	schema string
	strict func(string) (T, error)
	loose  func(string) (T, error)
	empty  func(T) bool
}

// run проходит лестницу деградации:
//  1. structured output + строгий разбор;
//  2. пусто или не разобралось — ремонтный разбор того же текста;
//  3. всё ещё пусто — повторный вызов без схемы + ремонтный разбор.
//
// Если сам structured-вызов упал, сразу делается один вызов без схемы.
func run[T any](ctx context.Context, o *Orchestrator, c call[T]) (T, error) {
	var zero T
	schema, err := prompt.Schema(c.schema)
	if err != nil {
		return zero, err
	}

	raw, err := o.invokeStructured(ctx, c.images, c.prompt, c.schema, schema)
	if err != nil {
		slog.Warn("structured call failed, retrying unconstrained",
			slog.String("op", c.op), slog.String("engine", o.engine.Name()), slog.Any("err", err))
		return unconstrained(ctx, o, c)
	}

	res, err := c.strict(raw)
	if err == nil && !c.empty(res) {
		return res, nil
	}
	if err != nil {
		slog.Warn("structured output is not valid JSON, repairing",
			slog.String("op", c.op), slog.Any("err", err))
	} else {
		slog.Warn("structured output is empty, reparsing raw text", slog.String("op", c.op))
	}

	repaired, rerr := c.loose(raw)
	if rerr == nil && !c.empty(repaired) {
		return repaired, nil
	}
	// лучший из уже полученных (возможно пустой) результат
	var best *T
	switch {
	case rerr == nil:
		best = &repaired
	case err == nil:
		best = &res
	}

	slog.Warn("falling back to unconstrained call", slog.String("op", c.op))
	out, uerr := unconstrained(ctx, o, c)
	if uerr != nil {
		if best != nil {
			slog.Warn("unconstrained call failed, keeping empty structured result",
				slog.String("op", c.op), slog.Any("err", uerr))
			return *best, nil
		}
		return zero, uerr
	}
	return out, nil
}

func unconstrained[T any](ctx context.Context, o *Orchestrator, c call[T]) (T, error) {
	var zero T
	raw, err := o.invoke(ctx, c.images, c.prompt)
	if err != nil {
		return zero, err
	}
	return c.loose(raw)
}
