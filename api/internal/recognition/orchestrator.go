// Package recognition вызывает модель для чистого бланка, эталона и листа ученика
// и приводит ответы к проверенным структурам.
package recognition

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/parse"
	"exam-grader/api/internal/types"
)

var tracer = otel.Tracer("exam-grader/recognition")

type Fetcher interface {
	Fetch(ctx context.Context, src string) (llm.Image, error)
}

type Cropper interface {
	Crop(ctx context.Context, src llm.Image, box types.Box, expandPercent float64) (llm.Image, error)
}

// Cache хранит распознанные чистые бланки по ключу содержимого.
type Cache interface {
	Find(ctx context.Context, key string) (types.RecognitionResult, bool, error)
	Save(ctx context.Context, key string, r types.RecognitionResult) error
}

type Options struct {
	// RegionMargin — расширение областей парсером, в процентных пунктах.
	RegionMargin float64
	// CropExpand — расширение при вырезании, в процентах.
	CropExpand float64
	// ModelTimeout ограничивает один вызов модели; 0 — без ограничения.
	ModelTimeout time.Duration
	Cache        Cache
}

func DefaultOptions() Options {
	return Options{
		RegionMargin: parse.DefaultMargin,
		CropExpand:   2,
		ModelTimeout: 180 * time.Second,
	}
}

type Orchestrator struct {
	engine llm.Engine
	fetch  Fetcher
	crop   Cropper
	parser parse.Parser
	opts   Options
}

func New(engine llm.Engine, fetcher Fetcher, cropper Cropper, opts Options) *Orchestrator {
	return &Orchestrator{
		engine: engine,
		fetch:  fetcher,
		crop:   cropper,
		parser: parse.New(opts.RegionMargin),
		opts:   opts,
	}
}

func (o *Orchestrator) Engine() llm.Engine { return o.engine }

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.ModelTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.opts.ModelTimeout)
}

func (o *Orchestrator) invoke(ctx context.Context, images []llm.Image, prompt string) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.engine.Invoke(ctx, images, prompt)
}

func (o *Orchestrator) invokeStructured(ctx context.Context, images []llm.Image, prompt, schemaName string, schema llm.Schema) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	return o.engine.InvokeStructured(ctx, images, prompt, schemaName, schema)
}
