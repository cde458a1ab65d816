package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/merge"
	"exam-grader/api/internal/parse"
	"exam-grader/api/internal/prompt"
	"exam-grader/api/internal/types"
	"exam-grader/api/internal/util"
)

// RecognizeBlankSheet находит на чистом бланке область(и) вопросов и баллы всех вопросов.
func (o *Orchestrator) RecognizeBlankSheet(ctx context.Context, imageURL string) (res types.RecognitionResult, err error) {
	ctx, span := tracer.Start(ctx, "recognition.BlankSheet")
	defer func() { util.EndSpan(span, err) }()

	img, err := o.fetch.Fetch(ctx, imageURL)
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("blank sheet: %w", err)
	}

	key := o.cacheKey(prompt.SchemaRegionScore, img)
	if r, ok := o.cached(ctx, key); ok {
		return r, nil
	}

	res, err = run(ctx, o, call[types.RecognitionResult]{
		op:     "blank_sheet",
		images: []llm.Image{img},
		prompt: prompt.RegionAndScore(),
		schema: prompt.SchemaRegionScore,
		strict: o.parser.Decode,
		loose:  o.parser.Parse,
		empty:  types.RecognitionResult.Empty,
	})
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("blank sheet: %w", err)
	}
	res.Answers = nil
	res.Regions = unionChoice(res.Regions)
	span.SetAttributes(attribute.Int("regions", len(res.Regions)), attribute.Int("scores", len(res.Scores)))

	o.store(ctx, key, res)
	return res, nil
}

// RecognizeCombined — бланк(и) и эталон(ы) одним вызовом: области, баллы и эталонные ответы.
func (o *Orchestrator) RecognizeCombined(ctx context.Context, blankURLs, answerURLs []string) (res types.RecognitionResult, err error) {
	ctx, span := tracer.Start(ctx, "recognition.Combined")
	defer func() { util.EndSpan(span, err) }()

	if len(blankURLs) == 0 {
		return types.RecognitionResult{}, fmt.Errorf("combined: no blank sheet images")
	}
	images, err := o.fetchAll(ctx, append(append([]string{}, blankURLs...), answerURLs...))
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("combined: %w", err)
	}

	key := o.cacheKey(prompt.SchemaCombined+":"+strconv.Itoa(len(blankURLs)), images...)
	if r, ok := o.cached(ctx, key); ok {
		return r, nil
	}

	res, err = run(ctx, o, call[types.RecognitionResult]{
		op:     "combined",
		images: images,
		prompt: prompt.Combined(len(blankURLs), len(answerURLs)),
		schema: prompt.SchemaCombined,
		strict: o.parser.Decode,
		loose:  o.parser.Parse,
		empty: func(r types.RecognitionResult) bool {
			return r.Empty() && (r.Answers == nil || r.Answers.Empty())
		},
	})
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("combined: %w", err)
	}
	res.Regions = unionChoice(res.Regions)
	if res.Answers != nil {
		a := normalizeAnswers(parse.FilterAnswers(*res.Answers))
		a = merge.Answers(a)
		res.Answers = &a
	}
	span.SetAttributes(attribute.Int("regions", len(res.Regions)), attribute.Int("scores", len(res.Scores)))

	o.store(ctx, key, res)
	return res, nil
}

// RecognizeAnswers распознаёт эталонные ответы по каждой странице и сводит их вместе.
func (o *Orchestrator) RecognizeAnswers(ctx context.Context, imageURLs []string) (res types.AnswerRecognitionResponse, err error) {
	ctx, span := tracer.Start(ctx, "recognition.Answers")
	defer func() { util.EndSpan(span, err) }()

	if len(imageURLs) == 0 {
		return types.AnswerRecognitionResponse{}, fmt.Errorf("answers: no images")
	}
	pages := make([]types.AnswerRecognitionResponse, len(imageURLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range imageURLs {
		g.Go(func() error {
			img, err := o.fetch.Fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("answers page %d: %w", i+1, err)
			}
			page, err := run(gctx, o, call[types.AnswerRecognitionResponse]{
				op:     "answer_key",
				images: []llm.Image{img},
				prompt: prompt.AnswerKey(),
				schema: prompt.SchemaAnswers,
				strict: parse.DecodeAnswers,
				loose:  parse.ParseAnswers,
				empty:  types.AnswerRecognitionResponse.Empty,
			})
			if err != nil {
				return fmt.Errorf("answers page %d: %w", i+1, err)
			}
			pages[i] = normalizeAnswers(page)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.AnswerRecognitionResponse{}, err
	}
	return merge.Answers(pages...), nil
}

func (o *Orchestrator) fetchAll(ctx context.Context, urls []string) ([]llm.Image, error) {
	images := make([]llm.Image, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			img, err := o.fetch.Fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("image %d: %w", i+1, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (o *Orchestrator) cacheKey(variant string, images ...llm.Image) string {
	parts := [][]byte{[]byte(o.engine.Name()), []byte(o.engine.GetModel()), []byte(variant)}
	for _, img := range images {
		parts = append(parts, img.Data)
	}
	return util.SHA256Hex(parts...)
}

func (o *Orchestrator) cached(ctx context.Context, key string) (types.RecognitionResult, bool) {
	if o.opts.Cache == nil {
		return types.RecognitionResult{}, false
	}
	r, ok, err := o.opts.Cache.Find(ctx, key)
	if err != nil {
		slog.Warn("recognition cache lookup failed", slog.Any("err", err))
		return types.RecognitionResult{}, false
	}
	if ok {
		slog.Debug("recognition cache hit", slog.String("key", key))
	}
	return r, ok
}

func (o *Orchestrator) store(ctx context.Context, key string, r types.RecognitionResult) {
	if o.opts.Cache == nil || r.Empty() {
		return
	}
	if err := o.opts.Cache.Save(ctx, key, r); err != nil {
		slog.Warn("recognition cache save failed", slog.Any("err", err))
	}
}

// unionChoice сводит все области choice в одну (на месте первой), остальные оставляет как есть.
func unionChoice(regions []types.QuestionRegion) []types.QuestionRegion {
	out := make([]types.QuestionRegion, 0, len(regions))
	first := -1
	for _, r := range regions {
		if r.Type != types.TypeChoice {
			out = append(out, r)
			continue
		}
		if first < 0 {
			first = len(out)
			out = append(out, r)
			continue
		}
		out[first].Box = out[first].Box.Union(r.Box)
	}
	return out
}

// normalizeAnswers: нелокализованные ответы получают область «всё изображение».
func normalizeAnswers(a types.AnswerRecognitionResponse) types.AnswerRecognitionResponse {
	for i := range a.Regions {
		if !a.Regions[i].Region.Valid() {
			a.Regions[i].Region = types.FullImage
		}
		if a.Regions[i].Questions == nil {
			a.Regions[i].Questions = []types.QuestionAnswer{}
		}
	}
	if a.Regions == nil {
		a.Regions = []types.RegionAnswerResult{}
	}
	return a
}
