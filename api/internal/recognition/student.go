package recognition

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/parse"
	"exam-grader/api/internal/prompt"
	"exam-grader/api/internal/types"
	"exam-grader/api/internal/util"
)

// RecognizeStudentAnswers распознаёт ответы ученика на одной странице.
//
// Каждая область choice с бланка вырезается и распознаётся отдельно; параллельно весь лист
// распознаётся с промптом «без вопросов выбора». Сбой ветки даёт пустой результат этой ветки,
// а не ошибку всего вызова. Результаты склеиваются: сначала choice, затем остальные.
func (o *Orchestrator) RecognizeStudentAnswers(ctx context.Context, imageURL string, blank types.RecognitionResult) (res types.AnswerRecognitionResponse, err error) {
	ctx, span := tracer.Start(ctx, "recognition.StudentAnswers")
	defer func() { util.EndSpan(span, err) }()

	img, err := o.fetch.Fetch(ctx, imageURL)
	if err != nil {
		return types.AnswerRecognitionResponse{}, fmt.Errorf("student sheet: %w", err)
	}

	choice := blank.RegionsOf(types.TypeChoice)
	choiceResults := make([]types.RegionAnswerResult, len(choice))
	var rest []types.RegionAnswerResult

	var g errgroup.Group
	for i, region := range choice {
		g.Go(func() error {
			choiceResults[i] = o.recognizeChoiceRegion(ctx, img, region, i)
			return nil
		})
	}
	g.Go(func() error {
		rest = o.recognizeFullSheet(ctx, img, len(choice) > 0)
		return nil
	})
	_ = g.Wait()

	out := types.AnswerRecognitionResponse{Regions: make([]types.RegionAnswerResult, 0, len(choiceResults)+len(rest))}
	out.Regions = append(out.Regions, choiceResults...)
	out.Regions = append(out.Regions, rest...)
	span.SetAttributes(attribute.Int("choice_regions", len(choiceResults)), attribute.Int("other_regions", len(rest)))
	return out, nil
}

func (o *Orchestrator) recognizeChoiceRegion(ctx context.Context, img llm.Image, region types.QuestionRegion, idx int) types.RegionAnswerResult {
	res := types.RegionAnswerResult{Type: types.TypeChoice, Region: region.Box, Questions: []types.QuestionAnswer{}}

	crop, err := o.crop.Crop(ctx, img, region.Box, o.opts.CropExpand)
	if err != nil {
		slog.Warn("choice region crop failed", slog.Int("region", idx), slog.Any("err", err))
		return res
	}
	qs, err := run(ctx, o, call[[]types.QuestionAnswer]{
		op:     "choice_region",
		images: []llm.Image{crop},
		prompt: prompt.ChoiceCrop(),
		schema: prompt.SchemaQuestions,
		strict: parse.DecodeQuestions,
		loose:  parse.ParseQuestions,
		empty:  func(q []types.QuestionAnswer) bool { return len(q) == 0 },
	})
	if err != nil {
		slog.Warn("choice region recognition failed", slog.Int("region", idx), slog.Any("err", err))
		return res
	}
	res.Questions = qs
	return res
}

// recognizeFullSheet — ветка без вырезания. Если на бланке есть области choice, вопросы выбора
// исключаются (их даёт ветка вырезок), иначе распознаётся весь лист.
func (o *Orchestrator) recognizeFullSheet(ctx context.Context, img llm.Image, excludeChoice bool) []types.RegionAnswerResult {
	p := prompt.StudentSheet()
	if excludeChoice {
		p = prompt.EssayExcludeChoice()
	}
	ans, err := run(ctx, o, call[types.AnswerRecognitionResponse]{
		op:     "full_sheet",
		images: []llm.Image{img},
		prompt: p,
		schema: prompt.SchemaAnswers,
		strict: parse.DecodeAnswers,
		loose:  parse.ParseAnswers,
		empty:  types.AnswerRecognitionResponse.Empty,
	})
	if err != nil {
		slog.Warn("full sheet recognition failed", slog.Any("err", err))
		return []types.RegionAnswerResult{}
	}

	out := make([]types.RegionAnswerResult, 0, len(ans.Regions))
	for _, r := range normalizeAnswers(ans).Regions {
		if excludeChoice && r.Type == types.TypeChoice {
			continue
		}
		r.Region = types.FullImage
		out = append(out, r)
	}
	return out
}
