// Package scoring сверяет ответы ученика с эталоном через проверяющую модель
// и приводит её вердикт к баллам бланка.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/merge"
	"exam-grader/api/internal/prompt"
	"exam-grader/api/internal/types"
	"exam-grader/api/internal/util"
)

var tracer = otel.Tracer("exam-grader/scoring")

const (
	ReasonNoVerdict   = "no verdict from grading model"
	ReasonNotAnswered = "not answered"
)

// ScoringError — ответ проверяющей модели не удалось разобрать как JSON.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string {
	return "scoring: grading model output is not valid JSON: " + e.Err.Error()
}

func (e *ScoringError) Unwrap() error { return e.Err }

type Reconciler struct {
	engine       llm.Engine
	ModelTimeout time.Duration
}

func New(engine llm.Engine, modelTimeout time.Duration) *Reconciler {
	return &Reconciler{engine: engine, ModelTimeout: modelTimeout}
}

// CalculateScores проверяет все вопросы: распознанные у ученика и заявленные бланком.
func (r *Reconciler) CalculateScores(ctx context.Context, student, standard types.AnswerRecognitionResponse, blank types.RecognitionResult) (types.ScoreCalculationResult, error) {
	return r.calculate(ctx, student, standard, blank, true)
}

// CalculatePageScores проверяет только вопросы, распознанные на странице ученика.
// Заявленные бланком, но не найденные ни на одной странице, добавляет FillMissing после слияния.
func (r *Reconciler) CalculatePageScores(ctx context.Context, student, standard types.AnswerRecognitionResponse, blank types.RecognitionResult) (types.ScoreCalculationResult, error) {
	return r.calculate(ctx, student, standard, blank, false)
}

// sheetIndex — всё, что известно о вопросах листа до вызова модели.
type sheetIndex struct {
	student  map[types.QuestionNumber]types.AnswerRef
	standard map[types.QuestionNumber]types.AnswerRef
	declared map[types.QuestionNumber]float64
	scope    []types.QuestionNumber
	inScope  map[types.QuestionNumber]struct{}
}

func newIndex(student, standard types.AnswerRecognitionResponse, blank types.RecognitionResult, withDeclared bool) sheetIndex {
	idx := sheetIndex{
		student:  student.Lookup(),
		standard: standard.Lookup(),
		declared: blank.MaxScores(),
		inScope:  make(map[types.QuestionNumber]struct{}),
	}
	add := func(q types.QuestionNumber) {
		if _, ok := idx.inScope[q]; ok || !q.Valid() {
			return
		}
		idx.inScope[q] = struct{}{}
		idx.scope = append(idx.scope, q)
	}
	for _, reg := range student.Regions {
		for _, q := range reg.Questions {
			add(q.QuestionNumber)
		}
	}
	if withDeclared {
		for _, s := range blank.Scores {
			add(s.QuestionNumber)
		}
	}
	slices.SortStableFunc(idx.scope, merge.Compare)
	return idx
}

// typeOf: тип из листа ученика, затем из эталона, затем вердикт модели.
func (idx sheetIndex) typeOf(q types.QuestionNumber, fromModel types.QuestionType) types.QuestionType {
	if a, ok := idx.student[q]; ok && a.Type != "" {
		return a.Type
	}
	if a, ok := idx.standard[q]; ok && a.Type != "" {
		return a.Type
	}
	switch fromModel {
	case types.TypeChoice, types.TypeFill, types.TypeEssay:
		return fromModel
	}
	return types.TypeEssay
}

func (r *Reconciler) calculate(ctx context.Context, student, standard types.AnswerRecognitionResponse, blank types.RecognitionResult, withDeclared bool) (res types.ScoreCalculationResult, err error) {
	ctx, span := tracer.Start(ctx, "scoring.CalculateScores")
	defer func() { util.EndSpan(span, err) }()

	idx := newIndex(student, standard, blank, withDeclared)
	span.SetAttributes(attribute.Int("questions", len(idx.scope)))
	if len(idx.scope) == 0 {
		return emptyResult(), nil
	}

	verdict, err := r.grade(ctx, idx)
	if err != nil {
		return types.ScoreCalculationResult{}, err
	}
	return reconcile(idx, verdict), nil
}

func emptyResult() types.ScoreCalculationResult {
	return types.ScoreCalculationResult{
		Questions:        []types.QuestionScoreResult{},
		ObjectiveScores:  map[types.QuestionNumber]types.ScoreEntry{},
		SubjectiveScores: map[types.QuestionNumber]types.ScoreEntry{},
	}
}

// reconcile приводит вердикт модели к инвариантам: max_score бланка главнее модели,
// 0 <= score <= max_score, для choice при известных ответах действует правило «всё или ничего».
func reconcile(idx sheetIndex, verdict []verdictQuestion) types.ScoreCalculationResult {
	graded := make(map[types.QuestionNumber]types.QuestionScoreResult, len(verdict))
	for _, v := range verdict {
		q := v.QuestionNumber
		if _, ok := idx.inScope[q]; !ok {
			slog.Debug("scoring: verdict for question outside scope dropped", slog.String("question", q.String()))
			continue
		}
		if _, dup := graded[q]; dup {
			continue
		}
		typ := idx.typeOf(q, types.QuestionType(v.Type))
		maxScore := nonNegative(float64(v.MaxScore))
		if declared, ok := idx.declared[q]; ok {
			if declared != maxScore {
				slog.Warn("max score overridden by blank sheet",
					slog.String("question", q.String()),
					slog.Float64("model_max_score", maxScore),
					slog.Float64("blank_sheet_max_score", declared))
			}
			maxScore = declared
		}
		score := clamp(float64(v.Score), maxScore)
		if s, ok := idx.choiceRule(q, typ, maxScore); ok {
			score = s
		}
		graded[q] = types.QuestionScoreResult{
			QuestionNumber: q,
			Type:           typ,
			Score:          score,
			MaxScore:       maxScore,
			Reason:         v.Reason,
		}
	}

	out := emptyResult()
	for _, q := range idx.scope {
		g, ok := graded[q]
		if !ok {
			g = idx.missing(q, ReasonNoVerdict)
		}
		out.Questions = append(out.Questions, g)
	}
	Classify(&out)
	return out
}

// missing — вопрос без вердикта: 0 баллов либо правило choice, если ответы известны.
func (idx sheetIndex) missing(q types.QuestionNumber, reason string) types.QuestionScoreResult {
	typ := idx.typeOf(q, "")
	maxScore := idx.declared[q]
	res := types.QuestionScoreResult{QuestionNumber: q, Type: typ, MaxScore: maxScore, Reason: reason}
	if s, ok := idx.choiceRule(q, typ, maxScore); ok {
		res.Score = s
	}
	return res
}

func (idx sheetIndex) choiceRule(q types.QuestionNumber, typ types.QuestionType, maxScore float64) (float64, bool) {
	if typ != types.TypeChoice {
		return 0, false
	}
	st, ok1 := idx.student[q]
	sd, ok2 := idx.standard[q]
	if !ok1 || !ok2 {
		return 0, false
	}
	return ChoiceScore(st.Answer, sd.Answer, maxScore)
}

// Classify раскладывает вопросы по objectiveScores / subjectiveScores и пересчитывает итоги.
func Classify(res *types.ScoreCalculationResult) {
	res.ObjectiveScores = make(map[types.QuestionNumber]types.ScoreEntry)
	res.SubjectiveScores = make(map[types.QuestionNumber]types.ScoreEntry)
	for _, q := range res.Questions {
		e := types.ScoreEntry{Score: q.Score, MaxScore: q.MaxScore}
		if q.Type.IsObjective() {
			res.ObjectiveScores[q.QuestionNumber] = e
		} else {
			res.SubjectiveScores[q.QuestionNumber] = e
		}
	}
	res.Recompute()
}

// FillMissing добавляет с нулём вопросы, заявленные бланками, которых нет в результате
// (ученик их не ответил ни на одной странице).
func FillMissing(res types.ScoreCalculationResult, standard types.AnswerRecognitionResponse, blanks ...types.RecognitionResult) types.ScoreCalculationResult {
	have := make(map[types.QuestionNumber]struct{}, len(res.Questions))
	for _, q := range res.Questions {
		have[q.QuestionNumber] = struct{}{}
	}
	std := standard.Lookup()
	added := false
	for _, b := range blanks {
		for _, s := range b.Scores {
			if _, ok := have[s.QuestionNumber]; ok {
				continue
			}
			have[s.QuestionNumber] = struct{}{}
			typ := types.TypeEssay
			if a, ok := std[s.QuestionNumber]; ok && a.Type != "" {
				typ = a.Type
			}
			res.Questions = append(res.Questions, types.QuestionScoreResult{
				QuestionNumber: s.QuestionNumber,
				Type:           typ,
				MaxScore:       s.Score,
				Reason:         ReasonNotAnswered,
			})
			added = true
		}
	}
	if added {
		slices.SortStableFunc(res.Questions, func(a, b types.QuestionScoreResult) int {
			return merge.Compare(a.QuestionNumber, b.QuestionNumber)
		})
	}
	Classify(&res)
	return res
}

func (r *Reconciler) grade(ctx context.Context, idx sheetIndex) ([]verdictQuestion, error) {
	items := make([]prompt.GradingItem, 0, len(idx.scope))
	for _, q := range idx.scope {
		it := prompt.GradingItem{Number: q.String(), Type: string(idx.typeOf(q, ""))}
		if a, ok := idx.student[q]; ok {
			it.Student = a.Answer
		}
		if a, ok := idx.standard[q]; ok {
			it.Standard = a.Answer
		}
		if m, ok := idx.declared[q]; ok {
			it.MaxScore = &m
		}
		items = append(items, it)
	}
	text := prompt.Grading(items)

	schema, err := prompt.Schema(prompt.SchemaGrading)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := r.withTimeout(ctx)
	raw, err := r.engine.InvokeStructured(callCtx, nil, text, prompt.SchemaGrading, schema)
	cancel()
	if err != nil {
		slog.Warn("structured grading call failed, retrying unconstrained", slog.Any("err", err))
		callCtx, cancel := r.withTimeout(ctx)
		raw, err = r.engine.Invoke(callCtx, nil, text)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("grading model: %w", err)
		}
	}
	v, err := decodeVerdict(raw)
	if err != nil {
		return nil, &ScoringError{Err: err}
	}
	return v, nil
}

func (r *Reconciler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.ModelTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.ModelTimeout)
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func clamp(score, maxScore float64) float64 {
	score = nonNegative(score)
	if score > maxScore {
		return maxScore
	}
	return score
}
