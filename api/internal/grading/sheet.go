package grading

import (
	"context"
	"fmt"

	"exam-grader/api/internal/merge"
	"exam-grader/api/internal/scoring"
	"exam-grader/api/internal/types"
)

// gradeSheet проверяет страницы листа строго по порядку и сводит результат.
func (c *Coordinator) gradeSheet(ctx context.Context, req types.GradeBatchRequest, sheet types.GradingSheet) (types.CallbackPayload, error) {
	pages := sheet.StudentSheetImageURLs
	students := make([]types.AnswerRecognitionResponse, 0, len(pages))
	standards := make([]types.AnswerRecognitionResponse, 0, len(pages))
	blanks := make([]types.RecognitionResult, 0, len(pages))
	scores := make([]types.ScoreCalculationResult, 0, len(pages))

	for i, url := range pages {
		blank, ok := req.BlankSheetRecognition.ForPage(i)
		if !ok {
			return types.CallbackPayload{}, fmt.Errorf("page %d: no blank sheet recognition for this page", i+1)
		}
		standard, ok := standardForPage(req.AnswerRecognition, blank, i)
		if !ok {
			return types.CallbackPayload{}, fmt.Errorf("page %d: no standard answers for this page", i+1)
		}

		student, err := c.recognizer.RecognizeStudentAnswers(ctx, url, blank)
		if err != nil {
			return types.CallbackPayload{}, fmt.Errorf("page %d: recognize: %w", i+1, err)
		}
		score, err := c.scorer.CalculatePageScores(ctx, student, standard, blank)
		if err != nil {
			return types.CallbackPayload{}, fmt.Errorf("page %d: score: %w", i+1, err)
		}

		students = append(students, student)
		standards = append(standards, standard)
		blanks = append(blanks, blank)
		scores = append(scores, score)
	}

	answers := merge.Answers(students...)
	standard := merge.Answers(standards...)
	result := scoring.FillMissing(merge.Scores(scores...), standard, blanks...)
	Enrich(&result, answers, standard)

	return types.CallbackPayload{
		GradingSheetID:   sheet.GradingSheetID,
		RecognizeResult:  &answers,
		ObjectiveScores:  result.ObjectiveScores,
		SubjectiveScores: result.SubjectiveScores,
		FinalScore:       types.FormatScore(result.TotalScore),
		MaxScore:         types.FormatScore(result.TotalMaxScore),
		Status:           types.StatusCompleted,
		ResultPayload:    &types.ResultPayload{Questions: result.Questions},
	}, nil
}

// standardForPage: эталон пакета, а если его нет — ответы из комбинированного распознавания бланка.
func standardForPage(set types.AnswerRecognitionSet, blank types.RecognitionResult, i int) (types.AnswerRecognitionResponse, bool) {
	if len(set) > 0 {
		return set.ForPage(i)
	}
	if blank.Answers != nil {
		return *blank.Answers, true
	}
	return types.AnswerRecognitionResponse{}, false
}

// Enrich проставляет каждому вопросу текст ответа ученика и эталона (точное совпадение номера).
func Enrich(res *types.ScoreCalculationResult, student, standard types.AnswerRecognitionResponse) {
	st := student.Lookup()
	sd := standard.Lookup()
	for i := range res.Questions {
		q := &res.Questions[i]
		if a, ok := st[q.QuestionNumber]; ok {
			s := a.Answer
			q.StudentAnswer = &s
		}
		if a, ok := sd[q.QuestionNumber]; ok {
			s := a.Answer
			q.StandardAnswer = &s
		}
	}
}
