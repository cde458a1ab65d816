package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// QuestionScoreResult — оценка одного вопроса. Инвариант: 0 <= Score <= MaxScore.
type QuestionScoreResult struct {
	QuestionNumber QuestionNumber `json:"question_number"`
	Type           QuestionType   `json:"type"`
	Score          float64        `json:"score"`
	MaxScore       float64        `json:"max_score"`
	Reason         string         `json:"reason,omitempty"`
	StudentAnswer  *string        `json:"studentAnswer,omitempty"`
	StandardAnswer *string        `json:"standardAnswer,omitempty"`
}

type ScoreEntry struct {
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
}

// ScoreCalculationResult — итог проверки листа (или одной страницы).
type ScoreCalculationResult struct {
	Questions        []QuestionScoreResult         `json:"questions"`
	ObjectiveScores  map[QuestionNumber]ScoreEntry `json:"objectiveScores"`
	SubjectiveScores map[QuestionNumber]ScoreEntry `json:"subjectiveScores"`
	TotalScore       float64                       `json:"totalScore"`
	TotalMaxScore    float64                       `json:"totalMaxScore"`
}

// Recompute пересчитывает суммы по списку вопросов.
func (r *ScoreCalculationResult) Recompute() {
	r.TotalScore, r.TotalMaxScore = 0, 0
	for _, q := range r.Questions {
		r.TotalScore += q.Score
		r.TotalMaxScore += q.MaxScore
	}
}

// --- batch ------------------------------------------------------------------

// SheetStatus — статус в колбэке.
type SheetStatus string

const (
	StatusCompleted SheetStatus = "completed"
	StatusFailed    SheetStatus = "failed"
)

// GradingSheet — один лист ученика (одна или несколько страниц).
type GradingSheet struct {
	GradingSheetID        int64    `json:"gradingSheetId"`
	StudentSheetImageURLs []string `json:"studentSheetImageUrls"`
}

// AnswerRecognitionSet принимает в JSON как один объект, так и массив (по странице на элемент).
type AnswerRecognitionSet []AnswerRecognitionResponse

func (s *AnswerRecognitionSet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var arr []AnswerRecognitionResponse
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	var one AnswerRecognitionResponse
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = AnswerRecognitionSet{one}
	return nil
}

// ForPage: один элемент общий для всех страниц, иначе по индексу.
func (s AnswerRecognitionSet) ForPage(i int) (AnswerRecognitionResponse, bool) {
	return pick(s, i)
}

// BlankSheetSet — распознанные страницы чистого бланка.
type BlankSheetSet []RecognitionResult

func (s BlankSheetSet) ForPage(i int) (RecognitionResult, bool) {
	return pick(s, i)
}

func pick[T any](s []T, i int) (T, bool) {
	var zero T
	switch {
	case len(s) == 1:
		return s[0], true
	case i >= 0 && i < len(s):
		return s[i], true
	}
	return zero, false
}

// GradeBatchRequest — тело POST /grading/grade-batch.
type GradeBatchRequest struct {
	BlankSheetRecognition BlankSheetSet        `json:"blankSheetRecognition"`
	AnswerRecognition     AnswerRecognitionSet `json:"answerRecognition"`
	CallbackURL           string               `json:"callbackUrl"`
	Sheets                []GradingSheet       `json:"sheets"`
	MaxConcurrent         int                  `json:"maxConcurrent,omitempty"`
}

// GradeBatchAccepted — ответ 202 на приём пакета.
type GradeBatchAccepted struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	SubmittedCount int    `json:"submittedCount"`
	BatchID        string `json:"batchId,omitempty"`
}

// ResultPayload — детализация в колбэке.
type ResultPayload struct {
	Questions []QuestionScoreResult `json:"questions"`
}

// CallbackPayload — тело вебхука. Формат фиксирован внешним потребителем.
type CallbackPayload struct {
	GradingSheetID   int64                         `json:"gradingSheetId"`
	RecognizeResult  *AnswerRecognitionResponse    `json:"recognizeResult,omitempty"`
	ObjectiveScores  map[QuestionNumber]ScoreEntry `json:"objectiveScores,omitempty"`
	SubjectiveScores map[QuestionNumber]ScoreEntry `json:"subjectiveScores,omitempty"`
	FinalScore       string                        `json:"finalScore,omitempty"`
	MaxScore         string                        `json:"maxScore,omitempty"`
	Status           SheetStatus                   `json:"status"`
	FailureReason    string                        `json:"failureReason,omitempty"`
	ResultPayload    *ResultPayload                `json:"resultPayload,omitempty"`
}

// FormatScore печатает балл без хвостовых нулей: 3 -> "3", 2.5 -> "2.5".
func FormatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
