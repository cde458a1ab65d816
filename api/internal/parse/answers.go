package parse

import (
	"encoding/json"
	"strings"

	"exam-grader/api/internal/types"
)

// ParseInto восстанавливает JSON-объект из текста модели и раскладывает его в v.
func ParseInto(raw string, v any) error {
	b, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return syntaxError(string(b), err)
	}
	return nil
}

// DecodeInto — строгий вариант без восстановления текста.
func DecodeInto(raw string, v any) error {
	text := strings.TrimSpace(raw)
	if text == "" {
		return &ParseError{Msg: "empty model output", Offset: -1}
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return syntaxError(text, err)
	}
	return nil
}

// ParseAnswers разбирает ответ вида {"regions":[{type, region?, questions:[...]}]}.
func ParseAnswers(raw string) (types.AnswerRecognitionResponse, error) {
	var out types.AnswerRecognitionResponse
	if err := ParseInto(raw, &out); err != nil {
		return types.AnswerRecognitionResponse{}, err
	}
	return FilterAnswers(out), nil
}

// DecodeAnswers — строгий вариант ParseAnswers.
func DecodeAnswers(raw string) (types.AnswerRecognitionResponse, error) {
	var out types.AnswerRecognitionResponse
	if err := DecodeInto(raw, &out); err != nil {
		return types.AnswerRecognitionResponse{}, err
	}
	return FilterAnswers(out), nil
}

type questionList struct {
	Questions []types.QuestionAnswer `json:"questions"`
}

// ParseQuestions разбирает ответ вида {"questions":[...]} (распознавание вырезанной области).
func ParseQuestions(raw string) ([]types.QuestionAnswer, error) {
	var ql questionList
	if err := ParseInto(raw, &ql); err != nil {
		return nil, err
	}
	return filterQuestions(ql.Questions), nil
}

// DecodeQuestions — строгий вариант ParseQuestions.
func DecodeQuestions(raw string) ([]types.QuestionAnswer, error) {
	var ql questionList
	if err := DecodeInto(raw, &ql); err != nil {
		return nil, err
	}
	return filterQuestions(ql.Questions), nil
}

func filterQuestions(qs []types.QuestionAnswer) []types.QuestionAnswer {
	out := make([]types.QuestionAnswer, 0, len(qs))
	for _, q := range qs {
		if IsValidAnswer(q) {
			q.Answer = strings.TrimSpace(q.Answer)
			out = append(out, q)
		}
	}
	return out
}
