package parse

import (
	"encoding/json"
	"math"
	"strings"

	"exam-grader/api/internal/types"
)

// IsValidRegion: тип choice|essay, координаты в [0,100], min < max по обеим осям.
func IsValidRegion(r types.QuestionRegion) bool {
	return r.Type.IsRegionType() && r.Box.Valid()
}

// IsValidScore: номер — положительное целое или непустая строка, балл >= 0.
func IsValidScore(s types.QuestionScore) bool {
	return s.QuestionNumber.Valid() && s.Score >= 0 && !math.IsNaN(s.Score) && !math.IsInf(s.Score, 0)
}

// IsValidAnswer: у ответа должен быть корректный номер вопроса.
func IsValidAnswer(a types.QuestionAnswer) bool {
	return a.QuestionNumber.Valid()
}

func decodeRegion(b json.RawMessage) (types.QuestionRegion, bool) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return types.QuestionRegion{}, false
	}
	t, _ := m["type"].(string)
	r := types.QuestionRegion{Type: types.QuestionType(strings.ToLower(strings.TrimSpace(t)))}

	var ok bool
	if r.XMin, ok = coord(m, "x_min_percent", "x_min"); !ok {
		return r, false
	}
	if r.YMin, ok = coord(m, "y_min_percent", "y_min"); !ok {
		return r, false
	}
	if r.XMax, ok = coord(m, "x_max_percent", "x_max"); !ok {
		return r, false
	}
	if r.YMax, ok = coord(m, "y_max_percent", "y_max"); !ok {
		return r, false
	}
	return r, IsValidRegion(r)
}

// coord берёт число по основному имени поля, затем по старому (без _percent).
// Строки не принимаются: координата обязана быть числом.
func coord(m map[string]any, name, legacy string) (float64, bool) {
	v, ok := m[name]
	if !ok {
		v, ok = m[legacy]
	}
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func decodeScore(b json.RawMessage) (types.QuestionScore, bool) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return types.QuestionScore{}, false
	}
	qv, ok := m["questionNumber"]
	if !ok {
		qv, ok = m["question_number"]
	}
	if !ok {
		return types.QuestionScore{}, false
	}

	var s types.QuestionScore
	switch q := qv.(type) {
	case float64:
		// число допускается только положительным целым
		if q <= 0 || q != math.Trunc(q) {
			return s, false
		}
		s.QuestionNumber = types.NumberQ(int(q))
	case string:
		if strings.TrimSpace(q) == "" {
			return s, false
		}
		s.QuestionNumber = types.ParseQuestionNumber(q)
	default:
		return s, false
	}

	score, ok := m["score"].(float64)
	if !ok {
		return s, false
	}
	s.Score = score
	return s, IsValidScore(s)
}

// FilterAnswers убирает вопросы без корректного номера и области без вопросов не трогает.
func FilterAnswers(a types.AnswerRecognitionResponse) types.AnswerRecognitionResponse {
	out := types.AnswerRecognitionResponse{Regions: make([]types.RegionAnswerResult, 0, len(a.Regions))}
	for _, r := range a.Regions {
		qs := make([]types.QuestionAnswer, 0, len(r.Questions))
		for _, q := range r.Questions {
			if IsValidAnswer(q) {
				qs = append(qs, q)
			}
		}
		r.Questions = qs
		out.Regions = append(out.Regions, r)
	}
	return out
}
