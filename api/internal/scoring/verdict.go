package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"exam-grader/api/internal/parse"
	"exam-grader/api/internal/types"
)

// number принимает 3, 3.5 и "3".
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || len(b) == 0 {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("bad number %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

type verdictQuestion struct {
	QuestionNumber types.QuestionNumber `json:"question_number"`
	Type           string               `json:"type"`
	Score          number               `json:"score"`
	MaxScore       number               `json:"max_score"`
	Reason         string               `json:"reason"`
}

type verdict struct {
	Questions []verdictQuestion `json:"questions"`
}

// decodeVerdict: сначала строгий JSON, затем восстановление из текста.
func decodeVerdict(raw string) ([]verdictQuestion, error) {
	var v verdict
	if err := parse.DecodeInto(raw, &v); err != nil {
		v = verdict{}
		if err := parse.ParseInto(raw, &v); err != nil {
			return nil, err
		}
	}
	out := make([]verdictQuestion, 0, len(v.Questions))
	for _, q := range v.Questions {
		if !q.QuestionNumber.Valid() {
			continue
		}
		q.Type = strings.ToLower(strings.TrimSpace(q.Type))
		q.Reason = strings.TrimSpace(q.Reason)
		out = append(out, q)
	}
	return out, nil
}

// ChoiceScore — правило «всё или ничего» для вопросов выбора. ok=false, если эталон пуст
// или один из ответов не сводится к буквам вариантов: тогда остаётся оценка модели.
func ChoiceScore(student, standard string, maxScore float64) (score float64, ok bool) {
	if !IsChoiceAnswer(student) || !IsChoiceAnswer(standard) {
		return 0, false
	}
	want := NormalizeChoice(standard)
	if want == "" {
		return 0, false
	}
	if NormalizeChoice(student) == want {
		return maxScore, true
	}
	return 0, true
}

// IsChoiceAnswer: в ответе только латинские буквы, пробелы и знаки препинания.
// "C. x+2" и "3" сюда не проходят.
func IsChoiceAnswer(s string) bool {
	for _, r := range width.Fold.String(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case unicode.IsSpace(r), unicode.IsPunct(r):
		default:
			return false
		}
	}
	return true
}

// NormalizeChoice приводит ответ к отсортированному набору латинских букв:
// "b, a" -> "AB", "Ａ" -> "A". Регистр, пробелы, разделители и порядок не важны.
func NormalizeChoice(s string) string {
	s = strings.ToUpper(width.Fold.String(s))
	var letters []rune
	for _, r := range s {
		if r >= 'A' && r <= 'Z' && !slices.Contains(letters, r) {
			letters = append(letters, r)
		}
	}
	slices.Sort(letters)
	return string(letters)
}
