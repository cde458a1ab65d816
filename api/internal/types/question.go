package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuestionNumber идентифицирует вопрос: положительное целое ("1") или строка ("13(1)", "六").
// Чисто числовые строки канонизируются в целое при разборе, поэтому "1" и 1 — один и тот же ключ.
// Значение сравнимо и пригодно как ключ map.
type QuestionNumber struct {
	n int
	s string
}

// NumberQ строит числовой номер вопроса.
func NumberQ(n int) QuestionNumber { return QuestionNumber{n: n} }

// ParseQuestionNumber канонизирует строковое представление номера.
func ParseQuestionNumber(s string) QuestionNumber {
	s = strings.TrimSpace(s)
	if n, ok := numericString(s); ok {
		return QuestionNumber{n: n}
	}
	return QuestionNumber{s: s}
}

func numericString(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// IsNumeric сообщает, задан ли номер целым числом.
func (q QuestionNumber) IsNumeric() bool { return q.n > 0 }

// Int возвращает числовое значение (0 для строковых номеров).
func (q QuestionNumber) Int() int { return q.n }

// IsZero — номер не задан.
func (q QuestionNumber) IsZero() bool { return q.n == 0 && q.s == "" }

// Valid: положительное целое или непустая строка.
func (q QuestionNumber) Valid() bool { return q.n > 0 || strings.TrimSpace(q.s) != "" }

func (q QuestionNumber) String() string {
	if q.n > 0 {
		return strconv.Itoa(q.n)
	}
	return q.s
}

func (q QuestionNumber) MarshalJSON() ([]byte, error) {
	if q.n > 0 {
		return []byte(strconv.Itoa(q.n)), nil
	}
	return json.Marshal(q.s)
}

// UnmarshalJSON принимает число или строку. Нецелые и неположительные числа
// сохраняются строкой, чтобы валидация отфильтровала их, а не упала на разборе.
func (q *QuestionNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*q = QuestionNumber{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = ParseQuestionNumber(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("question number: %w", err)
	}
	*q = FromFloat(f)
	return nil
}

// FromFloat канонизирует числовое значение из JSON.
func FromFloat(f float64) QuestionNumber {
	if f > 0 && f == float64(int(f)) {
		return QuestionNumber{n: int(f)}
	}
	if f == 0 {
		return QuestionNumber{}
	}
	return QuestionNumber{s: strconv.FormatFloat(f, 'f', -1, 64)}
}

// MarshalText нужен для ключей map в JSON (objectiveScores / subjectiveScores).
func (q QuestionNumber) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *QuestionNumber) UnmarshalText(b []byte) error {
	*q = ParseQuestionNumber(string(b))
	return nil
}
