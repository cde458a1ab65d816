// Package parse превращает текст ответа модели в типизированные структуры распознавания.
// Модели не доверяем: всё, что прошло через этот пакет, проверено предикатами IsValid*.
package parse

import (
	"encoding/json"
	"log/slog"
	"strings"

	"exam-grader/api/internal/types"
)

// DefaultMargin — на сколько процентных пунктов расширяется каждая сторона области.
const DefaultMargin = 2.0

// Parser разбирает ответы модели. Нулевое значение расширяет области на 0 пунктов,
// поэтому используйте New или Default.
type Parser struct {
	Margin float64
}

func New(margin float64) Parser { return Parser{Margin: margin} }

// Default — парсер с расширением областей на DefaultMargin.
var Default = New(DefaultMargin)

// Parse — Default.Parse.
func Parse(raw string) (types.RecognitionResult, error) { return Default.Parse(raw) }

// Parse восстанавливает JSON из произвольного текста модели и возвращает проверенный результат.
// Ошибка только если JSON-объект получить не удалось; пустой результат ошибкой не считается.
func (p Parser) Parse(raw string) (types.RecognitionResult, error) {
	b, err := ExtractJSON(raw)
	if err != nil {
		return types.RecognitionResult{}, err
	}
	return p.decode(b)
}

// Decode — строгий разбор без восстановления текста (для ответов structured output).
func (p Parser) Decode(raw string) (types.RecognitionResult, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return types.RecognitionResult{}, &ParseError{Msg: "empty model output", Offset: -1}
	}
	return p.decode([]byte(text))
}

type rawRecognition struct {
	Regions []json.RawMessage `json:"regions"`
	Scores  []json.RawMessage `json:"scores"`
	Answers json.RawMessage   `json:"answers"`
}

func (p Parser) decode(b []byte) (types.RecognitionResult, error) {
	var raw rawRecognition
	if err := json.Unmarshal(b, &raw); err != nil {
		// regions/scores не массивы и т.п. — пробуем поэлементно через map
		var loose map[string]any
		if err2 := json.Unmarshal(b, &loose); err2 != nil {
			return types.RecognitionResult{}, syntaxError(string(b), err2)
		}
		raw = rawRecognition{}
		if arr, ok := loose["regions"].([]any); ok {
			raw.Regions = remarshalAll(arr)
		}
		if arr, ok := loose["scores"].([]any); ok {
			raw.Scores = remarshalAll(arr)
		}
		if a, ok := loose["answers"]; ok && a != nil {
			raw.Answers, _ = json.Marshal(a)
		}
	}

	out := types.RecognitionResult{
		Regions: make([]types.QuestionRegion, 0, len(raw.Regions)),
		Scores:  make([]types.QuestionScore, 0, len(raw.Scores)),
	}
	for _, r := range raw.Regions {
		reg, ok := decodeRegion(r)
		if !ok {
			slog.Debug("parse: dropping invalid region", slog.String("region", string(r)))
			continue
		}
		reg.Box = reg.Box.Expand(p.Margin)
		out.Regions = append(out.Regions, reg)
	}
	for _, s := range raw.Scores {
		sc, ok := decodeScore(s)
		if !ok {
			slog.Debug("parse: dropping invalid score", slog.String("score", string(s)))
			continue
		}
		out.Scores = append(out.Scores, sc)
	}
	if len(raw.Answers) > 0 && string(raw.Answers) != "null" {
		var ans types.AnswerRecognitionResponse
		if err := json.Unmarshal(raw.Answers, &ans); err != nil {
			slog.Warn("parse: answers block ignored", slog.String("err", err.Error()))
		} else {
			out.Answers = &ans
		}
	}
	return out, nil
}

func remarshalAll(arr []any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(arr))
	for _, v := range arr {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}
