package prompt

import (
	"encoding/json"
	"fmt"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/util"
)

// Имена схем структурированного ответа.
const (
	SchemaRegionScore = "region_score"
	SchemaCombined    = "combined_recognition"
	SchemaAnswers     = "answer_recognition"
	SchemaQuestions   = "region_questions"
	SchemaGrading     = "grading_verdict"
)

// question_number в схемах — строка: провайдеры не умеют int|string,
// а парсер всё равно канонизирует "12" в 12.

const regionItem = `{
  "type": "object",
  "properties": {
    "type": {"type": "string", "enum": ["choice", "essay"]},
    "x_min_percent": {"type": "number", "description": "left edge, percent of image width"},
    "y_min_percent": {"type": "number", "description": "top edge, percent of image height"},
    "x_max_percent": {"type": "number", "description": "right edge, percent of image width"},
    "y_max_percent": {"type": "number", "description": "bottom edge, percent of image height"}
  },
  "required": ["type", "x_min_percent", "y_min_percent", "x_max_percent", "y_max_percent"]
}`

const scoreItem = `{
  "type": "object",
  "properties": {
    "questionNumber": {"type": "string", "description": "question number exactly as printed, e.g. 1, 13(2), 六"},
    "score": {"type": "number", "description": "points the question is worth"}
  },
  "required": ["questionNumber", "score"]
}`

const answerQuestion = `{
  "type": "object",
  "properties": {
    "question_number": {"type": "string"},
    "answer": {"type": "string"}
  },
  "required": ["question_number", "answer"]
}`

const answerRegion = `{
  "type": "object",
  "properties": {
    "type": {"type": "string", "enum": ["choice", "fill", "essay"]},
    "questions": {"type": "array", "items": ` + answerQuestion + `}
  },
  "required": ["type", "questions"]
}`

const answersObject = `{
  "type": "object",
  "properties": {
    "regions": {"type": "array", "items": ` + answerRegion + `}
  },
  "required": ["regions"]
}`

// RegionScoreSchema — области + баллы чистого бланка.
const RegionScoreSchema = `{
  "type": "object",
  "properties": {
    "regions": {"type": "array", "items": ` + regionItem + `},
    "scores": {"type": "array", "items": ` + scoreItem + `}
  },
  "required": ["regions", "scores"]
}`

// CombinedSchema — области, баллы и эталонные ответы за один вызов.
const CombinedSchema = `{
  "type": "object",
  "properties": {
    "regions": {"type": "array", "items": ` + regionItem + `},
    "scores": {"type": "array", "items": ` + scoreItem + `},
    "answers": ` + answersObject + `
  },
  "required": ["regions", "scores", "answers"]
}`

// AnswersSchema — ответы, сгруппированные по типу вопроса.
const AnswersSchema = answersObject

// QuestionsSchema — ответы внутри одной вырезанной области.
const QuestionsSchema = `{
  "type": "object",
  "properties": {
    "questions": {"type": "array", "items": ` + answerQuestion + `}
  },
  "required": ["questions"]
}`

// GradingSchema — вердикт проверяющей модели.
const GradingSchema = `{
  "type": "object",
  "properties": {
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "question_number": {"type": "string"},
          "type": {"type": "string", "enum": ["choice", "fill", "essay"]},
          "score": {"type": "number"},
          "max_score": {"type": "number"},
          "reason": {"type": "string"}
        },
        "required": ["question_number", "type", "score", "max_score", "reason"]
      }
    }
  },
  "required": ["questions"]
}`

var schemas = map[string]llm.Schema{
	SchemaRegionScore: mustSchema(RegionScoreSchema),
	SchemaCombined:    mustSchema(CombinedSchema),
	SchemaAnswers:     mustSchema(AnswersSchema),
	SchemaQuestions:   mustSchema(QuestionsSchema),
	SchemaGrading:     mustSchema(GradingSchema),
}

// Schema возвращает копию схемы по имени, движки вправе её менять.
func Schema(name string) (llm.Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("prompt: unknown schema %q", name)
	}
	return clone(s), nil
}

func mustSchema(src string) llm.Schema {
	var m map[string]any
	if err := json.Unmarshal([]byte(src), &m); err != nil {
		panic(fmt.Sprintf("prompt: bad schema: %v", err))
	}
	return m
}

func clone(s llm.Schema) llm.Schema {
	out, _ := util.CloneSchema(map[string]any(s)).(map[string]any)
	return out
}
