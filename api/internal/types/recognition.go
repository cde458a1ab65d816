package types

import (
	"encoding/json"
	"strings"
)

// QuestionType — классификация вопроса на листе.
type QuestionType string

const (
	TypeChoice QuestionType = "choice"
	TypeFill   QuestionType = "fill"
	TypeEssay  QuestionType = "essay"
)

// IsRegionType: области на бланке бывают только choice | essay.
func (t QuestionType) IsRegionType() bool { return t == TypeChoice || t == TypeEssay }

// IsObjective: choice и fill проверяются машинно, essay — по суждению.
func (t QuestionType) IsObjective() bool { return t == TypeChoice || t == TypeFill }

// Box — прямоугольник в процентах от размеров изображения, [0,100].
type Box struct {
	XMin float64 `json:"x_min_percent"`
	YMin float64 `json:"y_min_percent"`
	XMax float64 `json:"x_max_percent"`
	YMax float64 `json:"y_max_percent"`
}

// FullImage — область «всё изображение» для нелокализованного распознавания.
var FullImage = Box{XMin: 0, YMin: 0, XMax: 100, YMax: 100}

// Valid: все координаты в [0,100], min < max по обеим осям.
func (b Box) Valid() bool {
	for _, v := range []float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if v < 0 || v > 100 {
			return false
		}
	}
	return b.XMin < b.XMax && b.YMin < b.YMax
}

// Expand расширяет прямоугольник на margin процентных пунктов с каждой стороны с обрезкой по [0,100].
func (b Box) Expand(margin float64) Box {
	return Box{
		XMin: clampPercent(b.XMin - margin),
		YMin: clampPercent(b.YMin - margin),
		XMax: clampPercent(b.XMax + margin),
		YMax: clampPercent(b.YMax + margin),
	}
}

// Union — покоординатное объединение (min минимумов, max максимумов).
func (b Box) Union(o Box) Box {
	return Box{
		XMin: min(b.XMin, o.XMin),
		YMin: min(b.YMin, o.YMin),
		XMax: max(b.XMax, o.XMax),
		YMax: max(b.YMax, o.YMax),
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// QuestionRegion — область вопросов одного типа на бланке.
type QuestionRegion struct {
	Type QuestionType `json:"type"`
	Box
}

// QuestionScore — максимальный балл вопроса, заявленный на чистом бланке (эталон для max_score).
type QuestionScore struct {
	QuestionNumber QuestionNumber `json:"questionNumber"`
	Score          float64        `json:"score"`
}

// QuestionAnswer — распознанный ответ на один вопрос.
type QuestionAnswer struct {
	QuestionNumber QuestionNumber `json:"question_number"`
	Answer         string         `json:"answer"`
}

// UnmarshalJSON терпит ответ-число, ответ-массив и null: модели так иногда пишут.
func (a *QuestionAnswer) UnmarshalJSON(b []byte) error {
	var raw struct {
		QuestionNumber QuestionNumber  `json:"question_number"`
		Answer         json.RawMessage `json:"answer"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.QuestionNumber = raw.QuestionNumber
	a.Answer = answerText(raw.Answer)
	return nil
}

func answerText(b json.RawMessage) string {
	t := strings.TrimSpace(string(b))
	if t == "" || t == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		return s
	}
	var parts []string
	if json.Unmarshal(b, &parts) == nil {
		return strings.Join(parts, ",")
	}
	return t
}

// RegionAnswerResult — ответы одного типа вместе с координатами исходной области.
type RegionAnswerResult struct {
	Type      QuestionType     `json:"type"`
	Region    Box              `json:"region"`
	Questions []QuestionAnswer `json:"questions"`
}

// AnswerRecognitionResponse — все распознанные ответы листа (или эталона).
type AnswerRecognitionResponse struct {
	Regions []RegionAnswerResult `json:"regions"`
}

// Lookup строит индекс номер вопроса -> (тип, ответ). Первое вхождение выигрывает.
func (a AnswerRecognitionResponse) Lookup() map[QuestionNumber]AnswerRef {
	out := make(map[QuestionNumber]AnswerRef)
	for _, r := range a.Regions {
		for _, q := range r.Questions {
			if _, ok := out[q.QuestionNumber]; ok {
				continue
			}
			out[q.QuestionNumber] = AnswerRef{Type: r.Type, Answer: q.Answer}
		}
	}
	return out
}

// Empty — нет ни одного распознанного вопроса.
func (a AnswerRecognitionResponse) Empty() bool {
	for _, r := range a.Regions {
		if len(r.Questions) > 0 {
			return false
		}
	}
	return true
}

// AnswerRef — ответ вместе с типом вопроса, из которого он взят.
type AnswerRef struct {
	Type   QuestionType
	Answer string
}

// RecognitionResult — результат анализа чистого бланка (или комбинированного вызова).
type RecognitionResult struct {
	Regions []QuestionRegion           `json:"regions"`
	Scores  []QuestionScore            `json:"scores"`
	Answers *AnswerRecognitionResponse `json:"answers,omitempty"`
}

// Empty — модель не вернула ни областей, ни баллов.
func (r RecognitionResult) Empty() bool { return len(r.Regions) == 0 && len(r.Scores) == 0 }

// MaxScores — заявленный максимум по номеру вопроса. Первое вхождение выигрывает.
func (r RecognitionResult) MaxScores() map[QuestionNumber]float64 {
	out := make(map[QuestionNumber]float64, len(r.Scores))
	for _, s := range r.Scores {
		if _, ok := out[s.QuestionNumber]; !ok {
			out[s.QuestionNumber] = s.Score
		}
	}
	return out
}

// RegionsOf возвращает области заданного типа в исходном порядке.
func (r RecognitionResult) RegionsOf(t QuestionType) []QuestionRegion {
	var out []QuestionRegion
	for _, reg := range r.Regions {
		if reg.Type == t {
			out = append(out, reg)
		}
	}
	return out
}
