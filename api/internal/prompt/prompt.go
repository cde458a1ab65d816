// Package prompt — тексты промптов и схемы ответа для всех вызовов модели.
package prompt

import (
	"fmt"
	"strconv"
	"strings"
)

const jsonOnly = "Return ONLY a JSON object that matches the response schema. No markdown, no comments, no text outside the JSON."

const boxRules = `Coordinates are percentages of the image size in [0,100]: x grows to the right, y grows downward.
x_min_percent < x_max_percent and y_min_percent < y_max_percent.`

const numberRules = `Question numbers must be written exactly as printed on the sheet: "1", "12", "13(1)", "13(2)", "六", "二(3)".
Nested sub-questions get their own entries (for "13" with parts (1) and (2) write "13(1)" and "13(2)").`

// RegionAndScore — чистый бланк: одна общая область выбора + баллы всех вопросов.
func RegionAndScore() string {
	return `You are analysing a BLANK exam answer sheet (no student handwriting).

Tasks:
1. Locate the region that contains ALL multiple-choice questions. If choice questions are spread over
   several blocks, return ONE box that covers all of them (type "choice"). If the sheet has no choice
   questions, return no regions. Do not return regions for other question types.
2. List EVERY question and sub-question with the points it is worth ("score"), as printed on the sheet
   (e.g. "(3分)", "每小题2分", section headers like "一、选择题（每题3分，共30分）").
   When a section header gives points per question, expand it to each question of the section.
   Zero-point questions are allowed.

` + boxRules + "\n" + numberRules + "\n\n" + jsonOnly
}

// Combined — бланк(и) и лист(ы) ответов одним вызовом. Баллы и ответы берутся с бланка,
// лист ответов — запасной источник.
func Combined(blankPages, answerPages int) string {
	return fmt.Sprintf(`You receive %d image(s) of a BLANK exam sheet followed by %d image(s) of the ANSWER KEY.
Images 1..%d are the blank sheet pages, the remaining images are the answer key pages.

Tasks:
1. On the blank sheet locate ONE region covering all multiple-choice questions (type "choice") and the
   free-response areas (type "essay").
2. List every question and sub-question with its point value ("scores").
3. List the standard answer of every question ("answers"), grouped by question type
   ("choice", "fill", "essay").

PRIORITY RULE: read point values and answers from the BLANK SHEET whenever they are printed there.
Use the answer key images ONLY as a fallback reference for information the blank sheet does not contain.

`+boxRules+"\n"+numberRules+"\n"+
		`For choice questions the answer is the option letter(s) only, e.g. "A" or "BD".

`+jsonOnly, blankPages, answerPages, blankPages)
}

// ChoiceCrop — вырезанная область с вопросами выбора.
func ChoiceCrop() string {
	return `The image is a cropped region of a STUDENT's exam sheet that contains multiple-choice questions.
For every question visible in the crop report the option(s) the student marked (filled box, circle,
tick or handwritten letter). Use option letters only, in alphabetical order, e.g. "A", "BD".
If a question is visible but left unanswered, use an empty string. Do not guess questions that are
not visible.

` + numberRules + "\n\n" + jsonOnly
}

// EssayExcludeChoice — весь лист ученика, кроме вопросов выбора.
func EssayExcludeChoice() string {
	return `The image is a full page of a STUDENT's exam sheet.
Transcribe the student's answers to all questions EXCEPT multiple-choice questions (they are handled
separately, do not include them).

Group answers by type: "fill" for fill-in-the-blank questions (several blanks of one question are
joined with ";"), "essay" for free-response questions (keep line breaks, formulas in plain text).
Transcribe exactly what the student wrote, including mistakes. Unanswered questions get an empty string.

` + numberRules + "\n\n" + jsonOnly
}

// StudentSheet — весь лист ученика целиком, когда на бланке нет области выбора.
func StudentSheet() string {
	return `The image is a full page of a STUDENT's exam sheet.
Transcribe the student's answers to ALL questions on the page, grouped by type: "choice" (option
letters only, alphabetical, e.g. "A", "BD"), "fill" (several blanks of one question joined with ";"),
"essay" (free-response, keep line breaks). Transcribe exactly what the student wrote, including mistakes.
Unanswered questions get an empty string.

` + numberRules + "\n\n" + jsonOnly
}

// AnswerKey — эталонные ответы по всей странице.
func AnswerKey() string {
	return `The image is a page of an exam ANSWER KEY.
List the standard answer of every question and sub-question on the page, grouped by question type
("choice", "fill", "essay"). For choice questions use the option letter(s) only, e.g. "A", "BD".
For essay questions give the full reference answer or the scoring points.

` + numberRules + "\n\n" + jsonOnly
}

// GradingItem — одна строка сравнения для проверяющей модели.
type GradingItem struct {
	Number   string
	Type     string
	Student  string
	Standard string
	// MaxScore nil — бланк не заявил балл.
	MaxScore *float64
}

var typeTitles = []struct{ typ, title string }{
	{"choice", "MULTIPLE-CHOICE QUESTIONS"},
	{"fill", "FILL-IN-THE-BLANK QUESTIONS"},
	{"essay", "FREE-RESPONSE QUESTIONS"},
}

// Grading — сравнение ответов ученика с эталоном, сгруппированное по типам вопросов.
func Grading(items []GradingItem) string {
	var b strings.Builder
	b.WriteString(`You are grading a student's exam. For every question below compare the student's answer with the
standard answer and award points.

Rules:
- max_score of a question is given as ground truth; never award more than max_score and never less than 0.
- choice: all-or-nothing. Full points only if the selected options equal the standard options exactly.
- fill: each blank counts; award partial points proportionally when some blanks are correct.
- essay: award partial points by the key steps / scoring points of the standard answer.
- An empty student answer scores 0.
- "reason" is one short sentence explaining the verdict.
- Grade every listed question exactly once and keep question_number exactly as listed.

`)
	for _, tt := range typeTitles {
		var section []GradingItem
		for _, it := range items {
			if it.Type == tt.typ {
				section = append(section, it)
			}
		}
		if len(section) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", tt.title)
		for _, it := range section {
			writeItem(&b, it)
		}
		b.WriteByte('\n')
	}
	var other []GradingItem
	for _, it := range items {
		if !knownType(it.Type) {
			other = append(other, it)
		}
	}
	if len(other) > 0 {
		b.WriteString("## OTHER QUESTIONS (infer the type from the answers)\n")
		for _, it := range other {
			writeItem(&b, it)
		}
		b.WriteByte('\n')
	}
	b.WriteString(jsonOnly)
	return b.String()
}

func knownType(t string) bool {
	for _, tt := range typeTitles {
		if tt.typ == t {
			return true
		}
	}
	return false
}

func writeItem(b *strings.Builder, it GradingItem) {
	maxScore := "unknown (infer from the standard answer)"
	if it.MaxScore != nil {
		maxScore = strconv.FormatFloat(*it.MaxScore, 'f', -1, 64)
	}
	fmt.Fprintf(b, "Question %s (max_score: %s)\n", it.Number, maxScore)
	fmt.Fprintf(b, "  standard answer: %s\n", orNone(it.Standard))
	fmt.Fprintf(b, "  student answer: %s\n", orNone(it.Student))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return strconv.Quote(s)
}
