package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ParseError — из ответа модели не удалось получить JSON-объект.
type ParseError struct {
	Msg     string
	Offset  int64  // байтовое смещение ошибки в восстановленном тексте, -1 если неизвестно
	Snippet string // окно ±50 символов вокруг Offset
	Err     error
}

func (e *ParseError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("parse: %s (offset %d near %q)", e.Msg, e.Offset, e.Snippet)
	}
	return "parse: " + e.Msg
}

func (e *ParseError) Unwrap() error { return e.Err }

const snippetRadius = 50

var reFenced = regexp.MustCompile("(?s)```[ \t]*(?i:json)?[ \t]*\r?\n?(.*?)```")

// ExtractJSON вытаскивает JSON-объект из сырого текста модели: снимает ```-обёртку,
// отрезает прозу до первой '{' и мусор после последней '}', чинит известные дефекты
// (пропущенное имя второй координаты, висячие запятые) и проверяет синтаксис.
func ExtractJSON(raw string) ([]byte, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, &ParseError{Msg: "empty model output", Offset: -1}
	}

	if m := reFenced.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	} else if strings.HasPrefix(text, "```") {
		// открывающая обёртка без закрывающей (ответ обрезан)
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = strings.TrimSpace(text[nl+1:])
		} else {
			text = strings.TrimLeft(text, "`")
		}
	}

	if !strings.HasPrefix(text, "{") {
		i := strings.IndexByte(text, '{')
		if i < 0 {
			return nil, &ParseError{Msg: "no JSON object in model output", Offset: -1, Snippet: window(text, 0)}
		}
		text = text[i:]
	}
	if !strings.HasSuffix(text, "}") || strings.HasSuffix(text, ",") {
		if j := strings.LastIndexByte(text, '}'); j >= 0 {
			text = text[:j+1]
		}
	}

	var obj map[string]any
	if json.Unmarshal([]byte(text), &obj) == nil {
		return []byte(text), nil
	}

	// чиним только то, что не разобралось
	text = repairCoordinates(text)
	text = stripTrailingCommas(text)
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, syntaxError(text, err)
	}
	return []byte(text), nil
}

// stripTrailingCommas убирает запятые перед '}' и ']' вне строковых литералов.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			j := i + 1
			for j < len(text) && isJSONSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isJSONSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func syntaxError(text string, err error) *ParseError {
	pe := &ParseError{Msg: "invalid JSON", Offset: -1, Err: err}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	switch {
	case errors.As(err, &se):
		pe.Msg = se.Error()
		pe.Offset = se.Offset
		pe.Snippet = window(text, int(se.Offset))
	case errors.As(err, &te):
		pe.Msg = "model output is not a JSON object"
		pe.Offset = te.Offset
		pe.Snippet = window(text, int(te.Offset))
	default:
		pe.Snippet = window(text, len(text))
	}
	return pe
}

// window возвращает текст в пределах ±snippetRadius байт вокруг off, не разрывая UTF-8.
func window(text string, off int) string {
	from := max(off-snippetRadius, 0)
	to := min(off+snippetRadius, len(text))
	if from > to {
		from = to
	}
	for from > 0 && !isRuneStart(text[from]) {
		from--
	}
	for to < len(text) && !isRuneStart(text[to]) {
		to++
	}
	return text[from:to]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
