// Package llm — контракт визуально-языковой модели: картинки + текст на входе, текст на выходе.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Image — изображение, уже загруженное в память.
type Image struct {
	MIME string
	Data []byte
}

// Schema — JSON Schema структурированного ответа (подмножество, понятное обоим провайдерам).
type Schema map[string]any

type Engine interface {
	Name() string
	GetModel() string
	// Invoke — вызов без ограничений формата, возвращает сырой текст модели.
	Invoke(ctx context.Context, images []Image, prompt string) (string, error)
	// InvokeStructured просит модель вернуть JSON по схеме name/schema.
	InvokeStructured(ctx context.Context, images []Image, prompt, name string, schema Schema) (string, error)
}

// ErrEmptyResponse — провайдер ответил, но текста в ответе нет.
var ErrEmptyResponse = errors.New("llm: empty response")

// EngineError — ошибка вызова провайдера (сеть, статус, квоты).
type EngineError struct {
	Engine string
	Op     string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Engine, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

type Engines struct {
	Gemini Engine
	OpenAI Engine
}

func (e *Engines) GetEngine(llmName string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(llmName)) {
	case "gemini", "google":
		if e.Gemini == nil {
			return nil, errors.New("gemini engine is not configured")
		}
		return e.Gemini, nil
	case "gpt", "openai":
		if e.OpenAI == nil {
			return nil, errors.New("openai engine is not configured")
		}
		return e.OpenAI, nil
	default:
		return nil, errors.New("unknown llm_name; use 'gemini' or 'gpt'")
	}
}
