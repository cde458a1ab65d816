package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/retry"
	"exam-grader/api/internal/util"
)

// Engine держит один клиент на процесс; модель создаётся на каждый вызов,
// потому что GenerationConfig у неё изменяемый.
type Engine struct {
	Model  string
	cl     *genai.Client
	policy retry.Policy
}

func New(ctx context.Context, apiKey, model string) (*Engine, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Engine{
		Model: strings.TrimSpace(model),
		cl:    cl,
		// Ретраи на случай 5xx/транзиентных сбоёв
		policy: retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(300 * time.Millisecond)},
	}, nil
}

func (e *Engine) Name() string     { return "gemini" }
func (e *Engine) GetModel() string { return e.Model }

func (e *Engine) Close() error {
	if e.cl == nil {
		return nil
	}
	return e.cl.Close()
}

func (e *Engine) Invoke(ctx context.Context, images []llm.Image, prompt string) (string, error) {
	m := e.model()
	return e.generate(ctx, "invoke", m, images, prompt)
}

func (e *Engine) InvokeStructured(ctx context.Context, images []llm.Image, prompt, name string, schema llm.Schema) (string, error) {
	s, err := ToSchema(schema)
	if err != nil {
		return "", &llm.EngineError{Engine: e.Name(), Op: name, Err: err}
	}
	m := e.model()
	m.GenerationConfig.ResponseMIMEType = "application/json"
	m.GenerationConfig.ResponseSchema = s
	return e.generate(ctx, name, m, images, prompt)
}

func (e *Engine) model() *genai.GenerativeModel {
	m := e.cl.GenerativeModel(e.Model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0),
	}
	return m
}

func (e *Engine) generate(ctx context.Context, op string, m *genai.GenerativeModel, images []llm.Image, prompt string) (string, error) {
	parts := make([]genai.Part, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, &genai.Blob{MIMEType: util.PickMIME(img.MIME, "", img.Data), Data: img.Data})
	}
	parts = append(parts, genai.Text(prompt))

	var txt string
	err := retry.Do(ctx, e.policy, func(ctx context.Context, _ int) error {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			return err
		}
		txt = firstText(resp)
		return nil
	})
	if err != nil {
		return "", &llm.EngineError{Engine: e.Name(), Op: op, Err: err}
	}
	if strings.TrimSpace(txt) == "" {
		return "", &llm.EngineError{Engine: e.Name(), Op: op, Err: llm.ErrEmptyResponse}
	}
	return txt, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
