package gpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"exam-grader/api/internal/llm"
	"exam-grader/api/internal/retry"
	"exam-grader/api/internal/util"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Engine struct {
	APIKey  string
	Model   string
	BaseURL string
	httpc   *http.Client
	policy  retry.Policy
}

func New(key, model, baseURL string, timeout time.Duration) *Engine {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Engine{
		APIKey:  strings.TrimSpace(key),
		Model:   strings.TrimSpace(model),
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		policy:  retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(300 * time.Millisecond)},
	}
}

func (e *Engine) Name() string { return "gpt" }

func (e *Engine) GetModel() string {
	if e.Model == "" {
		return "gpt-4o-mini"
	}
	return e.Model
}

func (e *Engine) Invoke(ctx context.Context, images []llm.Image, prompt string) (string, error) {
	return e.call(ctx, "invoke", e.body(images, prompt, nil))
}

func (e *Engine) InvokeStructured(ctx context.Context, images []llm.Image, prompt, name string, schema llm.Schema) (string, error) {
	s, _ := util.CloneSchema(map[string]any(schema)).(map[string]any)
	util.FixJSONSchemaStrict(s)
	format := map[string]any{
		"type":   "json_schema",
		"name":   name,
		"strict": true,
		"schema": s,
	}
	return e.call(ctx, name, e.body(images, prompt, format))
}

func (e *Engine) body(images []llm.Image, prompt string, format map[string]any) map[string]any {
	content := make([]any, 0, len(images)+1)
	for _, img := range images {
		mime := util.PickMIME(img.MIME, "", img.Data)
		content = append(content, map[string]any{
			"type":      "input_image",
			"image_url": util.MakeDataURL(mime, img.Data),
		})
	}
	content = append(content, map[string]any{"type": "input_text", "text": prompt})

	body := map[string]any{
		"model": e.GetModel(),
		"input": []any{
			map[string]any{"role": "user", "content": content},
		},
		"temperature": 0,
	}
	if strings.Contains(e.GetModel(), "gpt-5") {
		body["temperature"] = 1
	}
	if format != nil {
		body["text"] = map[string]any{"format": format}
	}
	return body
}

func (e *Engine) call(ctx context.Context, op string, body map[string]any) (string, error) {
	if e.APIKey == "" {
		return "", &llm.EngineError{Engine: e.Name(), Op: op, Err: errors.New("OPENAI_API_KEY is empty")}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &llm.EngineError{Engine: e.Name(), Op: op, Err: err}
	}

	var raw []byte
	err = retry.Do(ctx, e.policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/responses", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.APIKey)

		resp, err := e.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		x, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			serr := fmt.Errorf("openai %d: %s", resp.StatusCode, truncateBytes(bytes.TrimSpace(x), 1024))
			// 4xx (кроме 429) повторять бессмысленно
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Permanent(serr)
			}
			return serr
		}
		raw = x
		return nil
	})
	if err != nil {
		return "", &llm.EngineError{Engine: e.Name(), Op: op, Err: err}
	}

	out := strings.TrimSpace(ExtractResponsesText(raw))
	if out == "" {
		return "", &llm.EngineError{Engine: e.Name(), Op: op,
			Err: fmt.Errorf("%w; body=%s", llm.ErrEmptyResponse, truncateBytes(raw, 1024))}
	}
	return out, nil
}

// ExtractResponsesText достаёт текст модели из конверта Responses API.
// Предпочитает `output_text`, иначе склеивает `output[i].content[j].text`
// для сегментов типа `output_text` / `text`.
func ExtractResponsesText(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	if s := strings.TrimSpace(gjson.GetBytes(raw, "output_text").String()); s != "" {
		return s
	}

	var b strings.Builder
	gjson.GetBytes(raw, "output").ForEach(func(_, o gjson.Result) bool {
		o.Get("content").ForEach(func(_, c gjson.Result) bool {
			text := c.Get("text").String()
			if strings.TrimSpace(text) == "" {
				return true
			}
			switch c.Get("type").String() {
			case "output_text", "text", "":
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(text)
			}
			return true
		})
		return true
	})
	return b.String()
}

func truncateBytes(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
