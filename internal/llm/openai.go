package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

func init() {
	RegisterBackend("openai", newOpenAIBackend)
}

// Usage holds token counts from the most recent inference.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// openaiBackend talks to any OpenAI-compatible chat completions API.
// Gemini endpoints get their native request shape, everything else gets
// /chat/completions with a bearer token.
type openaiBackend struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	apiKey      string
	client      *http.Client

	mu    sync.Mutex
	usage Usage
}

func newOpenAIBackend(cfg ModelConfig, deps Deps) (Backend, error) {
	key := ""
	if cfg.APIKeyVault != "" && deps.Vault != nil {
		if v, err := deps.Vault(cfg.APIKeyVault); err == nil {
			key = v
		}
	}
	if key == "" {
		// Plaintext key in config is a dev-only fallback.
		key = cfg.APIKey
	}
	b := &openaiBackend{
		url:         strings.TrimRight(cfg.URL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		apiKey:      key,
	}
	if b.url == "" {
		b.url = "https://api.openai.com/v1"
	}
	if b.model == "" {
		b.model = "gpt-4o-mini"
	}
	if b.temperature == 0 {
		b.temperature = 0.1
	}
	if b.maxTokens == 0 {
		b.maxTokens = 128
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	b.client = &http.Client{Timeout: timeout}
	return b, nil
}

func (b *openaiBackend) Name() string      { return "openai" }
func (b *openaiBackend) ModelName() string { return b.model }

func (b *openaiBackend) Available(context.Context) bool { return b.apiKey != "" }

// LastUsage returns token counts from the most recent call.
func (b *openaiBackend) LastUsage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usage
}

func (b *openaiBackend) setUsage(prompt, completion int) {
	b.mu.Lock()
	b.usage = Usage{PromptTokens: prompt, CompletionTokens: completion}
	b.mu.Unlock()
}

func (b *openaiBackend) geminiURL() bool {
	return strings.Contains(b.url, "generativelanguage.googleapis.com")
}

func (b *openaiBackend) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if b.apiKey == "" {
		return "", fmt.Errorf("%w: no API key", ErrUnavailable)
	}
	if b.geminiURL() {
		return b.classifyGemini(ctx, systemPrompt, userPrompt)
	}
	return b.classifyOpenAI(ctx, systemPrompt, userPrompt)
}

func (b *openaiBackend) classifyOpenAI(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model": b.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature":     b.temperature,
		"max_tokens":      b.maxTokens,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", err
	}

	body, err := b.post(ctx, b.url+"/chat/completions", payload, true)
	if err != nil {
		return "", err
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	b.setUsage(out.Usage.PromptTokens, out.Usage.CompletionTokens)
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return out.Choices[0].Message.Content, nil
}

func (b *openaiBackend) classifyGemini(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"contents":          []map[string]any{{"parts": []map[string]string{{"text": userPrompt}}}},
		"systemInstruction": map[string]any{"parts": []map[string]string{{"text": systemPrompt}}},
		"generationConfig": map[string]any{
			"temperature":      b.temperature,
			"maxOutputTokens":  b.maxTokens,
			"responseMimeType": "application/json",
		},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.url, b.model, b.apiKey)
	body, err := b.post(ctx, url, payload, false)
	if err != nil {
		return "", err
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	b.setUsage(out.UsageMetadata.PromptTokenCount, out.UsageMetadata.CandidatesTokenCount)
	if len(out.Candidates) == 0 {
		return `{"action": "log", "reason": "Gemini returned no candidates"}`, nil
	}
	parts := out.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0].Text, nil
}

func (b *openaiBackend) post(ctx context.Context, url string, payload []byte, bearer bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}
