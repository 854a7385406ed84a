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
	RegisterBackend("ollama", newOllamaBackend)
}

// maxResponseBytes caps how much of a backend response body is read.
const maxResponseBytes = 65536

const availCacheTTL = 60 * time.Second

type ollamaBackend struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	numCtx      int
	client      *http.Client

	mu      sync.Mutex
	availOK bool
	availAt time.Time
}

func newOllamaBackend(cfg ModelConfig, _ Deps) (Backend, error) {
	b := &ollamaBackend{
		url:         strings.TrimRight(cfg.URL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		numCtx:      cfg.NumCtx,
	}
	if b.url == "" {
		b.url = "http://localhost:11434"
	}
	if b.model == "" {
		b.model = "gemma3:1b"
	}
	if b.temperature == 0 {
		b.temperature = 0.1
	}
	if b.maxTokens == 0 {
		b.maxTokens = 128
	}
	if b.numCtx == 0 {
		b.numCtx = 1024
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	b.client = &http.Client{Timeout: timeout}
	return b, nil
}

func (b *ollamaBackend) Name() string      { return "ollama" }
func (b *ollamaBackend) ModelName() string { return b.model }

// Available probes /api/tags, caching the result so repeated health checks
// do not hammer the server.
func (b *ollamaBackend) Available(ctx context.Context) bool {
	b.mu.Lock()
	if !b.availAt.IsZero() && time.Since(b.availAt) < availCacheTTL {
		ok := b.availOK
		b.mu.Unlock()
		return ok
	}
	b.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ok := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.url+"/api/tags", nil)
	if err == nil {
		resp, err := b.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
		}
	}
	b.setAvail(ok)
	return ok
}

func (b *ollamaBackend) setAvail(ok bool) {
	b.mu.Lock()
	b.availOK = ok
	b.availAt = time.Now()
	b.mu.Unlock()
}

func (b *ollamaBackend) Classify(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":  b.model,
		"stream": false,
		"format": "json",
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"options": map[string]any{
			"temperature": b.temperature,
			"num_predict": b.maxTokens,
			"num_ctx":     b.numCtx,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	b.setAvail(true)
	return out.Message.Content, nil
}
