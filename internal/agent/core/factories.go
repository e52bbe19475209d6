package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avelsher/portalpilot/config"
)

// NewReasoningProvider builds a provider from configuration. The first
// configured provider of a supported type wins; "openai" is preferred
// when several are present.
func NewReasoningProvider(cfg config.LLMConfig) (ReasoningProvider, error) {
	if p, ok := cfg.Providers["openai"]; ok && p.Type != "anthropic" {
		return NewOpenAIProvider(p), nil
	}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			return NewOpenAIProvider(p), nil
		case "anthropic":
			return NewAnthropicProvider(p), nil
		}
	}
	return nil, fmt.Errorf("no reasoning provider configured")
}

// OpenAIProvider implements ReasoningProvider over the OpenAI chat
// completions HTTP API.
type OpenAIProvider struct {
	cfg        config.LLMProvider
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// Generate implements ReasoningProvider.
func (p *OpenAIProvider) Generate(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := p.GenerateWithTokens(ctx, system, prompt, model, options)
	return text, err
}

// GenerateWithTokens implements ReasoningProvider.
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	m, apiName := p.resolveModel(model)

	body := map[string]interface{}{
		"model": apiName,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	}
	if m.MaxTokens > 0 {
		body["max_tokens"] = m.MaxTokens
	}
	if m.Temperature > 0 {
		body["temperature"] = m.Temperature
	}
	for k, v := range options {
		body[k] = v
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", 0, 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return "", 0, 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		payload, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("openai: status %d: %s", resp.StatusCode, truncate(string(payload), 300))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return "", 0, 0, lastErr
		}

		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return "", 0, 0, fmt.Errorf("openai: decoding response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", 0, 0, fmt.Errorf("openai: empty choices")
		}
		return parsed.Choices[0].Message.Content, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil
	}
	return "", 0, 0, fmt.Errorf("openai: request failed after %d attempts: %w", attempts, lastErr)
}

// CalculateCost implements ReasoningProvider.
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, _ := p.resolveModel(model)
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

func (p *OpenAIProvider) resolveModel(model string) (config.LLMModel, string) {
	if m, ok := p.cfg.Models[model]; ok {
		apiName := m.APIName
		if apiName == "" {
			apiName = m.Name
		}
		if apiName == "" {
			apiName = model
		}
		return m, apiName
	}
	return config.LLMModel{}, model
}

// AnthropicProvider implements ReasoningProvider over the Anthropic
// messages HTTP API.
type AnthropicProvider struct {
	cfg        config.LLMProvider
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg config.LLMProvider) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicProvider{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// Generate implements ReasoningProvider.
func (p *AnthropicProvider) Generate(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := p.GenerateWithTokens(ctx, system, prompt, model, options)
	return text, err
}

// GenerateWithTokens implements ReasoningProvider.
func (p *AnthropicProvider) GenerateWithTokens(ctx context.Context, system, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	m, apiName := p.resolveModel(model)

	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]interface{}{
		"model":      apiName,
		"max_tokens": maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if m.Temperature > 0 {
		body["temperature"] = m.Temperature
	}
	for k, v := range options {
		body[k] = v
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", 0, 0, fmt.Errorf("anthropic: decoding response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", 0, 0, fmt.Errorf("anthropic: empty content")
	}
	return parsed.Content[0].Text, parsed.Usage.InputTokens, parsed.Usage.OutputTokens, nil
}

// CalculateCost implements ReasoningProvider.
func (p *AnthropicProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	m, _ := p.resolveModel(model)
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

func (p *AnthropicProvider) resolveModel(model string) (config.LLMModel, string) {
	if m, ok := p.cfg.Models[model]; ok {
		apiName := m.APIName
		if apiName == "" {
			apiName = m.Name
		}
		if apiName == "" {
			apiName = model
		}
		return m, apiName
	}
	return config.LLMModel{}, model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
