package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/agentfort/fortress/internal/config"
)

// ErrLLMUnavailable covers transport, auth, and breaker-open failures.
var ErrLLMUnavailable = errors.New("judge: llm provider unavailable")

// ErrProviderParse covers responses whose payload cannot be decoded.
var ErrProviderParse = errors.New("judge: provider response unparseable")

// Provider exposes one LLM endpoint as a single call operation.
type Provider interface {
	Name() string
	Call(ctx context.Context, prompt string) (string, error)
}

// httpProvider wraps an HTTP chat endpoint behind a circuit breaker and
// a rate limiter.
type httpProvider struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	build   func(prompt string) (*http.Request, error)
	extract func(body []byte) (string, error)
}

func newHTTPProvider(name string, timeout time.Duration,
	build func(prompt string) (*http.Request, error),
	extract func(body []byte) (string, error)) *httpProvider {
	return &httpProvider{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 4),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		build:   build,
		extract: extract,
	}
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Call(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := p.build(prompt)
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}
		return p.extract(body)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrLLMUnavailable, p.name, err)
	}
	return out.(string), nil
}

// NewAnthropicProvider targets the Anthropic messages endpoint.
func NewAnthropicProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY not set", ErrLLMUnavailable)
	}
	base := strings.TrimSuffix(cfg.AnthropicBaseURL, "/")

	build := func(prompt string) (*http.Request, error) {
		payload, err := json.Marshal(map[string]any{
			"model":      "claude-sonnet-4-20250514",
			"max_tokens": cfg.MaxTokens,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, base+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", cfg.AnthropicAPIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		return req, nil
	}

	extract := func(body []byte) (string, error) {
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderParse, err)
		}
		if len(resp.Content) == 0 {
			return "", fmt.Errorf("%w: empty content", ErrProviderParse)
		}
		return resp.Content[0].Text, nil
	}

	return newHTTPProvider("anthropic", cfg.Timeout, build, extract), nil
}

// NewOpenAIProvider targets the OpenAI chat completions endpoint.
func NewOpenAIProvider(cfg config.LLMConfig) (Provider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrLLMUnavailable)
	}
	base := strings.TrimSuffix(cfg.OpenAIBaseURL, "/")

	build := func(prompt string) (*http.Request, error) {
		payload, err := json.Marshal(map[string]any{
			"model":      "gpt-4.1",
			"max_tokens": cfg.MaxTokens,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
			"temperature": cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
		return req, nil
	}

	extract := func(body []byte) (string, error) {
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderParse, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: empty choices", ErrProviderParse)
		}
		return resp.Choices[0].Message.Content, nil
	}

	return newHTTPProvider("openai", cfg.Timeout, build, extract), nil
}

// NewLocalProvider targets an OpenAI-compatible local endpoint such as
// ollama. No API key required.
func NewLocalProvider(cfg config.LLMConfig) (Provider, error) {
	base := cfg.LocalBaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	base = strings.TrimSuffix(base, "/")

	build := func(prompt string) (*http.Request, error) {
		payload, err := json.Marshal(map[string]any{
			"model": "llama3",
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
			"temperature": cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	extract := func(body []byte) (string, error) {
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%w: %v", ErrProviderParse, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("%w: empty choices", ErrProviderParse)
		}
		return resp.Choices[0].Message.Content, nil
	}

	return newHTTPProvider("local", cfg.Timeout, build, extract), nil
}

// NewProvider builds a provider by name.
func NewProvider(name string, cfg config.LLMConfig) (Provider, error) {
	switch strings.ToLower(name) {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "local":
		return NewLocalProvider(cfg)
	case "":
		return nil, fmt.Errorf("%w: no provider configured", ErrLLMUnavailable)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrLLMUnavailable, name)
	}
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// extractJSON pulls the fenced JSON block from a model response,
// falling back to treating the whole response as JSON.
func extractJSON(response string) ([]byte, error) {
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		return []byte(m[1]), nil
	}
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("%w: no JSON block in response", ErrProviderParse)
}
