package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SummaryGenerator turns a prompt into summary text
type SummaryGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMConfig configures the OpenAI-compatible chat completions client
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	MaxRPS  float64
}

// LLMService calls an OpenAI-compatible /chat/completions endpoint
type LLMService struct {
	config  LLMConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewLLMService creates a new LLM client
func NewLLMService(cfg LLMConfig) *LLMService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	var limiter *rate.Limiter
	if cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}

	return &LLMService{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

// Model returns the configured model name
func (s *LLMService) Model() string {
	return s.config.Model
}

// Generate sends the prompt as a single user message and returns the reply text
func (s *LLMService) Generate(ctx context.Context, prompt string) (string, error) {
	if s.config.APIKey == "" {
		return "", fmt.Errorf("LLM API key is not configured")
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	requestBody := map[string]interface{}{
		"model": s.config.Model,
		"messages": []map[string]interface{}{
			{
				"role":    "user",
				"content": prompt,
			},
		},
		"stream": false,
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.config.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("⚠️ [LLM] API error: %s", string(body))
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to parse API response: %w", err)
	}

	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("no response from summary model")
	}

	content := strings.TrimSpace(apiResponse.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("summary model returned empty content")
	}

	return content, nil
}
