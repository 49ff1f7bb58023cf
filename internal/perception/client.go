// Package perception provides the LLM client used by every pipeline stage.
// All calls are schema-constrained JSON: the response schema enumerates the
// permitted values so that an out-of-enum answer is a per-call failure, not
// silent data corruption.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cobolgraph/internal/logging"
)

// ErrRateLimited marks a 429 from the provider. Rate-limit retries do not
// consume the attempt budget.
var ErrRateLimited = errors.New("rate limit exceeded (429)")

// ErrSchemaViolation marks a model reply that could not be decoded against
// the constrained response schema.
var ErrSchemaViolation = errors.New("response violates constrained schema")

// Client is the interface every stage calls. Implementations must return the
// raw JSON text of the model response.
type Client interface {
	GenerateJSON(ctx context.Context, req Request) (string, error)
	Model() string
}

// Request describes one schema-constrained generation call.
type Request struct {
	// Prompt is the full user prompt, including any reference context.
	Prompt string

	// Schema is the Gemini response schema (uppercase type names).
	Schema map[string]interface{}

	// Temperature: 0.0 for classification, higher for free-form extraction.
	Temperature float64

	// MaxOutputTokens caps the response size. Zero means the client default.
	MaxOutputTokens int

	// Tag identifies the call target in attempt logs ("Struct MAIN-PARA").
	Tag string
}

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxOutputTokens int
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-3-pro-preview",
		Timeout:         60 * time.Second,
		MaxRetries:      3,
		InitialBackoff:  time.Second,
		MaxOutputTokens: 65535,
	}
}

// GeminiClient implements Client against the Gemini REST API.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxRetries      int
	initialBackoff  time.Duration
	maxOutputTokens int
	httpClient      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a Gemini client with default config.
func NewGeminiClient(apiKey string) *GeminiClient {
	return NewGeminiClientWithConfig(DefaultGeminiConfig(apiKey))
}

// NewGeminiClientWithConfig creates a Gemini client with custom config.
func NewGeminiClientWithConfig(cfg GeminiConfig) *GeminiClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-3-pro-preview"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 65535
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &GeminiClient{
		apiKey:          cfg.APIKey,
		baseURL:         cfg.BaseURL,
		model:           model,
		maxRetries:      cfg.MaxRetries,
		initialBackoff:  cfg.InitialBackoff,
		maxOutputTokens: cfg.MaxOutputTokens,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64                `json:"temperature"`
	MaxOutputTokens  int                    `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string                 `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]interface{} `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// GenerateJSON sends a schema-constrained prompt and returns the raw JSON
// response text. Retry discipline: up to MaxRetries attempts, exponential
// backoff from InitialBackoff, 429 retried without consuming an attempt.
func (c *GeminiClient) GenerateJSON(ctx context.Context, req Request) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.APIDebug("[Gemini] GenerateJSON: tag=%s model=%s prompt_len=%d", req.Tag, c.model, len(req.Prompt))

	if c.apiKey == "" {
		logging.APIError("[Gemini] GenerateJSON: API key not configured")
		return "", fmt.Errorf("API key not configured")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = c.maxOutputTokens
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      req.Temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   req.Schema,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var lastErr error
	delay := c.initialBackoff
	attempt := 0
	// Rate-limit hits retry for free; iterations caps runaway 429 storms.
	for iterations := 0; attempt < c.maxRetries && iterations < c.maxRetries*4; iterations++ {
		if iterations > 0 {
			logging.APIWarn("[Gemini] GenerateJSON: tag=%s retrying in %v after: %v", req.Tag, delay, lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
			delay *= 2
		}

		c.throttle()

		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			attempt++
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			attempt++
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
			attempt++
			continue
		}

		var geminiResp geminiResponse
		if err := json.Unmarshal(body, &geminiResp); err != nil {
			lastErr = fmt.Errorf("failed to parse response: %w", err)
			attempt++
			continue
		}
		if geminiResp.Error != nil {
			lastErr = fmt.Errorf("API error: %s", geminiResp.Error.Message)
			attempt++
			continue
		}
		if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
			lastErr = fmt.Errorf("no completion returned")
			attempt++
			continue
		}

		var result strings.Builder
		for _, part := range geminiResp.Candidates[0].Content.Parts {
			result.WriteString(part.Text)
		}
		response := strings.TrimSpace(result.String())

		logging.API("[Gemini] GenerateJSON: tag=%s completed in %v response_len=%d", req.Tag, time.Since(startTime), len(response))
		return response, nil
	}

	logging.APIError("[Gemini] GenerateJSON: tag=%s attempts exhausted after %v: %v", req.Tag, time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// throttle enforces a minimum gap between requests. The semaphore in the
// dispatcher bounds concurrency; this spaces the bursts.
func (c *GeminiClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
