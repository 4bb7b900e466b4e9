// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/prepchat/internal/chaterr"
	"github.com/jeranaias/prepchat/internal/model"
)

// Configuration constants for OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of attempts for non-streaming requests.
	// Streams are never retried.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "prepchat/0.1.0"
)

var (
	// Shared client with connection pooling for non-streaming requests.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams are bounded by their context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
)

// Error variables for common OpenRouter errors. They wrap a classified
// chaterr value, so both errors.Is and chaterr.KindOf work on the result.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text", "image_url" or "file"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *FileData `json:"file,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// FileData carries a non-image attachment as a data URL.
type FileData struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

// ChatMessage represents a single message in a chat request. Content is
// either a string or a []ContentPart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Plugin enables an OpenRouter plugin such as web search.
type Plugin struct {
	ID string `json:"id"`
}

// ReasoningOptions asks the provider to return its reasoning trace.
type ReasoningOptions struct {
	Exclude bool `json:"exclude"`
}

// UsageOptions asks for token accounting in the final chunk.
type UsageOptions struct {
	Include bool `json:"include"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Stream      bool              `json:"stream"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Plugins     []Plugin          `json:"plugins,omitempty"`
	Reasoning   *ReasoningOptions `json:"reasoning,omitempty"`
	Usage       *UsageOptions     `json:"usage,omitempty"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string if none.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

type usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// apiError is the error object OpenRouter returns both as an HTTP body and
// inside a stream. Code is a string or a number depending on the upstream.
type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

func (e apiError) code() string {
	return strings.Trim(string(e.Code), `"`)
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// modelsResponse is the response structure for listing models.
type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
		Pricing       *struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
		Architecture struct {
			InputModalities []string `json:"input_modalities"`
		} `json:"architecture"`
		SupportedParameters []string `json:"supported_parameters"`
	} `json:"data"`
}

// =============================================================================
// CLIENT
// =============================================================================

// OpenRouterClient is a client for the OpenRouter API. It implements
// stream.Transport through Open.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	model        string
	maxRetries   int
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOpenRouterClient creates a new OpenRouter client with the given API key.
// An empty key yields a client whose requests fail with ErrNotConfigured.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      DefaultOpenRouterURL,
		model:        "openai/gpt-4o-mini",
		maxRetries:   DefaultMaxRetries,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		logger:       slog.Default(),
	}
}

// WithBaseURL sets a custom base URL.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if url == "" {
		return c
	}
	c.baseURL = strings.TrimRight(url, "/")
	return c
}

// WithTimeout sets the timeout for non-streaming requests.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	hc := *c.httpClient
	hc.Timeout = timeout
	c.httpClient = &hc
	return c
}

// WithMaxRetries sets the attempt count for non-streaming requests.
func (c *OpenRouterClient) WithMaxRetries(maxRetries int) *OpenRouterClient {
	if maxRetries < 1 {
		maxRetries = 1
	}
	c.maxRetries = maxRetries
	return c
}

// WithLogger sets the logger.
func (c *OpenRouterClient) WithLogger(logger *slog.Logger) *OpenRouterClient {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithModel sets the default model used when a request names none.
func (c *OpenRouterClient) WithModel(model string) *OpenRouterClient {
	if model != "" {
		c.model = model
	}
	return c
}

// IsConfigured returns true if an API key is set.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns the API key with most characters hidden.
func (c *OpenRouterClient) APIKeyMasked() string {
	if len(c.apiKey) <= 10 {
		return strings.Repeat("*", len(c.apiKey))
	}
	return c.apiKey[:6] + "..." + c.apiKey[len(c.apiKey)-4:]
}

// ValidateAPIKey checks if the API key format appears valid.
// It does not contact OpenRouter.
func ValidateAPIKey(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	return strings.HasPrefix(apiKey, "sk-or-") && len(apiKey) >= 20
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	// OpenRouter attributes traffic by app title.
	req.Header.Set("X-Title", "prepchat")
}

// =============================================================================
// NON-STREAMING CHAT
// =============================================================================

// Chat performs a non-streaming completion with model. Transient failures
// (5xx, rate limits, dropped connections) are retried with backoff.
func (c *OpenRouterClient) Chat(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if model == "" {
		model = c.model
	}

	reqBody := ChatRequest{Model: model, Messages: messages}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.logger.Debug("retrying chat request", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(ctx, reqBody)
		if err == nil {
			return resp, nil
		}
		if !c.isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Generate sends a single user prompt to model and returns the reply text.
// It makes exactly one request; unlike Chat, failures are not retried.
func (c *OpenRouterClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if model == "" {
		model = c.model
	}
	resp, err := c.doRequest(ctx, ChatRequest{
		Model:    model,
		Messages: []ChatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.GetContent(), nil
}

// doRequest performs a single HTTP request to the chat completions endpoint.
func (c *OpenRouterClient) doRequest(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &chaterr.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("openrouter response", "status", resp.StatusCode, "model", reqBody.Model, "duration", time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, resp.Header, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chatResp, nil
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, &chaterr.NetworkError{Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts an HTTP error response into a classified error.
func handleErrorResponse(statusCode int, header http.Header, body []byte) error {
	pe := &chaterr.ProviderError{Status: statusCode, Message: http.StatusText(statusCode)}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		pe.Message = apiErr.Error.Message
		pe.Code = apiErr.Error.code()
	} else if len(body) > 0 {
		pe.Message = strings.TrimSpace(string(body))
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		code := pe.Code
		if code == "" {
			code = "429"
		}
		return &chaterr.RateLimitError{Message: pe.Message, Code: code, RetryAfter: parseRetryAfter(header)}
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrAuthFailed, pe)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %w", ErrInsufficientCredits, pe)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrModelNotFound, pe)
	}
	return chaterr.Classify(pe)
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After")))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isRetryable determines if an error should trigger a retry.
func (c *OpenRouterClient) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *chaterr.ProviderError
	if errors.As(err, &pe) && pe.Status >= 500 {
		return true
	}
	return chaterr.KindOf(err).Retryable()
}

// calculateBackoff returns the delay to wait before the next retry.
func (c *OpenRouterClient) calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// MODEL CATALOG
// =============================================================================

// ListModels retrieves the available models from OpenRouter as catalog entries.
// Prices are converted from per-token strings to USD per million tokens.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &chaterr.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, resp.Header, body)
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]model.ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		info := model.ModelInfo{
			ID:                  m.ID,
			Name:                m.Name,
			Provider:            model.ProviderOf(m.ID),
			ContextLength:       m.ContextLength,
			InputModalities:     m.Architecture.InputModalities,
			SupportedParameters: m.SupportedParameters,
			Description:         m.Description,
		}
		if m.Pricing != nil {
			info.Pricing = model.Pricing{
				Prompt:     perMillion(m.Pricing.Prompt),
				Completion: perMillion(m.Pricing.Completion),
			}
		}
		info.Tier = model.TierPaid
		if info.Pricing.Total() == 0 {
			info.Tier = model.TierFree
		}
		models = append(models, info)
	}
	return models, nil
}

func perMillion(perToken string) float64 {
	v, err := strconv.ParseFloat(perToken, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v * 1_000_000
}
