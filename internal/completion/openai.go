package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"SalesRep/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model    string         `json:"model"`
	Messages []session.Turn `json:"messages"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// OpenAIService calls the chat completions endpoint of an OpenAI-compatible API.
type OpenAIService struct {
	baseURL    string
	apiKey     string
	orgID      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *usageMetrics
}

// NewOpenAIService creates a client for baseURL (e.g. https://api.openai.com/v1).
func NewOpenAIService(baseURL, apiKey, orgID string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *OpenAIService {
	return &OpenAIService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		orgID:      orgID,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     tracer,
		metrics:    newUsageMetrics(meter, logger),
	}
}

// Complete sends one request. It is never retried here.
func (s *OpenAIService) Complete(ctx context.Context, model string, turns []session.Turn) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "openai_api_call", trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()

	result, err := s.do(ctx, model, turns)
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	s.metrics.observe(ctx, time.Since(start).Milliseconds())
	s.metrics.record(ctx, result)
	span.SetAttributes(
		attribute.String("model_used", result.ModelUsed),
		attribute.Int("prompt_tokens", result.PromptTokens),
		attribute.Int("completion_tokens", result.CompletionTokens),
	)
	return result, nil
}

func (s *OpenAIService) do(ctx context.Context, model string, turns []session.Turn) (Result, error) {
	if s.apiKey == "" {
		return Result{}, fmt.Errorf("%w: API key not set", ErrProvider)
	}

	reqBody := OpenAIRequest{
		Model:    model,
		Messages: turns,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("content-type", "application/json")
	if s.orgID != "" {
		req.Header.Set("OpenAI-Organization", s.orgID)
	}

	s.logger.Debug("requesting completion", "model", model, "turns", len(turns))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr openAIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return Result{}, fmt.Errorf("%w: %s - %s (%s)", ErrProvider, resp.Status, apiErr.Error.Message, apiErr.Error.Type)
		}
		return Result{}, fmt.Errorf("%w: %s - %s", ErrProvider, resp.Status, string(body))
	}

	var apiResp OpenAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Result{}, fmt.Errorf("%w: failed to unmarshal response: %v", ErrProvider, err)
	}

	if len(apiResp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty response from OpenAI", ErrProvider)
	}
	if apiResp.Usage == nil || apiResp.Model == "" {
		return Result{}, fmt.Errorf("%w: response carries no usage", ErrProvider)
	}

	s.logger.Info("completion received",
		"id", apiResp.ID,
		"model", apiResp.Model,
		"prompt_tokens", apiResp.Usage.PromptTokens,
		"completion_tokens", apiResp.Usage.CompletionTokens,
	)

	return Result{
		ModelUsed:        apiResp.Model,
		PromptTokens:     apiResp.Usage.PromptTokens,
		CompletionTokens: apiResp.Usage.CompletionTokens,
		Text:             apiResp.Choices[0].Message.Content,
	}, nil
}
