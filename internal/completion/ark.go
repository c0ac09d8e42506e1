package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"SalesRep/internal/session"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Generator is the part of an eino chat model the service needs.
type Generator interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// ArkConfig configures the Volcengine Ark backend.
type ArkConfig struct {
	BaseURL string
	Region  string
	APIKey  string
	Model   string
}

// ArkService completes through an eino chat model.
type ArkService struct {
	chatModel Generator
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *usageMetrics
}

// NewArkChatModel creates the eino Ark chat model.
func NewArkChatModel(ctx context.Context, c ArkConfig) (Generator, error) {
	if c.APIKey == "" || c.Model == "" {
		return nil, fmt.Errorf("ark credentials or model missing")
	}
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: c.BaseURL,
		Region:  c.Region,
		APIKey:  c.APIKey,
		Model:   c.Model,
	})
}

// NewArkService wraps chatModel.
func NewArkService(chatModel Generator, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *ArkService {
	return &ArkService{
		chatModel: chatModel,
		timeout:   timeout,
		logger:    logger,
		tracer:    tracer,
		metrics:   newUsageMetrics(meter, logger),
	}
}

// Complete sends one request. Ark does not echo the serving model, so the
// requested model is reported as used.
func (s *ArkService) Complete(ctx context.Context, modelName string, turns []session.Turn) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "ark_api_call", trace.WithAttributes(attribute.String("model", modelName)))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	messages := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case session.RoleSystem:
			messages = append(messages, schema.SystemMessage(t.Content))
		case session.RoleUser:
			messages = append(messages, schema.UserMessage(t.Content))
		default:
			messages = append(messages, schema.AssistantMessage(t.Content, nil))
		}
	}

	start := time.Now()
	resp, err := s.chatModel.Generate(ctx, messages, model.WithModel(modelName))
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if resp == nil || resp.ResponseMeta == nil || resp.ResponseMeta.Usage == nil {
		err := fmt.Errorf("%w: response carries no usage", ErrProvider)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	result := Result{
		ModelUsed:        modelName,
		PromptTokens:     resp.ResponseMeta.Usage.PromptTokens,
		CompletionTokens: resp.ResponseMeta.Usage.CompletionTokens,
		Text:             resp.Content,
	}

	s.metrics.observe(ctx, time.Since(start).Milliseconds())
	s.metrics.record(ctx, result)
	s.logger.Info("completion received",
		"model", result.ModelUsed,
		"prompt_tokens", result.PromptTokens,
		"completion_tokens", result.CompletionTokens,
	)
	return result, nil
}
