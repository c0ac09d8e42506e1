// Package completion issues chat completion requests and reports the model
// and token usage the provider actually billed.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"SalesRep/internal/session"

	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrProvider covers malformed requests, rate limits and provider-side
	// quota errors.
	ErrProvider = errors.New("completion provider error")
	// ErrTimeout is returned when no response arrived in time. Nothing was
	// billed as far as the caller can tell.
	ErrTimeout = errors.New("completion request timed out")
)

// Result is one completed request.
type Result struct {
	ModelUsed        string
	PromptTokens     int
	CompletionTokens int
	Text             string
}

// Service produces a completion for an ordered turn sequence.
type Service interface {
	Complete(ctx context.Context, model string, turns []session.Turn) (Result, error)
}

// usageMetrics holds the llm.usage.* counters shared by the backends.
type usageMetrics struct {
	counters map[string]metric.Int64Counter
	duration metric.Float64Histogram
}

func newUsageMetrics(meter metric.Meter, logger *slog.Logger) *usageMetrics {
	m := &usageMetrics{counters: map[string]metric.Int64Counter{}}
	for _, key := range []string{"prompt_tokens", "completion_tokens", "total_tokens"} {
		counter, err := meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		m.counters[key] = counter
	}
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		m.duration = histogram
	}
	return m
}

func (m *usageMetrics) record(ctx context.Context, r Result) {
	usage := map[string]int{
		"prompt_tokens":     r.PromptTokens,
		"completion_tokens": r.CompletionTokens,
		"total_tokens":      r.PromptTokens + r.CompletionTokens,
	}
	for key, value := range usage {
		if counter, ok := m.counters[key]; ok {
			counter.Add(ctx, int64(value))
		}
	}
}

func (m *usageMetrics) observe(ctx context.Context, ms int64) {
	if m.duration != nil {
		m.duration.Record(ctx, float64(ms))
	}
}

// classify maps context expiry to ErrTimeout and everything else to ErrProvider.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, ErrProvider) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}
