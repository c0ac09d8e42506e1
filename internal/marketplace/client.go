// Package marketplace talks to the marktplaats.nl private messaging API.
package marketplace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client lists conversations and fetches their messages on behalf of the
// operator identified by cookie.
type Client interface {
	ListConversations(ctx context.Context, cookie string, offset, limit int) ([]Conversation, error)
	FetchMessages(ctx context.Context, cookie, conversationID string) (MessagePage, error)
}

// HTTPClient is the Client backed by the marketplace web API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// NewHTTPClient creates an API client rooted at baseURL
// (e.g. https://www.marktplaats.nl/messages/api).
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     tracer,
	}
	histogram, err := meter.Float64Histogram(
		"marketplace.request.duration",
		metric.WithDescription("Marketplace API request duration in milliseconds"),
	)
	if err == nil {
		c.duration = histogram
	}
	return c
}

// ListConversations returns conversations in upstream order (most recently
// updated first).
func (c *HTTPClient) ListConversations(ctx context.Context, cookie string, offset, limit int) ([]Conversation, error) {
	ctx, span := c.tracer.Start(ctx, "marketplace.list_conversations",
		trace.WithAttributes(attribute.Int("offset", offset), attribute.Int("limit", limit)))
	defer span.End()

	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, cookie, "/conversations?"+q.Encode())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	conversations, err := decodeConversations(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("count", len(conversations)))
	return conversations, nil
}

// FetchMessages returns the messages of one conversation together with the
// peer participant.
func (c *HTTPClient) FetchMessages(ctx context.Context, cookie, conversationID string) (MessagePage, error) {
	ctx, span := c.tracer.Start(ctx, "marketplace.fetch_messages",
		trace.WithAttributes(attribute.String("conversation_id", conversationID)))
	defer span.End()

	body, err := c.get(ctx, cookie, "/conversations/"+url.PathEscape(conversationID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MessagePage{}, err
	}

	page, err := decodeMessages(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MessagePage{}, err
	}
	span.SetAttributes(attribute.Int("total_count", page.TotalCount))
	return page, nil
}

func (c *HTTPClient) get(ctx context.Context, cookie, path string) ([]byte, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if c.duration != nil {
		c.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Warn("marketplace rejected cookie", "path", path, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode != http.StatusOK:
		c.logger.Error("marketplace API error", "path", path, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("API error: %s", resp.Status)
	}

	c.logger.Debug("marketplace response", "path", path, "bytes", len(body))
	return body, nil
}

// ConversationURL returns the universal link that opens a conversation in
// the marketplace app or site, given the configured format.
func ConversationURL(format, conversationID string) string {
	return fmt.Sprintf(format, conversationID)
}
