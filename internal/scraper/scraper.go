// Package scraper extracts the product description of a marketplace listing
// from the JSON-LD embedded in its page.
package scraper

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

	"SalesRep/internal/cache"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Summary is the outcome of a listing lookup. Found is false when the page
// carried no product data; that is an expected outcome, not an error.
type Summary struct {
	Text  string
	URL   string
	Found bool
}

// Product is the subset of schema.org Product data sent as item context.
type Product struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         json.RawMessage `json:"price"`
	PriceCurrency string          `json:"priceCurrency"`
}

// Scraper fetches listing pages over HTTP.
type Scraper struct {
	itemBaseURL string
	httpClient  *http.Client
	pages       *PageCache
	summaries   *cache.TTL[Summary]
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithPageCache stores every fetched page compressed on disk.
func WithPageCache(pages *PageCache) Option {
	return func(s *Scraper) { s.pages = pages }
}

// WithSummaryTTL caches summaries in memory for ttl.
func WithSummaryTTL(ttl time.Duration) Option {
	return func(s *Scraper) { s.summaries = cache.NewTTL[Summary](ttl) }
}

// New creates a scraper for listings under itemBaseURL
// (e.g. https://www.marktplaats.nl).
func New(itemBaseURL string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, opts ...Option) *Scraper {
	s := &Scraper{
		itemBaseURL: strings.TrimRight(itemBaseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		tracer:      tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemURL returns the canonical listing URL of itemID.
func (s *Scraper) ItemURL(itemID string) string {
	return s.itemBaseURL + "/" + itemID
}

// FetchItemSummary loads the listing page of itemID and returns its product
// summary as JSON.
func (s *Scraper) FetchItemSummary(ctx context.Context, itemID string) (Summary, error) {
	url := s.ItemURL(itemID)
	key := cache.GenerateCacheKey(s.itemBaseURL, itemID)

	if s.summaries != nil {
		if cached, ok := s.summaries.Get(key); ok {
			s.logger.Debug("summary cache hit", "item_id", itemID)
			return cached, nil
		}
	}

	ctx, span := s.tracer.Start(ctx, "scraper.fetch", trace.WithAttributes(attribute.String("item_id", itemID)))
	defer span.End()

	page, status, err := s.get(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{URL: url}, err
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		s.logger.Warn("listing page not found", "item_id", itemID, "status", status)
		return Summary{URL: url}, nil
	}

	if s.pages != nil {
		if path, err := s.pages.Write(itemID, page); err != nil {
			s.logger.Warn("failed to cache listing page", "item_id", itemID, "error", err)
		} else {
			s.logger.Debug("listing page saved", "path", path)
		}
	}

	product, ok, err := ExtractProduct(page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{URL: url}, err
	}
	if !ok {
		s.logger.Warn("no product information found", "item_id", itemID)
		return Summary{URL: url}, nil
	}

	text, err := json.Marshal(product)
	if err != nil {
		return Summary{URL: url}, fmt.Errorf("failed to marshal product: %w", err)
	}
	s.logger.Info("item data", "item_id", itemID, "product", string(text))

	summary := Summary{Text: string(text), URL: url, Found: true}
	if s.summaries != nil {
		s.summaries.Set(key, summary)
	}
	span.SetAttributes(attribute.Bool("found", true))
	return summary, nil
}

func (s *Scraper) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, resp.StatusCode, nil
	case resp.StatusCode != http.StatusOK:
		return nil, resp.StatusCode, fmt.Errorf("listing page error: %s", resp.Status)
	}
	return body, resp.StatusCode, nil
}

// ExtractProduct finds the first schema.org Product in the page's JSON-LD
// blocks. Blocks that are not valid JSON or lack required fields are skipped.
func ExtractProduct(page []byte) (Product, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return Product{}, false, fmt.Errorf("failed to parse listing page: %w", err)
	}

	var product Product
	found := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		for _, node := range ldNodes([]byte(sel.Text())) {
			if p, ok := productFrom(node); ok {
				product = p
				found = true
				return false
			}
		}
		return true
	})
	return product, found, nil
}

type ldNode struct {
	Type        json.RawMessage `json:"@type"`
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Offers      json.RawMessage `json:"offers"`
}

type ldOffer struct {
	Price         json.RawMessage `json:"price"`
	PriceCurrency *string         `json:"priceCurrency"`
}

func ldNodes(raw []byte) []ldNode {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '[' {
		var nodes []ldNode
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil
		}
		return nodes
	}
	var node ldNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	return []ldNode{node}
}

func productFrom(n ldNode) (Product, bool) {
	if !isType(n.Type, "Product") || n.Name == nil || n.Description == nil {
		return Product{}, false
	}
	offer, ok := firstOffer(n.Offers)
	if !ok || len(offer.Price) == 0 || offer.PriceCurrency == nil {
		return Product{}, false
	}
	return Product{
		Name:          *n.Name,
		Description:   *n.Description,
		Price:         offer.Price,
		PriceCurrency: *offer.PriceCurrency,
	}, true
}

func isType(raw json.RawMessage, want string) bool {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return one == want
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		for _, t := range many {
			if t == want {
				return true
			}
		}
	}
	return false
}

func firstOffer(raw json.RawMessage) (ldOffer, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ldOffer{}, false
	}
	if raw[0] == '[' {
		var offers []ldOffer
		if err := json.Unmarshal(raw, &offers); err != nil || len(offers) == 0 {
			return ldOffer{}, false
		}
		return offers[0], true
	}
	var offer ldOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		return ldOffer{}, false
	}
	return offer, true
}
