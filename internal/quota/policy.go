// Package quota decides whether an operator may issue another completion
// call, based on lifetime spend recorded in the usage ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"SalesRep/internal/store"
)

var (
	ErrNoQuota      = errors.New("no quota defined")
	ErrInvalidQuota = errors.New("invalid quota value")
)

// UsageSource lists ledger records of one user across all time.
type UsageSource interface {
	UsageFor(ctx context.Context, username string) ([]store.UsageRecord, error)
}

// SettingsReader reads per-user settings.
type SettingsReader interface {
	Get(ctx context.Context, username, key string) (string, error)
}

// Reason explains an admission decision.
type Reason int

const (
	Within Reason = iota
	NoQuota
	Exceeded
)

func (r Reason) String() string {
	switch r {
	case Within:
		return "within quota"
	case NoQuota:
		return "no quota defined"
	case Exceeded:
		return "quota exceeded"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Admission is the outcome of a quota check.
type Admission struct {
	Reason Reason
	Limit  float64
	Spent  float64
}

// Allowed reports whether a completion call may be issued.
func (a Admission) Allowed() bool {
	return a.Reason == Within
}

// Policy computes spend and admission for a user.
type Policy struct {
	pricing  Pricing
	usage    UsageSource
	settings SettingsReader
}

// NewPolicy creates a quota policy.
func NewPolicy(pricing Pricing, usage UsageSource, settings SettingsReader) *Policy {
	return &Policy{pricing: pricing, usage: usage, settings: settings}
}

// Pricing returns the price table used by the policy.
func (p *Policy) Pricing() Pricing {
	return p.pricing
}

// TotalUsageCost sums the estimated cost of every populated ledger record of
// username over the whole ledger.
func (p *Policy) TotalUsageCost(ctx context.Context, username string) (float64, error) {
	records, err := p.usage.UsageFor(ctx, username)
	if err != nil {
		return 0, err
	}
	return p.Cost(records)
}

// Cost sums the estimated cost of the populated records.
func (p *Policy) Cost(records []store.UsageRecord) (float64, error) {
	var total float64
	for _, r := range records {
		if r.IsPlaceholder() {
			continue
		}
		cost, err := p.pricing.EstimatedCost(r.Model, r.PromptTokens, r.CompletionTokens)
		if err != nil {
			return 0, err
		}
		total += cost
	}
	return total, nil
}

// Limit returns the configured quota of username in USD.
func (p *Policy) Limit(ctx context.Context, username string) (float64, error) {
	raw, err := p.settings.Get(ctx, username, store.KeyQuota)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoQuota
	}
	if err != nil {
		return 0, err
	}
	limit, err := ParseAmount(raw)
	if err != nil {
		return 0, err
	}
	return limit, nil
}

// Check decides admission. It fails closed: a user without a quota is denied.
func (p *Policy) Check(ctx context.Context, username string) (Admission, error) {
	limit, err := p.Limit(ctx, username)
	if errors.Is(err, ErrNoQuota) {
		return Admission{Reason: NoQuota}, nil
	}
	if err != nil {
		return Admission{}, err
	}

	spent, err := p.TotalUsageCost(ctx, username)
	if err != nil {
		return Admission{}, err
	}

	a := Admission{Reason: Within, Limit: limit, Spent: spent}
	if spent >= limit {
		a.Reason = Exceeded
	}
	return a, nil
}

// IsWithinQuota reports whether username may issue another completion call.
func (p *Policy) IsWithinQuota(ctx context.Context, username string) (bool, error) {
	a, err := p.Check(ctx, username)
	if err != nil {
		return false, err
	}
	return a.Allowed(), nil
}

// ParseAmount parses a USD amount such as "5", "5.50" or "$5".
func ParseAmount(raw string) (float64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "$")
	amount, err := strconv.ParseFloat(s, 64)
	if err != nil || amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuota, raw)
	}
	return amount, nil
}
