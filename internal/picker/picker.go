// Package picker lists candidate conversations and maps them to and from
// ordinal labels such as "Alice (3)".
package picker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"SalesRep/internal/marketplace"
)

// ErrUnparseableSelection is returned when free text carries no ordinal label.
var ErrUnparseableSelection = errors.New("unparseable selection")

var ordinalSuffix = regexp.MustCompile(`\s\((\d+)\)\s*$`)

// Picker delegates listing to the marketplace client.
type Picker struct {
	client marketplace.Client
}

func New(client marketplace.Client) *Picker {
	return &Picker{client: client}
}

// ListCandidates returns at most limit conversations in upstream order.
func (p *Picker) ListCandidates(ctx context.Context, cookie string, limit, offset int) ([]marketplace.Conversation, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("limit and offset must be non-negative, got %d and %d", limit, offset)
	}
	if limit == 0 {
		return nil, nil
	}
	conversations, err := p.client.ListConversations(ctx, cookie, offset, limit)
	if err != nil {
		return nil, err
	}
	if len(conversations) > limit {
		conversations = conversations[:limit]
	}
	return conversations, nil
}

// LabelFor renders the quick-reply label of a conversation.
func LabelFor(ordinal int, conv marketplace.Conversation) string {
	return fmt.Sprintf("%s (%d)", conv.Peer.Name, ordinal)
}

// Labels returns the labels of conversations, numbered from 1.
func Labels(conversations []marketplace.Conversation) []string {
	labels := make([]string, len(conversations))
	for i, conv := range conversations {
		labels[i] = LabelFor(i+1, conv)
	}
	return labels
}

// ParseSelection extracts the ordinal from the trailing " (N)" of text, so
// peers named "Bob (2000)" still resolve to the label's own ordinal.
func ParseSelection(text string) (int, error) {
	match := ordinalSuffix.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableSelection, text)
	}
	n, err := strconv.Atoi(match[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableSelection, text)
	}
	return n, nil
}
