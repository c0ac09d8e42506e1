// Package assembler turns a conversation and its listing into the ordered
// turn sequence submitted to the completion service.
package assembler

import (
	"context"
	"sort"

	"SalesRep/internal/marketplace"
	"SalesRep/internal/scraper"
	"SalesRep/internal/session"
)

// ItemSource fetches listing summaries.
type ItemSource interface {
	FetchItemSummary(ctx context.Context, itemID string) (scraper.Summary, error)
}

// Assembler merges the system prompt, item context and message history.
type Assembler struct {
	items    ItemSource
	defaults *ContextSource
}

func New(items ItemSource, defaults *ContextSource) *Assembler {
	return &Assembler{items: items, defaults: defaults}
}

// FetchItemSummary delegates to the item source. A missing listing comes
// back with Found false and a nil error.
func (a *Assembler) FetchItemSummary(ctx context.Context, itemID string) (scraper.Summary, error) {
	return a.items.FetchItemSummary(ctx, itemID)
}

// DefaultContext returns the default system prompt.
func (a *Assembler) DefaultContext() string {
	return a.defaults.Load()
}

// SystemPrompt picks the override when one is set, else the default.
func (a *Assembler) SystemPrompt(override string, hasOverride bool) string {
	if hasOverride {
		return override
	}
	return a.defaults.Load()
}

// BuildTurns orders messages by ReceivedAt and maps the peer's messages to
// the user role and everyone else's to the assistant role.
func BuildTurns(messages []marketplace.Message, peerID string) []session.Turn {
	sorted := SortMessages(messages)
	turns := make([]session.Turn, len(sorted))
	for i, m := range sorted {
		role := session.RoleAssistant
		if m.SenderID == peerID {
			role = session.RoleUser
		}
		turns[i] = session.Turn{Role: role, Content: m.Text}
	}
	return turns
}

// SortMessages returns a copy of messages stably sorted by ReceivedAt.
func SortMessages(messages []marketplace.Message) []marketplace.Message {
	sorted := append([]marketplace.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
	})
	return sorted
}

func AssemblePrompt(systemPrompt, itemSummary string) string {
	return systemPrompt + "\n" + itemSummary
}

// CompletionTurns prefixes the conversation turns with the system turn.
func CompletionTurns(prompt string, turns []session.Turn) []session.Turn {
	out := make([]session.Turn, 0, len(turns)+1)
	out = append(out, session.Turn{Role: session.RoleSystem, Content: prompt})
	return append(out, turns...)
}

// LastSpeakerIsPeer reports whether the final turn came from the peer. The
// turns must come from BuildTurns for the same peer.
func LastSpeakerIsPeer(turns []session.Turn) bool {
	if len(turns) == 0 {
		return false
	}
	return turns[len(turns)-1].Role == session.RoleUser
}
