package session

import (
	"errors"
	"fmt"
	"time"

	"SalesRep/internal/marketplace"
)

var (
	ErrUnknownSelection  = errors.New("unknown selection")
	ErrNoActiveSelection = errors.New("no active selection")
)

// Roles used in turns submitted to the completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn represents a single role-tagged chat message
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds one operator's interaction state. It is not safe for
// concurrent use; the workflow serializes access per operator.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`

	conversations []marketplace.Conversation
	selected      int
	itemContext   string
	hasItem       bool
	turns         []Turn
	promptSet     bool
	prompt        string
}

// New creates an empty session.
func New(id string, start time.Time) *Session {
	return &Session{ID: id, StartTime: start}
}

// StoreConversationList replaces the candidate list and clears the selection.
func (s *Session) StoreConversationList(conversations []marketplace.Conversation) {
	s.conversations = append([]marketplace.Conversation(nil), conversations...)
	s.selected = 0
}

// Conversations returns the stored candidate list.
func (s *Session) Conversations() []marketplace.Conversation {
	return s.conversations
}

// Select resolves a 1-based ordinal against the stored list.
func (s *Session) Select(ordinal int) (marketplace.Conversation, error) {
	if ordinal < 1 || ordinal > len(s.conversations) {
		return marketplace.Conversation{}, fmt.Errorf("%w: %d", ErrUnknownSelection, ordinal)
	}
	s.selected = ordinal
	return s.conversations[ordinal-1], nil
}

// Current returns the selected conversation.
func (s *Session) Current() (marketplace.Conversation, error) {
	if s.selected == 0 {
		return marketplace.Conversation{}, ErrNoActiveSelection
	}
	return s.conversations[s.selected-1], nil
}

func (s *Session) SetItemContext(text string) {
	s.itemContext = text
	s.hasItem = true
}

// ItemContext returns the fetched item summary; ok is false when none was set.
func (s *Session) ItemContext() (string, bool) {
	return s.itemContext, s.hasItem
}

func (s *Session) SetTurns(turns []Turn) {
	s.turns = append([]Turn(nil), turns...)
}

func (s *Session) Turns() []Turn {
	return s.turns
}

// SetSystemPromptOverride stores a custom system prompt for this interaction.
func (s *Session) SetSystemPromptOverride(prompt string) {
	s.prompt = prompt
	s.promptSet = true
}

// ClearSystemPromptOverride falls back to the default system prompt.
func (s *Session) ClearSystemPromptOverride() {
	s.prompt = ""
	s.promptSet = false
}

// SystemPromptOverride returns the custom prompt, if any.
func (s *Session) SystemPromptOverride() (string, bool) {
	return s.prompt, s.promptSet
}

// Reset discards the selection, item context and turns. The system prompt
// override is dropped as well.
func (s *Session) Reset() {
	s.conversations = nil
	s.selected = 0
	s.itemContext = ""
	s.hasItem = false
	s.turns = nil
	s.prompt = ""
	s.promptSet = false
}
