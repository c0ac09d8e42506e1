package marketplace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedResponse is returned when an upstream payload lacks a
	// required field.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrUnauthorized usually means the session cookie has expired.
	ErrUnauthorized = errors.New("marketplace rejected the session cookie")
)

// Participant is one side of a marketplace conversation.
type Participant struct {
	ID   string
	Name string
}

// Conversation is a read-only conversation record.
type Conversation struct {
	ID          string
	ItemID      string
	Title       string
	UnreadCount int
	Peer        Participant
}

// Message is one message in a conversation.
type Message struct {
	SenderID   string
	ReceivedAt time.Time
	Received   string
	Text       string
	IsRead     bool
}

// MessagePage is the result of fetching a conversation's messages.
type MessagePage struct {
	Peer       Participant
	TotalCount int
	Limit      int
	Offset     int
	Messages   []Message
}

// HasMore reports whether the upstream held back older messages.
func (p MessagePage) HasMore() bool {
	return p.TotalCount > p.Limit+p.Offset
}

// flexID accepts identifiers encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type wireParticipant struct {
	ID   *flexID `json:"id"`
	Name *string `json:"name"`
}

func (w *wireParticipant) decode(where string) (Participant, error) {
	if w == nil {
		return Participant{}, fmt.Errorf("%w: %s is missing", ErrMalformedResponse, where)
	}
	if w.ID == nil || *w.ID == "" {
		return Participant{}, fmt.Errorf("%w: %s.id is missing", ErrMalformedResponse, where)
	}
	p := Participant{ID: string(*w.ID)}
	if w.Name != nil {
		p.Name = *w.Name
	}
	return p, nil
}

type wireConversation struct {
	ID               *flexID          `json:"id"`
	ItemID           *flexID          `json:"itemId"`
	Title            string           `json:"title"`
	UnreadCount      int              `json:"unreadMessagesCount"`
	OtherParticipant *wireParticipant `json:"otherParticipant"`
}

type wireConversationList struct {
	Embedded *struct {
		Conversations []wireConversation `json:"mc:conversations"`
	} `json:"_embedded"`
}

type wireMessage struct {
	SenderID     *flexID `json:"senderId"`
	ReceivedDate *string `json:"receivedDate"`
	Text         string  `json:"text"`
	IsRead       bool    `json:"isRead"`
}

type wireMessagePage struct {
	TotalCount *int `json:"totalCount"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	Embedded   *struct {
		Messages         []wireMessage    `json:"mc:message"`
		OtherParticipant *wireParticipant `json:"otherParticipant"`
	} `json:"_embedded"`
}

func decodeConversations(body []byte) ([]Conversation, error) {
	var list wireConversationList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if list.Embedded == nil {
		return nil, fmt.Errorf("%w: _embedded is missing", ErrMalformedResponse)
	}

	conversations := make([]Conversation, 0, len(list.Embedded.Conversations))
	for i, w := range list.Embedded.Conversations {
		if w.ID == nil || *w.ID == "" {
			return nil, fmt.Errorf("%w: conversation %d has no id", ErrMalformedResponse, i)
		}
		if w.ItemID == nil || *w.ItemID == "" {
			return nil, fmt.Errorf("%w: conversation %s has no itemId", ErrMalformedResponse, *w.ID)
		}
		peer, err := w.OtherParticipant.decode("otherParticipant")
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", *w.ID, err)
		}
		conversations = append(conversations, Conversation{
			ID:          string(*w.ID),
			ItemID:      string(*w.ItemID),
			Title:       w.Title,
			UnreadCount: w.UnreadCount,
			Peer:        peer,
		})
	}
	return conversations, nil
}

func decodeMessages(body []byte) (MessagePage, error) {
	var page wireMessagePage
	if err := json.Unmarshal(body, &page); err != nil {
		return MessagePage{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if page.Embedded == nil {
		return MessagePage{}, fmt.Errorf("%w: _embedded is missing", ErrMalformedResponse)
	}
	if page.TotalCount == nil {
		return MessagePage{}, fmt.Errorf("%w: totalCount is missing", ErrMalformedResponse)
	}
	peer, err := page.Embedded.OtherParticipant.decode("_embedded.otherParticipant")
	if err != nil {
		return MessagePage{}, err
	}

	out := MessagePage{
		Peer:       peer,
		TotalCount: *page.TotalCount,
		Limit:      page.Limit,
		Offset:     page.Offset,
		Messages:   make([]Message, 0, len(page.Embedded.Messages)),
	}
	for i, w := range page.Embedded.Messages {
		if w.SenderID == nil || *w.SenderID == "" {
			return MessagePage{}, fmt.Errorf("%w: message %d has no senderId", ErrMalformedResponse, i)
		}
		if w.ReceivedDate == nil {
			return MessagePage{}, fmt.Errorf("%w: message %d has no receivedDate", ErrMalformedResponse, i)
		}
		received, err := parseTimestamp(*w.ReceivedDate)
		if err != nil {
			return MessagePage{}, fmt.Errorf("%w: message %d: %v", ErrMalformedResponse, i, err)
		}
		out.Messages = append(out.Messages, Message{
			SenderID:   string(*w.SenderID),
			ReceivedAt: received,
			Received:   *w.ReceivedDate,
			Text:       w.Text,
			IsRead:     w.IsRead,
		})
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

func parseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
