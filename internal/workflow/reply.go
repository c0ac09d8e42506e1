package workflow

import "fmt"

// State is a suggestion workflow state.
type State int

const (
	Idle State = iota
	PickingConversation
	ViewingConversation
	AwaitingSuggestionConfirm
	SuggestionShown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PickingConversation:
		return "picking_conversation"
	case ViewingConversation:
		return "viewing_conversation"
	case AwaitingSuggestionConfirm:
		return "awaiting_suggestion_confirm"
	case SuggestionShown:
		return "suggestion_shown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Style is a simple emphasis tag for a notice.
type Style int

const (
	Plain Style = iota
	Italic
	Bold
	Pre
)

func (s Style) String() string {
	switch s {
	case Italic:
		return "italic"
	case Bold:
		return "bold"
	case Pre:
		return "pre"
	default:
		return "plain"
	}
}

func (s Style) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notice is one display message.
type Notice struct {
	Text  string `json:"text"`
	Style Style  `json:"style"`
}

// Reply is what an entry operation hands back to the front end.
type Reply struct {
	Notices      []Notice `json:"notices"`
	QuickReplies []string `json:"quick_replies,omitempty"`
	Placeholder  string   `json:"placeholder,omitempty"`
	State        State    `json:"state"`
}

func (r *Reply) add(style Style, text string) {
	r.Notices = append(r.Notices, Notice{Text: text, Style: style})
}

func (r *Reply) plain(text string)  { r.add(Plain, text) }
func (r *Reply) italic(text string) { r.add(Italic, text) }
func (r *Reply) bold(text string)   { r.add(Bold, text) }
func (r *Reply) pre(text string)    { r.add(Pre, text) }

// Text joins the notice texts with blank lines.
func (r Reply) Text() string {
	out := ""
	for i, n := range r.Notices {
		if i > 0 {
			out += "\n\n"
		}
		out += n.Text
	}
	return out
}

func yesNo() []string {
	return []string{"Yes", "No"}
}
