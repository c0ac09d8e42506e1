// Package workflow drives an operator from a conversation listing to a
// quota-gated reply suggestion.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/assembler"
	"SalesRep/internal/completion"
	"SalesRep/internal/marketplace"
	"SalesRep/internal/picker"
	"SalesRep/internal/quota"
	"SalesRep/internal/session"
	"SalesRep/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Settings is the per-user key/value store.
type Settings interface {
	Get(ctx context.Context, username, key string) (string, error)
	Set(ctx context.Context, username, key, value string) error
	Delete(ctx context.Context, username, key string) error
	GetAll(ctx context.Context, username string) (map[string]store.Setting, error)
}

// Ledger is the usage ledger.
type Ledger interface {
	RecordSessionStart(ctx context.Context, username string) error
	RecordUsage(ctx context.Context, username, model string, promptTokens, completionTokens int) error
	UsageFor(ctx context.Context, username string) ([]store.UsageRecord, error)
	AllUsageSince(ctx context.Context, window time.Duration) ([]store.UsageRecord, error)
}

// Config holds workflow policy.
type Config struct {
	Model string
	// ContinueOverride offers a suggestion even when the operator spoke last.
	ContinueOverride bool
	DefaultLimit     int
	// ConversationURL is a printf pattern taking the conversation id.
	ConversationURL string
	Version         string
	// Getenv reads the bot's environment; os.Getenv when nil.
	Getenv func(string) string
}

// Deps are the collaborators of the engine.
type Deps struct {
	Settings    Settings
	Ledger      Ledger
	Quota       *quota.Policy
	Marketplace marketplace.Client
	Assembler   *assembler.Assembler
	Completion  completion.Service
	Auth        access.Authorizer
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
}

type slot struct {
	mu      sync.Mutex
	state   State
	session *session.Session
}

// Engine runs one state machine per operator. Inputs of the same operator
// are processed one at a time; different operators proceed concurrently.
type Engine struct {
	cfg       Config
	settings  Settings
	ledger    Ledger
	quota     *quota.Policy
	market    marketplace.Client
	picker    *picker.Picker
	assembler *assembler.Assembler
	llm       completion.Service
	auth      access.Authorizer
	logger    *slog.Logger
	tracer    trace.Tracer

	suggestions metric.Int64Counter
	denied      metric.Int64Counter
	cost        metric.Float64Counter

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.ConversationURL == "" {
		cfg.ConversationURL = "https://www.marktplaats.nl/link/messages/%s"
	}
	e := &Engine{
		cfg:       cfg,
		settings:  deps.Settings,
		ledger:    deps.Ledger,
		quota:     deps.Quota,
		market:    deps.Marketplace,
		picker:    picker.New(deps.Marketplace),
		assembler: deps.Assembler,
		llm:       deps.Completion,
		auth:      deps.Auth,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		slots:     map[string]*slot{},
	}

	var err error
	if e.suggestions, err = deps.Meter.Int64Counter("workflow.suggestions",
		metric.WithDescription("Suggestions shown to operators")); err != nil {
		e.logger.Warn("failed to create counter", "key", "workflow.suggestions", "error", err)
	}
	if e.denied, err = deps.Meter.Int64Counter("workflow.quota_denied",
		metric.WithDescription("Completion calls refused by the quota policy")); err != nil {
		e.logger.Warn("failed to create counter", "key", "workflow.quota_denied", "error", err)
	}
	if e.cost, err = deps.Meter.Float64Counter("llm.cost.usd",
		metric.WithDescription("Estimated completion spend in USD")); err != nil {
		e.logger.Warn("failed to create counter", "key", "llm.cost.usd", "error", err)
	}
	return e
}

func (e *Engine) slotFor(op access.Operator) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[op.ID]
	if !ok {
		s = &slot{state: Idle}
		e.slots[op.ID] = s
	}
	return s
}

// State returns the current workflow state of op.
func (e *Engine) State(op access.Operator) State {
	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the live session of op, or nil when idle.
func (e *Engine) Session(op access.Operator) *session.Session {
	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *slot) end(r *Reply) {
	s.state = Idle
	if s.session != nil {
		s.session.Reset()
	}
	s.session = nil
	r.State = Idle
}

func (s *slot) move(to State, r *Reply) {
	s.state = to
	r.State = to
}

const (
	noticeUnknown    = "You are not known for me, please talk to admin."
	noticeFailure    = "Something went wrong, please try again later."
	noticeNoCookie   = "No cookie found, set cookie with /reset_cookie."
	noticeBadCookie  = "Marketplace rejected your cookie, set a fresh one with /reset_cookie."
	noticeNoQuota    = "No quota defined for you, please talk to admin."
	noticeExceeded   = "You exceeded your quota, please talk to admin."
	noticeTimeout    = "Completion request timed out, nothing was charged. Try again later."
	noticeCompletion = "The completion service failed, please try again later."
	noticeUnpriced   = "The price of the completion model is unknown, please talk to admin."
)

// quotaFailure picks the notice for a failed quota computation.
func quotaFailure(err error) string {
	if errors.Is(err, quota.ErrUnknownModel) {
		return noticeUnpriced
	}
	return noticeFailure
}

// admit checks the suggestion capability. It returns false after writing
// the access-denied notice.
func (e *Engine) admit(ctx context.Context, op access.Operator, r *Reply) bool {
	err := access.Require(ctx, e.auth, op, access.CapSuggest)
	switch {
	case err == nil:
		return true
	case errors.Is(err, access.ErrAccessDenied):
		e.logger.Warn("access denied", "operator", op.Username, "operator_id", op.ID, "error", err)
		r.plain(noticeUnknown)
	default:
		e.logger.Error("authorization failed", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
	}
	return false
}

func (e *Engine) cookie(ctx context.Context, username string) (string, error) {
	cookie, err := e.settings.Get(ctx, username, store.KeyCookie)
	if errors.Is(err, store.ErrNotFound) || (err == nil && strings.TrimSpace(cookie) == "") {
		return "", store.ErrNotFound
	}
	return cookie, err
}

func (e *Engine) conversationURL(id string) string {
	return marketplace.ConversationURL(e.cfg.ConversationURL, id)
}

// upstream renders a marketplace failure.
func (e *Engine) upstream(r *Reply, op access.Operator, what string, err error) {
	if errors.Is(err, marketplace.ErrUnauthorized) {
		r.plain(noticeBadCookie)
		return
	}
	e.logger.Error(what+" failed", "operator", op.Username, "error", err)
	r.plain(noticeFailure)
}

func parseCount(arg string, fallback int) (int, error) {
	if strings.TrimSpace(arg) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return fallback, err
	}
	if n < 0 {
		return fallback, fmt.Errorf("%d is negative", n)
	}
	return n, nil
}

// Begin starts a new interaction: it lists conversations and offers their
// ordinal labels as quick replies. Any interaction in flight is discarded.
func (e *Engine) Begin(ctx context.Context, op access.Operator, limitArg, offsetArg string) Reply {
	ctx, span := e.tracer.Start(ctx, "workflow.begin", trace.WithAttributes(attribute.String("operator", op.Username)))
	defer span.End()

	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Reply
	s.end(&r)
	if !e.admit(ctx, op, &r) {
		return r
	}

	id := uuid.NewString()
	s.session = session.New(id, time.Now())
	e.logger.Info("starting user session", "operator", op.Username, "interaction_id", id)
	if err := e.ledger.RecordSessionStart(ctx, op.Username); err != nil {
		e.logger.Error("failed to record session start", "operator", op.Username, "error", err)
	}

	limit, err := parseCount(limitArg, e.cfg.DefaultLimit)
	if err != nil {
		e.logger.Warn("bad limit argument", "operator", op.Username, "arg", limitArg, "error", err)
		r.plain(fmt.Sprintf("I didn't get first (LIMIT) argument for the command. %v", err))
	}
	offset, err := parseCount(offsetArg, 0)
	if err != nil {
		e.logger.Warn("bad offset argument", "operator", op.Username, "arg", offsetArg, "error", err)
		r.plain(fmt.Sprintf("I didn't get second (OFFSET) argument for the command. %v", err))
	}

	cookie, err := e.cookie(ctx, op.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.plain(noticeNoCookie)
		} else {
			e.logger.Error("failed to load cookie", "operator", op.Username, "error", err)
			r.plain(noticeFailure)
		}
		s.end(&r)
		return r
	}

	conversations, err := e.picker.ListCandidates(ctx, cookie, limit, offset)
	if err != nil {
		e.upstream(&r, op, "listing conversations", err)
		s.end(&r)
		return r
	}
	s.session.StoreConversationList(conversations)
	e.logger.Info("listing conversations", "operator", op.Username, "limit", limit, "offset", offset, "count", len(conversations))

	var b strings.Builder
	b.WriteString("Hi! My name is SalesRep Bot.\n")
	b.WriteString("I will advise you on conversations in Marktplaats, suggesting answers to potential buyers to make them buy on listed price. Send /cancel to stop.\n\n")
	fmt.Fprintf(&b, "Listing %d newly-updated conversations (starting from %d).", limit, offset)
	for i, conv := range conversations {
		details := ""
		if conv.UnreadCount > 0 {
			details = fmt.Sprintf(" with %d unread messages", conv.UnreadCount)
		}
		fmt.Fprintf(&b, "\n\n%d. With %s on '%s'%s", i+1, conv.Peer.Name, conv.Title, details)
	}
	r.plain(b.String())

	if len(conversations) == 0 {
		r.plain("No conversations to pick from.")
		s.end(&r)
		return r
	}

	r.QuickReplies = picker.Labels(conversations)
	r.Placeholder = "Choose conversation"
	s.move(PickingConversation, &r)
	return r
}

// Choose resolves the operator's pick, shows the conversation and, when the
// peer spoke last, offers a suggestion.
func (e *Engine) Choose(ctx context.Context, op access.Operator, text string) Reply {
	ctx, span := e.tracer.Start(ctx, "workflow.choose", trace.WithAttributes(attribute.String("operator", op.Username)))
	defer span.End()

	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Reply
	r.State = s.state
	if !e.admit(ctx, op, &r) {
		s.end(&r)
		return r
	}
	if s.state != PickingConversation {
		r.plain("There is nothing to choose from, send /start first.")
		return r
	}

	ordinal, err := picker.ParseSelection(text)
	if err == nil {
		_, err = s.session.Select(ordinal)
	}
	if err != nil {
		e.logger.Info("bad selection", "operator", op.Username, "text", text, "error", err)
		r.plain("Sorry, I didn't understand that. Pick one of the listed conversations.")
		r.QuickReplies = picker.Labels(s.session.Conversations())
		r.Placeholder = "Choose conversation"
		return r
	}

	conv, _ := s.session.Current()
	span.SetAttributes(attribute.String("conversation_id", conv.ID), attribute.String("item_id", conv.ItemID))
	s.move(ViewingConversation, &r)

	summary, err := e.assembler.FetchItemSummary(ctx, conv.ItemID)
	if err != nil {
		e.logger.Error("fetching item summary failed", "operator", op.Username, "item_id", conv.ItemID, "error", err)
		r.plain(noticeFailure)
		s.end(&r)
		return r
	}
	if !summary.Found {
		r.italic(fmt.Sprintf("Didn't find product description at %s.", summary.URL))
		s.end(&r)
		return r
	}
	r.italic(fmt.Sprintf("Reading %s", summary.URL))
	s.session.SetItemContext(summary.Text)

	cookie, err := e.cookie(ctx, op.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.plain(noticeNoCookie)
		} else {
			e.logger.Error("failed to load cookie", "operator", op.Username, "error", err)
			r.plain(noticeFailure)
		}
		s.end(&r)
		return r
	}

	page, err := e.market.FetchMessages(ctx, cookie, conv.ID)
	if err != nil {
		e.upstream(&r, op, "fetching messages", err)
		s.end(&r)
		return r
	}

	link := e.conversationURL(conv.ID)
	r.plain(fmt.Sprintf("Loading conversation with %s\n%s", page.Peer.Name, link))
	r.plain(renderMessages(page))

	turns := assembler.BuildTurns(page.Messages, page.Peer.ID)
	s.session.SetTurns(turns)

	if assembler.LastSpeakerIsPeer(turns) || e.cfg.ContinueOverride {
		r.italic("Asking for a suggestion?")
		r.QuickReplies = yesNo()
		r.Placeholder = "Ask for a suggestion?"
		s.move(AwaitingSuggestionConfirm, &r)
		return r
	}

	r.plain(fmt.Sprintf("Last message was not from peer. No suggestions will be given for this conversation.\n%s", link))
	s.end(&r)
	return r
}

func renderMessages(page marketplace.MessagePage) string {
	var b strings.Builder
	notice := ""
	if page.HasMore() {
		notice = fmt.Sprintf(". Displaying %d, beginning from %d", page.Limit, page.Offset)
	}
	fmt.Fprintf(&b, "It has %d messages%s:", page.TotalCount, notice)
	for _, m := range assembler.SortMessages(page.Messages) {
		author := "You"
		if m.SenderID == page.Peer.ID {
			author = page.Peer.Name
		}
		status := "*"
		if m.IsRead {
			status = "-"
		}
		fmt.Fprintf(&b, "\n\n[%s] %s %s:\n%s", m.Received, status, author, m.Text)
	}
	return b.String()
}

func isYes(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), "yes")
}

// Confirm answers the "ask for a suggestion" and "regenerate" questions.
// Anything but yes ends the interaction.
func (e *Engine) Confirm(ctx context.Context, op access.Operator, answer string) Reply {
	ctx, span := e.tracer.Start(ctx, "workflow.confirm", trace.WithAttributes(attribute.String("operator", op.Username)))
	defer span.End()

	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Reply
	r.State = s.state
	if !e.admit(ctx, op, &r) {
		s.end(&r)
		return r
	}
	if s.state != AwaitingSuggestionConfirm && s.state != SuggestionShown {
		r.plain("There is nothing to confirm, send /start first.")
		return r
	}

	conv, err := s.session.Current()
	if err != nil {
		e.logger.Error("confirm without selection", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
		s.end(&r)
		return r
	}
	link := e.conversationURL(conv.ID)

	if !isYes(answer) {
		e.logger.Info("not asking for a suggestion", "operator", op.Username, "answer", answer)
		r.plain(fmt.Sprintf("You can open conversation here:\n%s", link))
		s.end(&r)
		return r
	}

	if s.state == SuggestionShown {
		s.move(AwaitingSuggestionConfirm, &r)
	}
	e.suggest(ctx, op, s, &r)
	return r
}

// suggest runs one quota-gated completion call. The slot is locked.
func (e *Engine) suggest(ctx context.Context, op access.Operator, s *slot, r *Reply) {
	span := trace.SpanFromContext(ctx)

	if err := e.quota.Pricing().Known(e.cfg.Model); err != nil {
		e.logger.Error("configured model has no price", "operator", op.Username, "model", e.cfg.Model, "error", err)
		r.plain(noticeUnpriced)
		s.end(r)
		return
	}

	admission, err := e.quota.Check(ctx, op.Username)
	if err != nil {
		e.logger.Error("quota check failed", "operator", op.Username, "error", err)
		r.plain(quotaFailure(err))
		s.end(r)
		return
	}
	e.logger.Info("quota check", "operator", op.Username, "reason", admission.Reason.String(),
		"limit", admission.Limit, "spent", admission.Spent)
	if !admission.Allowed() {
		if e.denied != nil {
			e.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", admission.Reason.String())))
		}
		if admission.Reason == quota.NoQuota {
			r.plain(noticeNoQuota)
		} else {
			r.plain(noticeExceeded)
		}
		s.end(r)
		return
	}

	override, err := e.settings.Get(ctx, op.Username, store.KeyChatContext)
	if err == nil {
		s.session.SetSystemPromptOverride(override)
	} else {
		s.session.ClearSystemPromptOverride()
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to load custom context, using default", "operator", op.Username, "error", err)
		}
	}
	item, _ := s.session.ItemContext()
	prompt := assembler.AssemblePrompt(e.assembler.SystemPrompt(s.session.SystemPromptOverride()), item)

	r.italic("This will be the context for the completion request:")
	r.pre(prompt)
	r.italic("Waiting for the suggestion")

	turns := assembler.CompletionTurns(prompt, s.session.Turns())
	e.logger.Debug("requesting suggestion", "operator", op.Username, "model", e.cfg.Model, "turns", len(turns))

	result, err := e.llm.Complete(ctx, e.cfg.Model, turns)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, completion.ErrTimeout) {
			e.logger.Warn("completion timed out", "operator", op.Username, "error", err)
			r.plain(noticeTimeout)
		} else {
			e.logger.Error("completion failed", "operator", op.Username, "error", err)
			r.plain(noticeCompletion)
		}
		s.end(r)
		return
	}

	recorded := true
	if err := e.ledger.RecordUsage(ctx, op.Username, result.ModelUsed, result.PromptTokens, result.CompletionTokens); err != nil {
		recorded = false
		e.logger.Error("failed to record usage", "operator", op.Username, "model", result.ModelUsed,
			"prompt_tokens", result.PromptTokens, "completion_tokens", result.CompletionTokens, "error", err)
	}
	priced := true
	if cost, err := e.quota.Pricing().EstimatedCost(result.ModelUsed, result.PromptTokens, result.CompletionTokens); err != nil {
		priced = false
		e.logger.Error("completion used an unpriced model", "operator", op.Username, "model", result.ModelUsed, "error", err)
	} else if e.cost != nil {
		e.cost.Add(ctx, cost, metric.WithAttributes(attribute.String("model", result.ModelUsed)))
	}
	if e.suggestions != nil {
		e.suggestions.Add(ctx, 1)
	}
	span.SetAttributes(attribute.String("model_used", result.ModelUsed))

	r.bold("Suggested answer:")
	r.pre(result.Text)

	if !recorded {
		// Unrecorded usage ends the interaction instead of offering a regenerate.
		r.plain(noticeFailure)
		s.end(r)
		return
	}
	if !priced {
		r.plain(noticeUnpriced)
		s.end(r)
		return
	}

	r.italic("Regenerate the suggestion?")
	r.QuickReplies = yesNo()
	r.Placeholder = "Ask for a new suggestion?"
	s.move(SuggestionShown, r)
}

// Cancel ends any interaction in flight.
func (e *Engine) Cancel(ctx context.Context, op access.Operator) Reply {
	s := e.slotFor(op)
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Reply
	if s.state != Idle {
		e.logger.Info("user canceled the conversation", "operator", op.Username, "state", s.state.String())
	}
	s.end(&r)
	r.plain("Bye! I hope we can talk again some day.")
	return r
}

// SetContext stores a custom system prompt, or restores the default when
// text is empty.
func (e *Engine) SetContext(ctx context.Context, op access.Operator, text string) Reply {
	var r Reply
	r.State = e.State(op)
	if !e.admit(ctx, op, &r) {
		return r
	}

	text = strings.TrimSpace(text)
	var err error
	if text == "" {
		text = e.assembler.DefaultContext()
		err = e.settings.Delete(ctx, op.Username, store.KeyChatContext)
	} else {
		err = e.settings.Set(ctx, op.Username, store.KeyChatContext, text)
	}
	if err != nil {
		e.logger.Error("failed to store context", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Info("new context", "operator", op.Username, "context", text)

	r.plain("New context:")
	r.pre(text)
	return r
}
