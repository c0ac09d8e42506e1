package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/assembler"
	"SalesRep/internal/completion"
	"SalesRep/internal/marketplace"
	"SalesRep/internal/quota"
	"SalesRep/internal/scraper"
	"SalesRep/internal/session"
	"SalesRep/internal/store"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	alice = access.Operator{ID: "1", Username: "alice"}
	root  = access.Operator{ID: "99", Username: "root"}
)

type fakeMarket struct {
	mu            sync.Mutex
	conversations []marketplace.Conversation
	pages         map[string]marketplace.MessagePage
	listErr       error
	fetchErr      error
	lastLimit     int
	lastOffset    int
}

func (f *fakeMarket) ListConversations(ctx context.Context, cookie string, offset, limit int) ([]marketplace.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit, f.lastOffset = limit, offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.conversations, nil
}

func (f *fakeMarket) FetchMessages(ctx context.Context, cookie, id string) (marketplace.MessagePage, error) {
	if f.fetchErr != nil {
		return marketplace.MessagePage{}, f.fetchErr
	}
	page, ok := f.pages[id]
	if !ok {
		return marketplace.MessagePage{}, fmt.Errorf("no conversation %s", id)
	}
	return page, nil
}

type fakeItems struct {
	summary scraper.Summary
	err     error
}

func (f *fakeItems) FetchItemSummary(ctx context.Context, itemID string) (scraper.Summary, error) {
	if f.err != nil {
		return scraper.Summary{URL: "https://www.marktplaats.nl/" + itemID}, f.err
	}
	s := f.summary
	s.URL = "https://www.marktplaats.nl/" + itemID
	return s, nil
}

type fakeLLM struct {
	mu     sync.Mutex
	calls  int
	model  string
	turns  []session.Turn
	result completion.Result
	err    error
}

func (f *fakeLLM) Complete(ctx context.Context, model string, turns []session.Turn) (completion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.turns = turns
	return f.result, f.err
}

type harness struct {
	engine *Engine
	db     *store.DB
	policy *quota.Policy
	market *fakeMarket
	items  *fakeItems
	llm    *fakeLLM
	env    map[string]string
}

func at(min int) time.Time {
	return time.Date(2023, 10, 1, 12, min, 0, 0, time.UTC)
}

func peerSpokeLast() marketplace.MessagePage {
	return marketplace.MessagePage{
		Peer:       marketplace.Participant{ID: "42", Name: "Bob (2000)"},
		TotalCount: 2, Limit: 10,
		Messages: []marketplace.Message{
			{SenderID: "42", ReceivedAt: at(9), Received: "2023-10-01T12:09:00Z", Text: "Would you take 100?"},
			{SenderID: "7", ReceivedAt: at(1), Received: "2023-10-01T12:01:00Z", Text: "It is 150.", IsRead: true},
		},
	}
}

func operatorSpokeLast() marketplace.MessagePage {
	return marketplace.MessagePage{
		Peer:       marketplace.Participant{ID: "43", Name: "Carol"},
		TotalCount: 2, Limit: 10,
		Messages: []marketplace.Message{
			{SenderID: "43", ReceivedAt: at(1), Text: "Is it available?"},
			{SenderID: "7", ReceivedAt: at(2), Text: "Yes"},
		},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "workflow.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		db: db,
		market: &fakeMarket{
			conversations: []marketplace.Conversation{
				{ID: "c1", ItemID: "m1", Title: "Bike", UnreadCount: 1, Peer: marketplace.Participant{ID: "42", Name: "Bob (2000)"}},
				{ID: "c2", ItemID: "m2", Title: "Lamp", Peer: marketplace.Participant{ID: "43", Name: "Carol"}},
			},
			pages: map[string]marketplace.MessagePage{"c1": peerSpokeLast(), "c2": operatorSpokeLast()},
		},
		items: &fakeItems{summary: scraper.Summary{Text: `{"name":"Bike","price":"150"}`, Found: true}},
		llm: &fakeLLM{result: completion.Result{
			ModelUsed: "gpt-4-0613", PromptTokens: 1000, CompletionTokens: 500, Text: "The price is firm.",
		}},
		env: map[string]string{},
	}
	h.policy = quota.NewPolicy(quota.NewPricing(nil), db.Ledger(), db.Settings())

	if cfg.Model == "" {
		cfg.Model = "gpt-4-0613"
	}
	cfg.Getenv = func(k string) string { return h.env[k] }
	cfg.Version = "test"

	h.engine = New(cfg, Deps{
		Settings:    db.Settings(),
		Ledger:      db.Ledger(),
		Quota:       h.policy,
		Marketplace: h.market,
		Assembler:   assembler.New(h.items, assembler.NewContextSource("", logger)),
		Completion:  h.llm,
		Auth:        access.NewRoles([]string{root.ID}, db.Settings()),
		Logger:      logger,
		Tracer:      tracenoop.NewTracerProvider().Tracer("test"),
		Meter:       metricnoop.NewMeterProvider().Meter("test"),
	})

	h.set(t, "alice", store.KeyStatus, store.StatusActive)
	h.set(t, "alice", store.KeyCookie, "sid=abc")
	return h
}

func (h *harness) set(t *testing.T, user, key, value string) {
	t.Helper()
	if err := h.db.Settings().Set(context.Background(), user, key, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func (h *harness) usage(t *testing.T, user string) []store.UsageRecord {
	t.Helper()
	records, err := h.db.Ledger().UsageFor(context.Background(), user)
	if err != nil {
		t.Fatalf("UsageFor: %v", err)
	}
	return records
}

func mustContain(t *testing.T, r Reply, want string) {
	t.Helper()
	if !strings.Contains(r.Text(), want) {
		t.Errorf("reply %q does not contain %q", r.Text(), want)
	}
}

func hasNotice(r Reply, style Style, text string) bool {
	for _, n := range r.Notices {
		if n.Style == style && n.Text == text {
			return true
		}
	}
	return false
}

// toConfirm walks alice to the suggestion question on conversation c1.
func (h *harness) toConfirm(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	r := h.engine.Begin(ctx, alice, "", "")
	if r.State != PickingConversation {
		t.Fatalf("Begin: state = %v, reply %q", r.State, r.Text())
	}
	r = h.engine.Choose(ctx, alice, r.QuickReplies[0])
	if r.State != AwaitingSuggestionConfirm {
		t.Fatalf("Choose: state = %v, reply %q", r.State, r.Text())
	}
}

func TestBeginListsConversations(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.engine.Begin(context.Background(), alice, "", "")

	if r.State != PickingConversation || h.engine.State(alice) != PickingConversation {
		t.Fatalf("state = %v", r.State)
	}
	want := []string{"Bob (2000) (1)", "Carol (2)"}
	if strings.Join(r.QuickReplies, "|") != strings.Join(want, "|") {
		t.Errorf("QuickReplies = %v, want %v", r.QuickReplies, want)
	}
	mustContain(t, r, "1. With Bob (2000) on 'Bike' with 1 unread messages")
	mustContain(t, r, "2. With Carol on 'Lamp'")
	if h.market.lastLimit != 5 || h.market.lastOffset != 0 {
		t.Errorf("listed with limit %d offset %d", h.market.lastLimit, h.market.lastOffset)
	}

	records := h.usage(t, "alice")
	if len(records) != 1 || !records[0].IsPlaceholder() {
		t.Errorf("ledger = %+v, want one session start", records)
	}
}

func TestBeginArgumentErrorsAreReportedSeparately(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.engine.Begin(context.Background(), alice, "ten", "-3")

	mustContain(t, r, "I didn't get first (LIMIT) argument")
	mustContain(t, r, "I didn't get second (OFFSET) argument")
	if r.State != PickingConversation {
		t.Errorf("state = %v, the listing should still run", r.State)
	}
	if h.market.lastLimit != 5 || h.market.lastOffset != 0 {
		t.Errorf("defaults not used: limit %d offset %d", h.market.lastLimit, h.market.lastOffset)
	}

	r = h.engine.Begin(context.Background(), alice, "2", "oops")
	if strings.Contains(r.Text(), "first (LIMIT)") {
		t.Error("valid limit reported as error")
	}
	mustContain(t, r, "second (OFFSET)")
	if h.market.lastLimit != 2 {
		t.Errorf("limit = %d, want 2", h.market.lastLimit)
	}
}

func TestInactiveOperatorIsDenied(t *testing.T) {
	h := newHarness(t, Config{})
	bob := access.Operator{ID: "2", Username: "bob"}

	for _, r := range []Reply{
		h.engine.Begin(context.Background(), bob, "", ""),
		h.engine.Choose(context.Background(), bob, "Carol (2)"),
		h.engine.Confirm(context.Background(), bob, "Yes"),
	} {
		mustContain(t, r, "You are not known for me")
		if r.State != Idle {
			t.Errorf("state = %v", r.State)
		}
	}
	if h.market.lastLimit != 0 {
		t.Error("marketplace called for an inactive operator")
	}

	h.set(t, "alice", store.KeyStatus, store.StatusInactive)
	r := h.engine.Begin(context.Background(), alice, "", "")
	mustContain(t, r, "You are not known for me")
}

func TestMissingCookie(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.Settings().Delete(context.Background(), "alice", store.KeyCookie)

	r := h.engine.Begin(context.Background(), alice, "", "")
	mustContain(t, r, "/reset_cookie")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
}

func TestExpiredCookie(t *testing.T) {
	h := newHarness(t, Config{})
	h.market.listErr = fmt.Errorf("%w: 401", marketplace.ErrUnauthorized)

	r := h.engine.Begin(context.Background(), alice, "", "")
	mustContain(t, r, "/reset_cookie")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
}

func TestChooseBadSelectionStaysPicking(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine.Begin(context.Background(), alice, "", "")

	for _, text := range []string{"Bob", "Carol (3)"} {
		r := h.engine.Choose(context.Background(), alice, text)
		mustContain(t, r, "didn't understand")
		if r.State != PickingConversation || len(r.QuickReplies) != 2 {
			t.Errorf("Choose(%q): state %v, quick replies %v", text, r.State, r.QuickReplies)
		}
	}
}

func TestChooseWithoutBegin(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.engine.Choose(context.Background(), alice, "Carol (2)")
	mustContain(t, r, "/start")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
}

func TestChooseShowsConversation(t *testing.T) {
	h := newHarness(t, Config{})
	h.toConfirm(t)

	turns := h.engine.Session(alice).Turns()
	if len(turns) != 2 || turns[0].Role != session.RoleAssistant || turns[1].Role != session.RoleUser {
		t.Errorf("turns = %+v", turns)
	}
	if item, ok := h.engine.Session(alice).ItemContext(); !ok || !strings.Contains(item, "Bike") {
		t.Errorf("item context = %q, %v", item, ok)
	}
}

func TestChooseRendersMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine.Begin(context.Background(), alice, "", "")
	r := h.engine.Choose(context.Background(), alice, "Bob (2000) (1)")

	mustContain(t, r, "Reading https://www.marktplaats.nl/m1")
	mustContain(t, r, "https://www.marktplaats.nl/link/messages/c1")
	mustContain(t, r, "It has 2 messages:")
	mustContain(t, r, "[2023-10-01T12:09:00Z] * Bob (2000):\nWould you take 100?")
	mustContain(t, r, "[2023-10-01T12:01:00Z] - You:\nIt is 150.")
	if strings.Index(r.Text(), "It is 150.") > strings.Index(r.Text(), "Would you take 100?") {
		t.Error("messages not shown in received order")
	}
	if r.QuickReplies[0] != "Yes" || r.QuickReplies[1] != "No" {
		t.Errorf("QuickReplies = %v", r.QuickReplies)
	}
}

func TestItemNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	h.items.summary = scraper.Summary{}
	h.engine.Begin(context.Background(), alice, "", "")

	r := h.engine.Choose(context.Background(), alice, "Bob (2000) (1)")
	mustContain(t, r, "Didn't find product description at https://www.marktplaats.nl/m1")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
}

func TestScenarioANoQuota(t *testing.T) {
	h := newHarness(t, Config{})
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, "No quota defined")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
	if h.llm.calls != 0 {
		t.Errorf("completion called %d times", h.llm.calls)
	}
}

func TestScenarioBRecordsActualUsage(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	if r.State != SuggestionShown {
		t.Fatalf("state = %v, reply %q", r.State, r.Text())
	}
	mustContain(t, r, "The price is firm.")
	if !hasNotice(r, Bold, "Suggested answer:") {
		t.Errorf("suggestion label not bold: %+v", r.Notices)
	}
	if h.llm.calls != 1 || h.llm.model != "gpt-4-0613" {
		t.Errorf("completion calls = %d, model = %q", h.llm.calls, h.llm.model)
	}

	var calls []store.UsageRecord
	for _, rec := range h.usage(t, "alice") {
		if !rec.IsPlaceholder() {
			calls = append(calls, rec)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("ledger has %d calls, want 1", len(calls))
	}
	if calls[0].Model != "gpt-4-0613" || calls[0].PromptTokens != 1000 || calls[0].CompletionTokens != 500 {
		t.Errorf("recorded %+v", calls[0])
	}

	total, err := h.policy.TotalUsageCost(context.Background(), "alice")
	if err != nil {
		t.Fatalf("TotalUsageCost: %v", err)
	}
	if math.Abs(total-0.06) > 1e-9 {
		t.Errorf("total = %v, want 0.06", total)
	}
}

func TestScenarioCOperatorSpokeLast(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.engine.Begin(context.Background(), alice, "", "")

	r := h.engine.Choose(context.Background(), alice, "Carol (2)")
	mustContain(t, r, "Last message was not from peer")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
	if h.llm.calls != 0 {
		t.Errorf("completion called %d times", h.llm.calls)
	}
}

func TestContinueOverride(t *testing.T) {
	h := newHarness(t, Config{ContinueOverride: true})
	h.engine.Begin(context.Background(), alice, "", "")

	r := h.engine.Choose(context.Background(), alice, "Carol (2)")
	if r.State != AwaitingSuggestionConfirm {
		t.Errorf("state = %v, want AwaitingSuggestionConfirm", r.State)
	}
}

func TestPromptUsesContextAndItem(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.set(t, "alice", store.KeyChatContext, "Be polite.")
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "yes")
	want := "Be polite.\n" + `{"name":"Bike","price":"150"}`
	mustContain(t, r, want)

	if len(h.llm.turns) != 3 {
		t.Fatalf("sent %d turns", len(h.llm.turns))
	}
	if h.llm.turns[0] != (session.Turn{Role: session.RoleSystem, Content: want}) {
		t.Errorf("system turn = %+v", h.llm.turns[0])
	}
	if h.llm.turns[2].Content != "Would you take 100?" {
		t.Errorf("last turn = %+v", h.llm.turns[2])
	}
}

func TestContextResetBeforeRegenerate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.set(t, "alice", store.KeyQuota, "5")
	h.set(t, "alice", store.KeyChatContext, "Be polite.")
	h.toConfirm(t)

	if r := h.engine.Confirm(ctx, alice, "Yes"); r.State != SuggestionShown {
		t.Fatalf("state = %v, reply %q", r.State, r.Text())
	}
	if got := h.llm.turns[0].Content; !strings.HasPrefix(got, "Be polite.\n") {
		t.Fatalf("first system turn = %q", got)
	}

	h.engine.SetContext(ctx, alice, "")
	r := h.engine.Confirm(ctx, alice, "Yes")
	if r.State != SuggestionShown {
		t.Fatalf("state = %v, reply %q", r.State, r.Text())
	}
	want := assembler.AssemblePrompt(h.engine.assembler.DefaultContext(), `{"name":"Bike","price":"150"}`)
	if got := h.llm.turns[0].Content; got != want {
		t.Errorf("system turn after reset = %q, want %q", got, want)
	}

	h.set(t, "alice", store.KeyChatContext, "Be brief.")
	h.engine.Confirm(ctx, alice, "Yes")
	if got := h.llm.turns[0].Content; !strings.HasPrefix(got, "Be brief.\n") {
		t.Errorf("system turn after change = %q", got)
	}
}

func TestQuickRepliesAreFresh(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.engine.Begin(ctx, alice, "", "")
	r := h.engine.Choose(ctx, alice, "Bob (2000) (1)")
	r.QuickReplies[0] = "Maybe"
	h.engine.Cancel(ctx, alice)

	h.engine.Begin(ctx, alice, "", "")
	r = h.engine.Choose(ctx, alice, "Bob (2000) (1)")
	if len(r.QuickReplies) != 2 || r.QuickReplies[0] != "Yes" {
		t.Errorf("QuickReplies = %v after a caller edited an earlier reply", r.QuickReplies)
	}
}

func TestRegenerateAndFinish(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.toConfirm(t)
	ctx := context.Background()

	h.engine.Confirm(ctx, alice, "Yes")
	r := h.engine.Confirm(ctx, alice, "Yes")
	if r.State != SuggestionShown || h.llm.calls != 2 {
		t.Fatalf("state = %v, calls = %d", r.State, h.llm.calls)
	}

	r = h.engine.Confirm(ctx, alice, "No")
	mustContain(t, r, "https://www.marktplaats.nl/link/messages/c1")
	if r.State != Idle || h.llm.calls != 2 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
	if got := len(h.usage(t, "alice")); got != 3 {
		t.Errorf("ledger has %d rows, want session start plus two calls", got)
	}
}

func TestDeclineIssuesNoCall(t *testing.T) {
	h := newHarness(t, Config{})
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "No")
	mustContain(t, r, "You can open conversation here")
	if r.State != Idle || h.llm.calls != 0 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
}

func TestQuotaExceeded(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "0.05")
	h.db.Ledger().RecordUsage(context.Background(), "alice", "gpt-4-0613", 1000, 500)
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, "You exceeded your quota")
	if r.State != Idle || h.llm.calls != 0 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
}

func TestQuotaReachedDuringRegenerate(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "0.05")
	h.toConfirm(t)
	ctx := context.Background()

	if r := h.engine.Confirm(ctx, alice, "Yes"); r.State != SuggestionShown {
		t.Fatalf("first suggestion: %q", r.Text())
	}
	r := h.engine.Confirm(ctx, alice, "Yes")
	mustContain(t, r, "You exceeded your quota")
	if h.llm.calls != 1 {
		t.Errorf("calls = %d, want 1", h.llm.calls)
	}
}

func TestCompletionTimeoutRecordsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.llm.err = fmt.Errorf("%w: deadline", completion.ErrTimeout)
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, "timed out")
	if r.State != Idle {
		t.Errorf("state = %v", r.State)
	}
	for _, rec := range h.usage(t, "alice") {
		if !rec.IsPlaceholder() {
			t.Errorf("timeout recorded usage: %+v", rec)
		}
	}
}

func TestCompletionProviderError(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.llm.err = fmt.Errorf("%w: 429", completion.ErrProvider)
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, noticeCompletion)
	if r.State != Idle || h.llm.calls != 1 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
}

func TestUnpricedModelFailsClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.db.Ledger().RecordUsage(context.Background(), "alice", "mystery", 1, 1)
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, noticeUnpriced)
	if r.State != Idle || h.llm.calls != 0 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
	mustContain(t, h.engine.Quota(context.Background(), alice), noticeUnpriced)
}

func TestUnpricedConfiguredModelIssuesNoCall(t *testing.T) {
	h := newHarness(t, Config{Model: "doubao-pro"})
	h.set(t, "alice", store.KeyQuota, "5")
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, noticeUnpriced)
	if r.State != Idle || h.llm.calls != 0 {
		t.Errorf("state = %v, calls = %d", r.State, h.llm.calls)
	}
	for _, rec := range h.usage(t, "alice") {
		if !rec.IsPlaceholder() {
			t.Errorf("unexpected usage: %+v", rec)
		}
	}
}

func TestUnpricedReportedModelEndsInteraction(t *testing.T) {
	h := newHarness(t, Config{})
	h.set(t, "alice", store.KeyQuota, "5")
	h.llm.result.ModelUsed = "gpt-4-0314"
	h.toConfirm(t)

	r := h.engine.Confirm(context.Background(), alice, "Yes")
	mustContain(t, r, "The price is firm.")
	mustContain(t, r, noticeUnpriced)
	if r.State != Idle || len(r.QuickReplies) != 0 {
		t.Errorf("state = %v, quick replies = %v", r.State, r.QuickReplies)
	}
}

func TestCancelFromAnyState(t *testing.T) {
	ctx := context.Background()
	steps := map[string]func(t *testing.T, h *harness){
		"picking": func(t *testing.T, h *harness) { h.engine.Begin(ctx, alice, "", "") },
		"awaiting": func(t *testing.T, h *harness) {
			h.engine.Begin(ctx, alice, "", "")
			h.engine.Choose(ctx, alice, "Bob (2000) (1)")
		},
		"suggestion shown": func(t *testing.T, h *harness) {
			h.set(t, "alice", store.KeyQuota, "5")
			h.engine.Begin(ctx, alice, "", "")
			h.engine.Choose(ctx, alice, "Bob (2000) (1)")
			h.engine.Confirm(ctx, alice, "Yes")
		},
	}

	for name, step := range steps {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{})
			step(t, h)
			if h.engine.State(alice) == Idle {
				t.Fatal("setup did not leave idle")
			}

			r := h.engine.Cancel(ctx, alice)
			if r.State != Idle || h.engine.State(alice) != Idle {
				t.Errorf("state after cancel = %v", h.engine.State(alice))
			}
			if h.engine.Session(alice) != nil {
				t.Error("session survived cancel")
			}

			h.engine.Begin(ctx, alice, "", "")
			sess := h.engine.Session(alice)
			if sess == nil || len(sess.Turns()) != 0 {
				t.Fatalf("fresh session carries turns: %+v", sess)
			}
			if _, err := sess.Current(); !errors.Is(err, session.ErrNoActiveSelection) {
				t.Errorf("fresh session has a selection: %v", err)
			}
		})
	}
}

func TestSetContext(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	r := h.engine.SetContext(ctx, alice, "Never discount.")
	mustContain(t, r, "Never discount.")
	got, err := h.db.Settings().Get(ctx, "alice", store.KeyChatContext)
	if err != nil || got != "Never discount." {
		t.Errorf("stored context = %q, %v", got, err)
	}

	r = h.engine.SetContext(ctx, alice, "")
	mustContain(t, r, "You are selling your item on marktplaats.nl.")
	if _, err := h.db.Settings().Get(ctx, "alice", store.KeyChatContext); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("context not deleted: %v", err)
	}
}

func TestOperatorsRunConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		op := access.Operator{ID: fmt.Sprint(100 + i), Username: fmt.Sprintf("user%d", i)}
		h.set(t, op.Username, store.KeyStatus, store.StatusActive)
		h.set(t, op.Username, store.KeyCookie, "sid=x")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := h.engine.Begin(ctx, op, "", ""); r.State != PickingConversation {
				t.Errorf("%s: state = %v", op.Username, r.State)
			}
			if r := h.engine.Choose(ctx, op, "Carol (2)"); r.State != Idle {
				t.Errorf("%s: state = %v", op.Username, r.State)
			}
		}()
	}
	wg.Wait()
}
