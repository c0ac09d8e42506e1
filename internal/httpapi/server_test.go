package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/assembler"
	"SalesRep/internal/chatbot"
	"SalesRep/internal/completion"
	"SalesRep/internal/marketplace"
	"SalesRep/internal/quota"
	"SalesRep/internal/scraper"
	"SalesRep/internal/session"
	"SalesRep/internal/store"
	"SalesRep/internal/workflow"

	"github.com/gorilla/websocket"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type market struct{}

func (market) ListConversations(ctx context.Context, cookie string, offset, limit int) ([]marketplace.Conversation, error) {
	return []marketplace.Conversation{
		{ID: "c1", ItemID: "m1", Title: "Chair", Peer: marketplace.Participant{ID: "42", Name: "Dirk"}},
	}, nil
}

func (market) FetchMessages(ctx context.Context, cookie, id string) (marketplace.MessagePage, error) {
	return marketplace.MessagePage{
		Peer:       marketplace.Participant{ID: "42", Name: "Dirk"},
		TotalCount: 1, Limit: 10,
		Messages: []marketplace.Message{{SenderID: "42", ReceivedAt: time.Now(), Text: "Still there?"}},
	}, nil
}

type items struct{}

func (items) FetchItemSummary(ctx context.Context, itemID string) (scraper.Summary, error) {
	return scraper.Summary{Text: `{"name":"Chair"}`, URL: "https://example.test/" + itemID, Found: true}, nil
}

type llm struct{}

func (llm) Complete(ctx context.Context, model string, turns []session.Turn) (completion.Result, error) {
	return completion.Result{ModelUsed: "gpt-4-0613", PromptTokens: 100, CompletionTokens: 20, Text: "Yes, it is."}, nil
}

type replyJSON struct {
	Notices []struct {
		Text  string `json:"text"`
		Style string `json:"style"`
	} `json:"notices"`
	QuickReplies []string `json:"quick_replies"`
	State        string   `json:"state"`
	Quit         bool     `json:"quit"`
}

func (r replyJSON) text() string {
	parts := make([]string, len(r.Notices))
	for i, n := range r.Notices {
		parts[i] = n.Text
	}
	return strings.Join(parts, "\n\n")
}

func setupRouter(t *testing.T, token string) http.Handler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for k, v := range map[string]string{
		store.KeyStatus: store.StatusActive,
		store.KeyCookie: "sid=1",
		store.KeyQuota:  "2",
	} {
		if err := db.Settings().Set(ctx, "alice", k, v); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.New(workflow.Config{Model: "gpt-4-0613", Version: "9.9.9"}, workflow.Deps{
		Settings:    db.Settings(),
		Ledger:      db.Ledger(),
		Quota:       quota.NewPolicy(quota.NewPricing(nil), db.Ledger(), db.Settings()),
		Marketplace: market{},
		Assembler:   assembler.New(items{}, assembler.NewContextSource("", logger)),
		Completion:  llm{},
		Auth:        access.NewRoles([]string{"99"}, db.Settings()),
		Logger:      logger,
		Tracer:      tracenoop.NewTracerProvider().Tracer("test"),
		Meter:       metricnoop.NewMeterProvider().Meter("test"),
	})
	return New(chatbot.NewChatBot(engine, logger), token, logger).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) (*httptest.ResponseRecorder, replyJSON) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	var reply replyJSON
	if resp.Code == http.StatusOK {
		if err := json.Unmarshal(resp.Body.Bytes(), &reply); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp, reply
}

func TestHealthz(t *testing.T) {
	r := setupRouter(t, "tok")
	resp, _ := do(t, r, http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	r := setupRouter(t, "tok")

	resp, _ := do(t, r, http.MethodGet, "/api/operators/alice/state", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	resp, _ = do(t, r, http.MethodGet, "/api/operators/alice/state", "", http.Header{"Authorization": {"Bearer nope"}})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong token, got %d", resp.Code)
	}
	resp, reply := do(t, r, http.MethodGet, "/api/operators/alice/state", "", http.Header{"Authorization": {"Bearer tok"}})
	if resp.Code != http.StatusOK || reply.State != "idle" {
		t.Fatalf("got %d, state %q", resp.Code, reply.State)
	}
}

func TestSuggestionFlow(t *testing.T) {
	r := setupRouter(t, "")

	_, reply := do(t, r, http.MethodPost, "/api/operators/alice/begin", `{"limit":"3"}`, nil)
	if reply.State != "picking_conversation" || len(reply.QuickReplies) != 1 {
		t.Fatalf("begin: %+v", reply)
	}

	_, reply = do(t, r, http.MethodPost, "/api/operators/alice/choose", `{"text":"`+reply.QuickReplies[0]+`"}`, nil)
	if reply.State != "awaiting_suggestion_confirm" {
		t.Fatalf("choose: %+v", reply)
	}

	_, reply = do(t, r, http.MethodPost, "/api/operators/alice/confirm", `{"text":"Yes"}`, nil)
	if reply.State != "suggestion_shown" || !strings.Contains(reply.text(), "Yes, it is.") {
		t.Fatalf("confirm: %+v", reply)
	}
	var sawPre bool
	for _, n := range reply.Notices {
		if n.Style == "pre" {
			sawPre = true
		}
	}
	if !sawPre {
		t.Error("suggestion not sent as preformatted text")
	}

	_, reply = do(t, r, http.MethodPost, "/api/operators/alice/cancel", "", nil)
	if reply.State != "idle" || !strings.Contains(reply.text(), "Bye!") {
		t.Fatalf("cancel: %+v", reply)
	}
}

func TestQuotaAndContext(t *testing.T) {
	r := setupRouter(t, "")

	_, reply := do(t, r, http.MethodGet, "/api/operators/alice/quota", "", nil)
	if !strings.Contains(reply.text(), "Your quota is $2.0000") {
		t.Errorf("quota: %q", reply.text())
	}

	_, reply = do(t, r, http.MethodPost, "/api/operators/alice/context", `{"text":"Answer in Dutch."}`, nil)
	if !strings.Contains(reply.text(), "Answer in Dutch.") {
		t.Errorf("context: %q", reply.text())
	}
}

func TestOperatorHeader(t *testing.T) {
	r := setupRouter(t, "tok")
	auth := http.Header{"Authorization": {"Bearer tok"}}

	_, reply := do(t, r, http.MethodPost, "/api/operators/root/command", `{"text":"/admin_help"}`, auth)
	if !strings.Contains(reply.text(), "Nice try") {
		t.Errorf("username alone granted admin: %q", reply.text())
	}
	_, reply = do(t, r, http.MethodPost, "/api/operators/root/command", `{"text":"/admin_help"}`,
		http.Header{"Authorization": {"Bearer tok"}, OperatorHeader: {"99"}})
	if !strings.Contains(reply.text(), "/set_quota") {
		t.Errorf("admin id not honoured: %q", reply.text())
	}
}

func TestNoTokenNeverGrantsAdmin(t *testing.T) {
	r := setupRouter(t, "")

	_, reply := do(t, r, http.MethodPost, "/api/operators/mallory/command", `{"text":"/set_quota mallory 1000"}`,
		http.Header{OperatorHeader: {"99"}})
	if !strings.Contains(reply.text(), "Nice try") {
		t.Errorf("header granted admin without a token: %q", reply.text())
	}
	_, reply = do(t, r, http.MethodPost, "/api/operators/99/command", `{"text":"/set_quota mallory 1000"}`, nil)
	if !strings.Contains(reply.text(), "Nice try") {
		t.Errorf("admin id as username granted admin without a token: %q", reply.text())
	}
}

func TestCommandValidation(t *testing.T) {
	r := setupRouter(t, "")

	resp, _ := do(t, r, http.MethodPost, "/api/operators/alice/command", `{"text":`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", resp.Code)
	}
	resp, _ = do(t, r, http.MethodPost, "/api/operators/alice/command", `{"text":"   "}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty text, got %d", resp.Code)
	}

	_, reply := do(t, r, http.MethodPost, "/api/operators/alice/command", `{"text":"/quit"}`, nil)
	if !reply.Quit {
		t.Errorf("/quit: %+v", reply)
	}
}

func TestWebSocket(t *testing.T) {
	srv := httptest.NewServer(setupRouter(t, ""))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/alice"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	send := func(text string) replyJSON {
		t.Helper()
		if err := conn.WriteJSON(inboundMessage{Text: text}); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var reply replyJSON
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		return reply
	}

	if reply := send("/version"); reply.text() != "Version 9.9.9" {
		t.Errorf("version: %q", reply.text())
	}
	if reply := send("/start"); reply.State != "picking_conversation" {
		t.Errorf("start: %+v", reply)
	}
	if reply := send("Dirk (1)"); reply.State != "awaiting_suggestion_confirm" {
		t.Errorf("choose: %+v", reply)
	}
	if reply := send("/quit"); !reply.Quit {
		t.Errorf("quit: %+v", reply)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}
