// Package httpapi exposes the workflow entry operations over HTTP and a
// websocket chat transport.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/chatbot"
	"SalesRep/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// OperatorHeader carries the operator id; the username is used when absent.
// The header is honoured only when the API requires a bearer token.
const OperatorHeader = "X-Operator-ID"

// anonymousPrefix marks operator ids of unauthenticated callers so they never
// match a configured admin id.
const anonymousPrefix = "anonymous:"

// Handler serves the API.
type Handler struct {
	bot      *chatbot.ChatBot
	engine   *workflow.Engine
	logger   *slog.Logger
	token    string
	upgrader websocket.Upgrader
}

// New creates a handler. A non-empty token is required as a bearer token on
// every request.
func New(bot *chatbot.ChatBot, token string, logger *slog.Logger) *Handler {
	return &Handler{
		bot:    bot,
		engine: bot.Engine(),
		logger: logger,
		token:  token,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router wires the routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/api/operators/{username}", func(r chi.Router) {
			r.Post("/begin", h.begin)
			r.Post("/choose", h.choose)
			r.Post("/confirm", h.confirm)
			r.Post("/cancel", h.cancel)
			r.Post("/context", h.setContext)
			r.Post("/command", h.command)
			r.Get("/state", h.state)
			r.Get("/quota", h.quota)
		})
		r.Get("/ws/{username}", h.handleWebSocket)
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) operatorFrom(r *http.Request) access.Operator {
	username := chi.URLParam(r, "username")
	if h.token == "" {
		return access.Operator{ID: anonymousPrefix + username, Username: username}
	}
	id := strings.TrimSpace(r.Header.Get(OperatorHeader))
	if id == "" {
		id = username
	}
	return access.Operator{ID: id, Username: username}
}

type beginRequest struct {
	Limit  string `json:"limit"`
	Offset string `json:"offset"`
}

type textRequest struct {
	Text string `json:"text"`
}

type commandResponse struct {
	workflow.Reply
	Quit bool `json:"quit,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, h.engine.Begin(r.Context(), h.operatorFrom(r), req.Limit, req.Offset))
}

func (h *Handler) choose(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, h.engine.Choose(r.Context(), h.operatorFrom(r), req.Text))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, h.engine.Confirm(r.Context(), h.operatorFrom(r), req.Text))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Cancel(r.Context(), h.operatorFrom(r)))
}

func (h *Handler) setContext(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, h.engine.SetContext(r.Context(), h.operatorFrom(r), req.Text))
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	reply, quit := h.bot.Handle(r.Context(), h.operatorFrom(r), req.Text)
	respondJSON(w, http.StatusOK, commandResponse{Reply: reply, Quit: quit})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]workflow.State{"state": h.engine.State(h.operatorFrom(r))})
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Quota(r.Context(), h.operatorFrom(r)))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
