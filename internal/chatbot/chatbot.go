// Package chatbot maps text commands and free text onto workflow operations.
package chatbot

import (
	"context"
	"log/slog"
	"strings"

	"SalesRep/internal/access"
	"SalesRep/internal/workflow"
)

// ChatBot dispatches one line of operator input at a time.
type ChatBot struct {
	engine *workflow.Engine
	logger *slog.Logger
}

// NewChatBot creates a dispatcher over engine.
func NewChatBot(engine *workflow.Engine, logger *slog.Logger) *ChatBot {
	return &ChatBot{engine: engine, logger: logger}
}

// Engine returns the workflow engine behind the bot.
func (cb *ChatBot) Engine() *workflow.Engine {
	return cb.engine
}

// Handle processes input from op. quit is true when the operator asked to
// leave the front end.
func (cb *ChatBot) Handle(ctx context.Context, op access.Operator, input string) (reply workflow.Reply, quit bool) {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "/") {
		return cb.handleCommand(ctx, op, input)
	}
	return cb.handleText(ctx, op, input), false
}

// splitCommand returns the command name, the raw remainder and its fields.
// A "@botname" suffix on the command is dropped.
func splitCommand(input string) (name, rest string, args []string) {
	name, rest, _ = strings.Cut(input, " ")
	if i := strings.Index(name, "@"); i > 0 {
		name = name[:i]
	}
	rest = strings.TrimSpace(rest)
	return strings.ToLower(name), rest, strings.Fields(rest)
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, op access.Operator, input string) (workflow.Reply, bool) {
	name, rest, args := splitCommand(input)
	cb.logger.Debug("command", "operator", op.Username, "command", name, "args", len(args))

	e := cb.engine
	switch name {
	case "/quit", "/exit":
		return e.Cancel(ctx, op), true
	case "/start":
		return e.Begin(ctx, op, arg(args, 0), arg(args, 1)), false
	case "/cancel":
		return e.Cancel(ctx, op), false
	case "/context":
		return e.SetContext(ctx, op, rest), false
	case "/quota":
		return e.Quota(ctx, op), false
	case "/reset_cookie":
		return e.ResetCookie(ctx, op, rest), false
	case "/last":
		return e.Last(ctx, op, args), false
	case "/help":
		return e.Help(ctx, op), false
	case "/version":
		return e.Version(), false
	case "/activate":
		return e.Activate(ctx, op, args), false
	case "/deactivate":
		return e.Deactivate(ctx, op, args), false
	case "/user_settings":
		return e.UserSettings(ctx, op, args), false
	case "/set_quota":
		return e.SetQuota(ctx, op, args), false
	case "/users":
		return e.Users(ctx, op, args), false
	case "/load_cookie":
		return e.LoadCookie(ctx, op), false
	case "/admin_help":
		return e.AdminHelp(ctx, op), false
	default:
		cb.logger.Info("unknown command", "operator", op.Username, "command", name)
		return e.Unknown(ctx, op), false
	}
}

// handleText routes free text by the operator's workflow state.
func (cb *ChatBot) handleText(ctx context.Context, op access.Operator, text string) workflow.Reply {
	switch cb.engine.State(op) {
	case workflow.PickingConversation:
		return cb.engine.Choose(ctx, op, text)
	case workflow.AwaitingSuggestionConfirm, workflow.SuggestionShown:
		return cb.engine.Confirm(ctx, op, text)
	default:
		return cb.engine.Echo(text)
	}
}
