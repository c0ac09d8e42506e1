package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"SalesRep/internal/access"
	"SalesRep/internal/marketplace"
	"SalesRep/internal/quota"
	"SalesRep/internal/store"
)

const (
	noticeNotAdmin = "Nice try, talk to admin."
	noticeUnclear  = "Unclear command"
)

const helpText = `Available commands:
/start -- start the session, by listing all conversations first, optional parameters are LIMIT and OFFSET
/cancel -- stop the current session
/reset_cookie -- set your marktplaats.nl cookie (can parse the result of "Copy as cURL" browser command) or delete current one if nothing is provided
/context -- reset the completion context, provide a new text or leave blank to load default
/quota -- show your quota and usage
/last -- list user's sessions
/version -- show the bot version
/help -- show this help`

const adminHelpText = `Admin commands:
/activate {username} -- activate user by {username}
/deactivate {username} -- deactivate user by {username}
/user_settings {username} -- show settings for {username}
/load_cookie -- load cookie for bot's COOKIE env var into admin's settings
/users ({seconds}) -- list users, active for last {seconds} (24 hours by default)
/last {username} -- list sessions of {username}, showing costs and tokens per request
/last -- list all sessions for the last week, showing costs and tokens per request
/set_quota {username} {amount} -- set $$$ quota for completion use for {username}
/admin_help -- show this help`

const (
	usersWindow = 24 * time.Hour
	lastWindow  = 7 * 24 * time.Hour
	timeLayout  = "2006-01-02 15:04:05"
)

// maxUsersSeconds bounds the /users window to ten years.
const maxUsersSeconds = 10 * 365 * 24 * 3600

func (e *Engine) isAdmin(ctx context.Context, op access.Operator) bool {
	err := access.Require(ctx, e.auth, op, access.CapAdmin)
	if err != nil && !errors.Is(err, access.ErrAccessDenied) {
		e.logger.Error("authorization failed", "operator", op.Username, "error", err)
	}
	return err == nil
}

// requireAdmin logs the attempt and writes the refusal notice when op is
// not an admin.
func (e *Engine) requireAdmin(ctx context.Context, op access.Operator, command string, args []string, r *Reply) bool {
	e.logger.Warn("admin command called", "operator", op.Username, "operator_id", op.ID, "command", command, "args", args)
	if !e.isAdmin(ctx, op) {
		e.logger.Warn("not an admin", "operator", op.Username)
		r.plain(noticeNotAdmin)
		return false
	}
	return true
}

// SetQuota sets the quota of a user: args are username and amount in USD.
func (e *Engine) SetQuota(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "set_quota", args, &r) {
		return r
	}
	if len(args) != 2 {
		r.plain(noticeUnclear)
		return r
	}
	subject, raw := args[0], args[1]
	amount, err := quota.ParseAmount(raw)
	if err != nil {
		r.plain(fmt.Sprintf("Invalid quota amount %q", raw))
		return r
	}
	if err := e.settings.Set(ctx, subject, store.KeyQuota, raw); err != nil {
		e.logger.Error("failed to set quota", "user", subject, "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Warn("quota set", "user", subject, "amount", amount, "by", op.Username)
	r.plain(fmt.Sprintf("User %s quota set to $%s!", subject, strings.TrimPrefix(raw, "$")))
	return r
}

// Activate marks a user active.
func (e *Engine) Activate(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "activate", args, &r) {
		return r
	}
	if len(args) != 1 {
		r.plain(noticeUnclear)
		return r
	}
	if err := e.settings.Set(ctx, args[0], store.KeyStatus, store.StatusActive); err != nil {
		e.logger.Error("failed to activate user", "user", args[0], "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Warn("user activated", "user", args[0], "by", op.Username)
	r.plain(fmt.Sprintf("User %s was activated!", args[0]))
	return r
}

// Deactivate marks a known user inactive and reports the previous status.
func (e *Engine) Deactivate(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "deactivate", args, &r) {
		return r
	}
	if len(args) != 1 {
		r.plain(noticeUnclear)
		return r
	}
	subject := args[0]
	old, err := e.settings.Get(ctx, subject, store.KeyStatus)
	if errors.Is(err, store.ErrNotFound) || (err == nil && old == "") {
		e.logger.Warn("unknown status of user", "user", subject)
		r.plain(fmt.Sprintf("Unknown status for user %s!", subject))
		return r
	}
	if err == nil {
		err = e.settings.Set(ctx, subject, store.KeyStatus, store.StatusInactive)
	}
	if err != nil {
		e.logger.Error("failed to deactivate user", "user", subject, "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Warn("user deactivated", "user", subject, "by", op.Username, "old_status", old)
	r.plain(fmt.Sprintf("User %s was deactivated (old status was %s)!", subject, old))
	return r
}

// UserSettings lists every setting of a user.
func (e *Engine) UserSettings(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "user_settings", args, &r) {
		return r
	}
	if len(args) != 1 {
		r.plain(noticeUnclear)
		return r
	}
	subject := args[0]
	settings, err := e.settings.GetAll(ctx, subject)
	if err != nil {
		e.logger.Error("failed to load settings", "user", subject, "error", err)
		r.plain(noticeFailure)
		return r
	}
	if len(settings) == 0 {
		r.plain(fmt.Sprintf("No settings found for user %s!", subject))
		return r
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("[%s] %s: %s", settings[k].ModifiedAt.Format(timeLayout), k, settings[k].Value)
	}
	r.plain(fmt.Sprintf("User %s settings:", subject))
	r.pre(strings.Join(lines, "\n"))
	return r
}

// LoadCookie copies the bot's COOKIE environment variable into the admin's
// own settings.
func (e *Engine) LoadCookie(ctx context.Context, op access.Operator) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "load_cookie", nil, &r) {
		return r
	}
	cookie := strings.TrimSpace(e.cfg.Getenv("COOKIE"))
	if cookie == "" {
		r.plain("No COOKIE env var found")
		return r
	}
	if err := e.settings.Set(ctx, op.Username, store.KeyCookie, cookie); err != nil {
		e.logger.Error("failed to store cookie", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Info("user set new cookie", "operator", op.Username)
	r.plain("New cookie:")
	r.pre(cookie)
	return r
}

// AdminHelp lists the admin commands.
func (e *Engine) AdminHelp(ctx context.Context, op access.Operator) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "admin_help", nil, &r) {
		return r
	}
	r.plain(adminHelpText)
	return r
}

// Users lists users active within the window (seconds, 24h by default)
// with their spend over that window.
func (e *Engine) Users(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	if !e.requireAdmin(ctx, op, "users", args, &r) {
		return r
	}
	window := usersWindow
	if len(args) == 1 {
		seconds, err := parseCount(args[0], 0)
		if err != nil || seconds == 0 {
			r.plain(fmt.Sprintf("I didn't get the SECONDS argument for the command: %q", args[0]))
			return r
		}
		if seconds > maxUsersSeconds {
			r.plain(fmt.Sprintf("SECONDS must not exceed %d", maxUsersSeconds))
			return r
		}
		window = time.Duration(seconds) * time.Second
	}

	records, err := e.ledger.AllUsageSince(ctx, window)
	if err != nil {
		e.logger.Error("failed to load usage", "error", err)
		r.plain(noticeFailure)
		return r
	}
	r.plain(fmt.Sprintf("Sessions for last %d seconds:", int64(window/time.Second)))
	r.pre(strings.Join(e.userLines(records), "\n"))
	return r
}

// Last lists sessions. Operators see their own; admins see one user's or
// everybody's last week, with costs and tokens.
func (e *Engine) Last(ctx context.Context, op access.Operator, args []string) Reply {
	var r Reply
	admin := e.isAdmin(ctx, op)

	var records []store.UsageRecord
	var err error
	title := "Sessions:"
	switch {
	case len(args) == 1:
		if !e.requireAdmin(ctx, op, "last", args, &r) {
			return r
		}
		records, err = e.ledger.UsageFor(ctx, args[0])
	case admin:
		records, err = e.ledger.AllUsageSince(ctx, lastWindow)
		title = fmt.Sprintf("Sessions for last %d seconds:", int64(lastWindow/time.Second))
	default:
		records, err = e.ledger.UsageFor(ctx, op.Username)
	}
	if err != nil {
		e.logger.Error("failed to load usage", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
		return r
	}

	r.plain(title)
	r.pre(strings.Join(e.sessionLines(records, admin), "\n"))
	return r
}

// Quota shows the operator's quota and lifetime spend.
func (e *Engine) Quota(ctx context.Context, op access.Operator) Reply {
	var r Reply
	if !e.admit(ctx, op, &r) {
		return r
	}
	admission, err := e.quota.Check(ctx, op.Username)
	if err != nil {
		e.logger.Error("quota check failed", "operator", op.Username, "error", err)
		r.plain(quotaFailure(err))
		return r
	}
	if admission.Reason == quota.NoQuota {
		r.plain(noticeNoQuota)
		return r
	}
	e.logger.Info("quota shown", "operator", op.Username, "limit", admission.Limit, "spent", admission.Spent)
	r.plain(fmt.Sprintf("Your quota is $%s, $%s is already used.", formatUSD(admission.Limit), formatUSD(admission.Spent)))
	return r
}

// ResetCookie stores the cookie found in text, or deletes it when text is empty.
func (e *Engine) ResetCookie(ctx context.Context, op access.Operator, text string) Reply {
	var r Reply
	if !e.admit(ctx, op, &r) {
		return r
	}
	if strings.TrimSpace(text) == "" {
		if err := e.settings.Delete(ctx, op.Username, store.KeyCookie); err != nil {
			e.logger.Error("failed to delete cookie", "operator", op.Username, "error", err)
			r.plain(noticeFailure)
			return r
		}
		e.logger.Info("user deleted cookie", "operator", op.Username)
		r.plain("Cookie deleted")
		return r
	}

	cookie, ok := marketplace.SniffCookie(text)
	if !ok {
		e.logger.Info("user did not provide new cookie", "operator", op.Username)
		r.plain("No new cookie found in:")
		r.pre(text)
		return r
	}
	if err := e.settings.Set(ctx, op.Username, store.KeyCookie, cookie); err != nil {
		e.logger.Error("failed to store cookie", "operator", op.Username, "error", err)
		r.plain(noticeFailure)
		return r
	}
	e.logger.Info("user set new cookie", "operator", op.Username)
	r.plain("New cookie:")
	r.pre(cookie)
	return r
}

// Help lists the commands available to op.
func (e *Engine) Help(ctx context.Context, op access.Operator) Reply {
	var r Reply
	r.plain(e.helpFor(ctx, op))
	return r
}

// Unknown answers an unrecognized command.
func (e *Engine) Unknown(ctx context.Context, op access.Operator) Reply {
	var r Reply
	r.plain("Sorry, I didn't understand that command.\n\n" + e.helpFor(ctx, op))
	return r
}

func (e *Engine) helpFor(ctx context.Context, op access.Operator) string {
	if e.isAdmin(ctx, op) {
		return helpText + "\n/admin_help -- show admin help"
	}
	return helpText
}

func (e *Engine) Version() Reply {
	var r Reply
	r.plain("Version " + e.cfg.Version)
	return r
}

// Echo answers free text sent outside of an interaction.
func (e *Engine) Echo(text string) Reply {
	var r Reply
	r.plain("You've just said " + text)
	return r
}

func formatUSD(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
