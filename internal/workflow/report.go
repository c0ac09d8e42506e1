package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"SalesRep/internal/store"
)

// usageSession is one interaction: a session-start placeholder and the
// completion calls that followed it.
type usageSession struct {
	Username string
	Start    time.Time
	Calls    []store.UsageRecord
}

// groupSessions splits records into sessions. Calls recorded before a
// user's first placeholder (possible when a window cuts a session in half)
// are dropped. The result is newest first.
func groupSessions(records []store.UsageRecord) []usageSession {
	sorted := append([]store.UsageRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var sessions []usageSession
	open := map[string]int{}
	for _, rec := range sorted {
		if rec.IsPlaceholder() {
			sessions = append(sessions, usageSession{Username: rec.Username, Start: rec.CreatedAt})
			open[rec.Username] = len(sessions) - 1
			continue
		}
		if i, ok := open[rec.Username]; ok {
			sessions[i].Calls = append(sessions[i].Calls, rec)
		}
	}

	for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	}
	return sessions
}

// sessionLines renders sessions like the Unix last command. Admins also see
// the cost and per-call tokens.
func (e *Engine) sessionLines(records []store.UsageRecord, admin bool) []string {
	sessions := groupSessions(records)
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		endAndDelta := strings.Repeat(" ", 19)
		if len(s.Calls) > 0 {
			endAndDelta = endAndDuration(s.Start, s.Calls[len(s.Calls)-1].CreatedAt)
		}
		line := fmt.Sprintf("%s - %s - %s", s.Username, s.Start.Format(timeLayout), endAndDelta)
		if admin {
			tokens := make([]string, len(s.Calls))
			for i, c := range s.Calls {
				tokens[i] = fmt.Sprintf("(%d, %d)", c.PromptTokens, c.CompletionTokens)
			}
			line += fmt.Sprintf(" : %s => [%s]", e.costLabel(s.Calls), strings.Join(tokens, ", "))
		}
		lines = append(lines, line)
	}
	return lines
}

// userLines lists users by their most recent activity, newest first, with
// their spend over the records given.
func (e *Engine) userLines(records []store.UsageRecord) []string {
	last := map[string]time.Time{}
	calls := map[string][]store.UsageRecord{}
	for _, rec := range records {
		if rec.CreatedAt.After(last[rec.Username]) {
			last[rec.Username] = rec.CreatedAt
		}
		if !rec.IsPlaceholder() {
			calls[rec.Username] = append(calls[rec.Username], rec)
		}
	}

	users := make([]string, 0, len(last))
	for u := range last {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if last[users[i]].Equal(last[users[j]]) {
			return users[i] < users[j]
		}
		return last[users[i]].After(last[users[j]])
	})

	lines := make([]string, len(users))
	for i, u := range users {
		lines[i] = fmt.Sprintf("%s - %s - %s", last[u].Format(timeLayout), u, e.costLabel(calls[u]))
	}
	return lines
}

func (e *Engine) costLabel(calls []store.UsageRecord) string {
	cost, err := e.quota.Cost(calls)
	if err != nil {
		e.logger.Warn("cannot price usage", "error", err)
		return "$? (unknown model)"
	}
	return "$" + formatUSD(cost)
}

// endAndDuration returns "hh:mm:ss (hh:mm:ss)" or "hh:mm:ss (Nd+hh:mm:ss)":
// the session end followed by its duration.
func endAndDuration(start, end time.Time) string {
	delta := end.Sub(start)
	if delta < 0 {
		delta = -delta
	}
	days := int(delta / (24 * time.Hour))
	delta -= time.Duration(days) * 24 * time.Hour
	h := int(delta / time.Hour)
	m := int(delta % time.Hour / time.Minute)
	s := int(delta % time.Minute / time.Second)

	clock := end.Format("15:04:05")
	if days != 0 {
		return fmt.Sprintf("%s (%dd+%02d:%02d:%02d)", clock, days, h, m, s)
	}
	return fmt.Sprintf("%s (%02d:%02d:%02d)", clock, h, m, s)
}
