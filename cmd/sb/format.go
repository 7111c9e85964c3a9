package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/channel"
	"github.com/kelurahan/switchboard/internal/takeover"
)

// truncate shortens s to at most n runes, appending an ellipsis.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// formatAgo renders how long ago t was, e.g. "3m ago".
func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// formatSession renders a session snapshot as key: value lines.
func formatSession(s channel.Session, state channel.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State:     %s\n", state)
	if !s.Exists {
		b.WriteString("Session:   none (run `sb channel create`)\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Connected: %v\n", s.Connected)
	fmt.Fprintf(&b, "Logged in: %v\n", s.LoggedIn)
	if s.LoggedIn {
		fmt.Fprintf(&b, "Number:    %s\n", s.PhoneNumber)
		fmt.Fprintf(&b, "JID:       %s\n", s.JID)
	}
	return b.String()
}

// formatOwner renders the responder column.
func formatOwner(row takeover.ConversationView) string {
	label := "AI"
	if row.Owner == takeover.OwnerHuman {
		label = "HUMAN"
	}
	if row.PendingTakeover {
		label += "*"
	}
	return label
}

// formatAI renders the AI progress column.
func formatAI(row takeover.ConversationView) string {
	switch {
	case row.Owner == takeover.OwnerHuman:
		return "-"
	case row.Processing != nil && !row.Processing.Stage.Terminal():
		return fmt.Sprintf("%s %d%%", row.Processing.Stage, row.Processing.Progress)
	case row.AIStatus == api.AIStatusError:
		return "error: " + truncate(row.AIErrorMessage, 30)
	case row.AIStatus == api.AIStatusProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// conversationName prefers the display name, then the collected phone.
func conversationName(c api.Conversation) string {
	switch {
	case c.DisplayName != "":
		return c.DisplayName
	case c.CollectedPhone != "":
		return c.CollectedPhone
	default:
		return c.Key
	}
}

// formatMessage renders one timeline line.
func formatMessage(m api.Message) string {
	who := "USER"
	if m.Direction == api.DirectionOut {
		who = string(m.Source)
		if who == "" {
			who = "OUT"
		}
	}
	return fmt.Sprintf("[%s] %-6s %s", m.Timestamp.Local().Format("01-02 15:04"), who, m.Text)
}
