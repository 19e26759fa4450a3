package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

const shortIDLen = 8

// parseCommand splits "/cmd arg" input. Anything not starting with a slash
// is a message to send.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "say", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// displayKey follows a message across its provisional and confirmed ids.
func displayKey(m message.Message) string {
	if m.ClientID != "" {
		return m.SenderID + "/" + m.ClientID
	}
	return m.ID
}

func statusMark(s message.Status) string {
	switch s {
	case message.StatusSending:
		return "…"
	case message.StatusSent:
		return "✓"
	case message.StatusDelivered:
		return "✓✓"
	case message.StatusRead:
		return "✓✓ read"
	}
	return ""
}

func formatMessage(m message.Message, self string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-8s ", m.Timestamp.Local().Format("15:04"), shortID(m.ID))
	if m.SenderID == self {
		b.WriteString("me")
	} else {
		b.WriteString(orName(m.SenderName, m.SenderID))
	}
	b.WriteString(": ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "(re %s: %q) ", orName(m.ReplyTo.SenderName, "?"), clip(m.ReplyTo.Preview, 32))
	}
	b.WriteString(body(m.Body))
	if m.SenderID == self {
		b.WriteString("  " + statusMark(m.Status))
	}
	return b.String()
}

func body(b message.Body) string {
	switch v := b.(type) {
	case message.Text:
		return v.Content
	case message.Image, message.Video, message.Voice:
		_, ref, name := message.Fields(v)
		return fmt.Sprintf("[%s] %s <%s>", v.Kind(), name, ref)
	}
	return ""
}

func orName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// formatRoster lists users online first, then by name.
func formatRoster(users []message.User, online map[string]bool) []string {
	sorted := append([]message.User(nil), users...)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, oj := online[sorted[i].ID], online[sorted[j].ID]
		if oi != oj {
			return oi
		}
		return strings.ToLower(sorted[i].Name()) < strings.ToLower(sorted[j].Name())
	})
	lines := make([]string, 0, len(sorted))
	for _, u := range sorted {
		mark := " "
		if online[u.ID] {
			mark = "●"
		}
		lines = append(lines, fmt.Sprintf("%s %-20s %s", mark, u.Name(), u.ID))
	}
	return lines
}

// formatConversations lists conversations in the order given, with unread
// counts and the last message.
func formatConversations(convs []message.ConversationSummary, self string) []string {
	lines := make([]string, 0, len(convs))
	for _, c := range convs {
		peer := c.Peer(self)
		mark := " "
		if peer.Online {
			mark = "●"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", c.UnreadCount)
		}
		last := ""
		if m := c.LastMessage; m != nil {
			who := orName(m.SenderName, m.SenderID)
			if m.SenderID == self {
				who = "me"
			}
			last = fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), who, clip(message.Preview(m.Body), 40))
		}
		line := fmt.Sprintf("%s %-20s %-12s %-5s %s", mark, peer.Name(), peer.ID, unread, last)
		lines = append(lines, strings.TrimRight(line, " "))
	}
	return lines
}

// matchID resolves a prefix to exactly one confirmed message id.
func matchID(msgs []message.Message, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: message id required", errs.ErrBadRequest)
	}
	var found string
	for _, m := range msgs {
		if m.Provisional() || !strings.HasPrefix(m.ID, prefix) {
			continue
		}
		if found != "" && found != m.ID {
			return "", fmt.Errorf("%w: %q matches more than one message", errs.ErrBadRequest, prefix)
		}
		found = m.ID
	}
	if found == "" {
		return "", fmt.Errorf("%w: no message %q", errs.ErrNotFound, prefix)
	}
	return found, nil
}
