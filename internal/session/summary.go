package session

import (
	"fmt"
	"strings"
)

// maxUserExcerpt caps how much of each user message survives into the
// extractive summary.
const maxUserExcerpt = 100

// ExtractiveSummary is the default compression summarizer: an excerpt
// of every user message, the assistant message count, and the unique
// task ids seen, in first-appearance order.
func ExtractiveSummary(msgs []Message) string {
	var b strings.Builder
	assistants := 0
	seen := make(map[string]struct{})
	var taskIDs []string

	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			b.WriteString("user: ")
			b.WriteString(truncateRunes(strings.TrimSpace(msg.Content), maxUserExcerpt))
			b.WriteByte('\n')
		case RoleAssistant:
			assistants++
		}
		if msg.TaskID != "" {
			if _, dup := seen[msg.TaskID]; !dup {
				seen[msg.TaskID] = struct{}{}
				taskIDs = append(taskIDs, msg.TaskID)
			}
		}
	}

	fmt.Fprintf(&b, "assistant messages: %d", assistants)
	if len(taskIDs) > 0 {
		fmt.Fprintf(&b, "\ntasks: %s", strings.Join(taskIDs, ", "))
	}
	return b.String()
}

// truncateRunes cuts s to at most n runes without splitting a rune.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
