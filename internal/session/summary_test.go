package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractiveSummary(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "build the parser"},
		{Role: RoleAssistant, Content: "working on it", TaskID: "t1"},
		{Role: RoleAssistant, Content: "done", TaskID: "t1"},
		{Role: RoleUser, Content: "now the printer", TaskID: "t2"},
		{Role: RoleSystem, Content: "noise"},
	}

	summary := ExtractiveSummary(msgs)

	assert.Contains(t, summary, "user: build the parser")
	assert.Contains(t, summary, "user: now the printer")
	assert.Contains(t, summary, "assistant messages: 2")
	assert.Contains(t, summary, "tasks: t1, t2")
	assert.NotContains(t, summary, "noise", "system messages are not excerpted")
}

func TestExtractiveSummary_TruncatesUserMessages(t *testing.T) {
	long := strings.Repeat("x", 250)
	summary := ExtractiveSummary([]Message{{Role: RoleUser, Content: long}})

	require.Contains(t, summary, "user: ")
	line := strings.SplitN(summary, "\n", 2)[0]
	assert.Len(t, []rune(line), len("user: ")+maxUserExcerpt)
}

func TestExtractiveSummary_MultibyteSafe(t *testing.T) {
	long := strings.Repeat("é", 150)
	summary := ExtractiveSummary([]Message{{Role: RoleUser, Content: long}})

	line := strings.SplitN(summary, "\n", 2)[0]
	excerpt := strings.TrimPrefix(line, "user: ")
	assert.Equal(t, strings.Repeat("é", maxUserExcerpt), excerpt)
}

func TestExtractiveSummary_Empty(t *testing.T) {
	assert.Equal(t, "assistant messages: 0", ExtractiveSummary(nil))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
}
