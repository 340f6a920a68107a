package testutil

import (
	"context"
	"errors"
	"sync"
)

// LLMScript replays canned gateway replies in order and records the
// prompts it was given. It satisfies the orchestrator's Invoker
// interface; an exhausted script fails the turn.
type LLMScript struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

// NewLLMScript scripts the replies, consumed one per Invoke.
func NewLLMScript(replies ...string) *LLMScript {
	return &LLMScript{replies: replies}
}

// Invoke records the prompt and returns the next scripted reply.
func (s *LLMScript) Invoke(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

// Prompts returns a copy of every prompt seen so far.
func (s *LLMScript) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Remaining reports how many scripted replies are unconsumed.
func (s *LLMScript) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
