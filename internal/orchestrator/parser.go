package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decision is one orchestrator move extracted from an LLM reply.
type Decision struct {
	Thought         string         `json:"thought"`
	Action          string         `json:"action"`
	Params          map[string]any `json:"params,omitempty"`
	ExpectedOutcome string         `json:"expectedOutcome,omitempty"`
	Risk            string         `json:"risk,omitempty"`
}

// ErrParse marks replies that carried no usable decision object.
var ErrParse = errors.New("unparseable decision")

// SchemaHint is appended to the next prompt after a reply fails to parse.
const SchemaHint = `Your previous reply could not be parsed. Respond with exactly one JSON object and no surrounding prose:
{"thought": "<your reasoning>", "action": "PLAN | DISPATCH | COMPLETE | FAIL | CHECKPOINT", "params": {}, "expectedOutcome": "<optional>", "risk": "<optional low|medium|high>"}`

// ParseDecision extracts the first JSON object from a reply. Models wrap
// their JSON in prose and code fences, so the scan restarts at every '{'
// until a complete object decodes. An object with no action field is a
// format failure, not a decision.
func ParseDecision(reply string) (*Decision, error) {
	for i := 0; i < len(reply); i++ {
		if reply[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(reply[i:]))
		var d Decision
		if err := dec.Decode(&d); err != nil {
			continue
		}
		if strings.TrimSpace(d.Action) == "" {
			return nil, fmt.Errorf("%w: object has no action field", ErrParse)
		}
		d.Action = strings.ToUpper(strings.TrimSpace(d.Action))
		return &d, nil
	}
	return nil, fmt.Errorf("%w: reply contains no JSON object", ErrParse)
}
