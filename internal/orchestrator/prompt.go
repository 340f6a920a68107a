package orchestrator

import (
	"fmt"
	"strings"
)

// PromptInput bundles everything one loop round needs to render the
// state prompt.
type PromptInput struct {
	State     *State
	Actions   []*Action
	MaxRounds int
	Injected  []string
	Hint      string
}

// BuildPrompt renders the orchestrator prompt for one round: objective,
// phase, task graph, recent errors, any user input injected since the
// last round, and the action vocabulary with its JSON reply schema.
func BuildPrompt(in PromptInput) string {
	st := in.State
	var b strings.Builder

	fmt.Fprintf(&b, "You are the orchestrator for epic %s.\n\n", st.EpicID)
	fmt.Fprintf(&b, "## Objective\n%s\n\n", st.UserTask)

	fmt.Fprintf(&b, "## Status\nPhase: %s\nRound: %d of %d\n", st.Phase, st.Round, in.MaxRounds)
	if st.Checkpoint.TotalChecks > 0 {
		fmt.Fprintf(&b, "Checkpoints: %d (last trigger: %s)\n", st.Checkpoint.TotalChecks, st.Checkpoint.LastTrigger)
	}
	b.WriteString("\n")

	b.WriteString("## Tasks\n")
	if len(st.TaskGraph) == 0 {
		b.WriteString("No tasks planned yet. Use PLAN to create the task graph.\n")
	} else {
		for _, t := range st.TaskGraph {
			fmt.Fprintf(&b, "- [%s] %s: %s", t.Status, t.ID, t.Description)
			if t.Assignee != "" {
				fmt.Fprintf(&b, " (assignee: %s)", t.Assignee)
			}
			if t.Status.IsTerminal() && t.Result != "" {
				fmt.Fprintf(&b, " => %s", preview(t.Result))
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	if len(st.RecentErrors) > 0 {
		b.WriteString("## Recent errors\n")
		for _, e := range st.RecentErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	if len(in.Injected) > 0 {
		b.WriteString("## New user input\n")
		for _, msg := range in.Injected {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Instructions\n")
	b.WriteString("Pick exactly one action and reply with a single JSON object:\n")
	b.WriteString(`{"thought": "<your reasoning>", "action": "<ACTION>", "params": {}, "expectedOutcome": "<optional>", "risk": "<optional low|medium|high>"}` + "\n\n")

	if len(in.Actions) > 0 {
		b.WriteString("Available actions:\n")
		for _, act := range in.Actions {
			fmt.Fprintf(&b, "- %s: %s%s\n", act.Name, act.Description, formatParamHints(act.Params))
		}
	}

	if in.Hint != "" {
		b.WriteString("\n")
		b.WriteString(in.Hint)
		b.WriteString("\n")
	}
	return b.String()
}

func formatParamHints(specs []ParamSpec) string {
	if len(specs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		req := ""
		if spec.Required {
			req = ", required"
		}
		parts = append(parts, fmt.Sprintf("%s (%s%s)", spec.Name, spec.Kind, req))
	}
	return " Params: " + strings.Join(parts, "; ") + "."
}
