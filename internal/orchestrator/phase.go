package orchestrator

import (
	"fmt"
	"slices"
)

// Phase is the Epic-level workflow phase.
type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseHighDesign     Phase = "high_design"
	PhaseDetailDesign   Phase = "detail_design"
	PhaseTaskAllocation Phase = "task_allocation"
	PhaseExecution      Phase = "execution"
	PhaseReview         Phase = "review"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// phaseTransitions is the workflow DAG. Every non-terminal phase may
// fall to failed or jump to completed; review re-enters planning when a
// checkpoint reports a major change.
var phaseTransitions = map[Phase][]Phase{
	PhasePlanning:       {PhaseHighDesign, PhaseExecution, PhaseCompleted, PhaseFailed},
	PhaseHighDesign:     {PhaseDetailDesign, PhaseExecution, PhaseCompleted, PhaseFailed},
	PhaseDetailDesign:   {PhaseTaskAllocation, PhaseExecution, PhaseCompleted, PhaseFailed},
	PhaseTaskAllocation: {PhaseExecution, PhaseCompleted, PhaseFailed},
	PhaseExecution:      {PhaseReview, PhaseCompleted, PhaseFailed},
	PhaseReview:         {PhaseExecution, PhasePlanning, PhaseCompleted, PhaseFailed},
	PhaseCompleted:      {},
	PhaseFailed:         {},
}

// IsValidPhaseTransition checks a workflow phase move.
func IsValidPhaseTransition(from, to Phase) bool {
	return slices.Contains(phaseTransitions[from], to)
}

// IsTerminal reports whether the phase ends the Epic.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// transitionPhase moves the state to a new phase, enforcing the DAG.
func (s *State) transitionPhase(to Phase) error {
	if s.Phase == to {
		return nil
	}
	if !IsValidPhaseTransition(s.Phase, to) {
		return fmt.Errorf("epic %s cannot move from %s to %s", s.EpicID, s.Phase, to)
	}
	s.Phase = to
	return nil
}

// advanceDesignPhases walks the plan-driven phases forward as far as the
// task graph justifies: a non-empty plan reaches high_design, fully
// described tasks reach detail_design, and assigned tasks reach
// task_allocation. Execution only starts on the first DISPATCH.
func (s *State) advanceDesignPhases() {
	if s.Phase == PhasePlanning && len(s.TaskGraph) > 0 {
		s.Phase = PhaseHighDesign
	}
	if s.Phase == PhaseHighDesign && len(s.TaskGraph) > 0 && s.allTasksDescribed() {
		s.Phase = PhaseDetailDesign
	}
	if s.Phase == PhaseDetailDesign && s.allTasksAssigned() {
		s.Phase = PhaseTaskAllocation
	}
}

func (s *State) allTasksDescribed() bool {
	for _, t := range s.TaskGraph {
		if t.Description == "" {
			return false
		}
	}
	return true
}

func (s *State) allTasksAssigned() bool {
	for _, t := range s.TaskGraph {
		if t.Assignee == "" {
			return false
		}
	}
	return true
}
