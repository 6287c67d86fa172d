package orchestrator

import "fmt"

// ValidatePlan enforces the structural invariants of an execution plan:
// a nonempty subtask list, unique ids, dependencies that reference earlier
// subtasks only (forward references forbidden, which also rules out
// cycles), priorities in [1,10], and recognized specialist ids.
func ValidatePlan(plan *ExecutionPlan, knownSpecialists map[string]bool) error {
	if plan == nil || len(plan.Subtasks) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}

	seen := make(map[string]int, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %d has no id", i)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		seen[st.ID] = i

		if st.Priority < 1 || st.Priority > 10 {
			return fmt.Errorf("subtask %q priority %d out of range [1,10]", st.ID, st.Priority)
		}
		if knownSpecialists != nil && !knownSpecialists[st.SpecialistID] {
			return fmt.Errorf("subtask %q references unknown specialist %q", st.ID, st.SpecialistID)
		}

		for _, dep := range st.Dependencies {
			depIdx, ok := seen[dep]
			if !ok {
				return fmt.Errorf("subtask %q depends on %q which is not an earlier subtask", st.ID, dep)
			}
			if depIdx >= i {
				return fmt.Errorf("subtask %q has a forward dependency on %q", st.ID, dep)
			}
		}
	}
	return nil
}

// dependencyFailed reports whether any dependency of st resolved to a
// failure (or was skipped).
func dependencyFailed(st Subtask, results map[string]SpecialistOutcome) (string, bool) {
	for _, dep := range st.Dependencies {
		if outcome, ok := results[dep]; ok && !outcome.Succeeded() {
			return dep, true
		}
	}
	return "", false
}
