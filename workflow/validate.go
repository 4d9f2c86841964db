package workflow

import "fmt"

// Issue is one validation finding.
type Issue struct {
	Code    string `json:"code"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// ValidationResult separates findings that block activation (Errors)
// from advisory findings (Warnings). Valid is true when Errors is
// empty, warnings notwithstanding.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationResult) addError(code, stepID, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, StepID: stepID, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(code, stepID, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, StepID: stepID, Message: fmt.Sprintf(format, args...)})
}

// branchLabels lists the outcome labels each branching step type may
// put on its outgoing connections.
var branchLabels = map[StepType]map[string]bool{
	StepRule:   {WhenMatched: true, WhenUnmatched: true},
	StepBranch: {WhenTrue: true, WhenFalse: true},
}

// Validate checks the workflow graph. Errors block activation;
// warnings flag reachable-but-suspect shapes a draft may still carry.
func (w *Workflow) Validate() *ValidationResult {
	result := &ValidationResult{}

	if w.Name == "" {
		result.addError("missing_name", "", "workflow name is required")
	}
	if w.AgencyID == "" {
		result.addError("missing_agency", "", "agency_id is required")
	}
	if len(w.Steps) == 0 {
		result.addError("no_steps", "", "workflow has no steps")
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			result.addError("missing_step_id", "", "step %q has no id", s.Name)
			continue
		}
		if seen[s.ID] {
			result.addError("duplicate_step_id", s.ID, "step id %s appears more than once", s.ID)
			continue
		}
		seen[s.ID] = true
		validateStep(s, result)
	}

	if len(w.Steps) > 0 && len(w.EntrySteps()) == 0 {
		result.addError("no_entry_step", "", "workflow has no signal entry step")
	}

	for _, c := range w.Connections {
		if !seen[c.From] {
			result.addError("dangling_connection", c.From, "connection references unknown step %s", c.From)
			continue
		}
		if !seen[c.To] {
			result.addError("dangling_connection", c.To, "connection references unknown step %s", c.To)
			continue
		}
		if c.When != "" {
			from := w.FindStep(c.From)
			labels := branchLabels[from.Type]
			if labels == nil {
				result.addError("invalid_label", c.From, "step type %s cannot label connections with %q", from.Type, c.When)
			} else if !labels[c.When] {
				result.addError("invalid_label", c.From, "label %q is not valid for a %s step", c.When, from.Type)
			}
		}
	}

	// Graph checks only make sense once the step and connection
	// references are sound.
	if len(result.Errors) == 0 {
		if cycleStep := w.findCycle(); cycleStep != "" {
			result.addError("cycle", cycleStep, "workflow graph contains a cycle through step %s", cycleStep)
		}
		w.checkReachability(result)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// validateStep checks one step's type/config pairing.
func validateStep(s *Step, result *ValidationResult) {
	if count := countConfigs(s); count > 1 {
		result.addError("config_mismatch", s.ID, "step %s carries more than one config", s.ID)
		return
	}

	switch s.Type {
	case StepSignal:
		// Signal steps accept everything by default; no config needed.
	case StepRule:
		if s.Rule == nil || s.Rule.RuleID == "" {
			result.addError("missing_config", s.ID, "rule step %s requires a rule_id", s.ID)
		}
	case StepAI:
		// A prompt can be filled in later; an unconfigured ai step is
		// advisory, not activation-blocking.
		if s.AI == nil || s.AI.Prompt == "" {
			result.addWarning("missing_config", s.ID, "ai step %s has no prompt", s.ID)
		}
	case StepAction:
		if s.Action == nil || s.Action.ActionType == "" {
			result.addError("missing_config", s.ID, "action step %s requires an action_type", s.ID)
		}
	case StepTransform:
		if s.Transform == nil || len(s.Transform.Assignments) == 0 {
			result.addError("missing_config", s.ID, "transform step %s requires at least one assignment", s.ID)
		} else {
			for _, a := range s.Transform.Assignments {
				if a.Target == "" {
					result.addError("missing_config", s.ID, "transform step %s has an assignment without a target", s.ID)
					break
				}
			}
		}
	case StepNotification:
		if s.Notification == nil || s.Notification.Channel == "" {
			result.addWarning("missing_config", s.ID, "notification step %s has no channel", s.ID)
		}
	case StepBranch:
		if s.Branch == nil || s.Branch.FieldPath == "" || s.Branch.Operator == "" {
			result.addError("missing_config", s.ID, "branch step %s requires a field_path and operator", s.ID)
		} else if !knownBranchOperators[s.Branch.Operator] {
			result.addError("missing_config", s.ID, "branch step %s has unknown operator %q", s.ID, s.Branch.Operator)
		}
	default:
		result.addError("unknown_step_type", s.ID, "step %s has unknown type %q", s.ID, s.Type)
	}

	if matched := configMatchesType(s); !matched {
		result.addError("config_mismatch", s.ID, "step %s config does not match type %s", s.ID, s.Type)
	}
}

func countConfigs(s *Step) int {
	count := 0
	for _, set := range []bool{
		s.Signal != nil, s.Rule != nil, s.AI != nil, s.Action != nil,
		s.Transform != nil, s.Notification != nil, s.Branch != nil,
	} {
		if set {
			count++
		}
	}
	return count
}

// configMatchesType reports whether any config present belongs to the
// declared type.
func configMatchesType(s *Step) bool {
	if countConfigs(s) == 0 {
		return true // absence is checked per type above
	}
	switch s.Type {
	case StepSignal:
		return s.Signal != nil
	case StepRule:
		return s.Rule != nil
	case StepAI:
		return s.AI != nil
	case StepAction:
		return s.Action != nil
	case StepTransform:
		return s.Transform != nil
	case StepNotification:
		return s.Notification != nil
	case StepBranch:
		return s.Branch != nil
	default:
		return true // unknown type already reported
	}
}

// findCycle returns a step id on a cycle, or "" when the graph is
// acyclic. Standard three-color DFS.
func (w *Workflow) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, c := range w.Outgoing(id) {
			switch color[c.To] {
			case gray:
				return c.To
			case white:
				if found := visit(c.To); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range w.Steps {
		if color[s.ID] == white {
			if found := visit(s.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// checkReachability warns about steps no entry step can reach and
// about branching steps with nowhere to go.
func (w *Workflow) checkReachability(result *ValidationResult) {
	reachable := make(map[string]bool, len(w.Steps))
	var queue []string
	for _, entry := range w.EntrySteps() {
		reachable[entry.ID] = true
		queue = append(queue, entry.ID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range w.Outgoing(id) {
			if !reachable[c.To] {
				reachable[c.To] = true
				queue = append(queue, c.To)
			}
		}
	}

	for _, s := range w.Steps {
		if !reachable[s.ID] {
			result.addWarning("orphan_step", s.ID, "step %s is not reachable from any entry step", s.ID)
			continue
		}
		if branchLabels[s.Type] != nil && len(w.Outgoing(s.ID)) == 0 {
			result.addWarning("no_outgoing", s.ID, "%s step %s has no outgoing connections", s.Type, s.ID)
		}
	}
}
