package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/namel3ss/n3flow/expr"
)

// Transient context markers checked by the scheduler after every node.
const (
	markerRedirect = "__redirect_flow__"
	markerAwaiting = "__awaiting_input__"
)

type (
	// FlowState is the mutable state threaded through one flow run.
	// Parallel branches receive independent clones that are merged
	// deterministically at the join.
	FlowState struct {
		// Data holds arbitrary keys plus step outputs nested under "step".
		Data map[string]any
		// State holds the `state.*` fields mutated by set statements.
		State map[string]any
		// Context carries run identity and transient markers.
		Context map[string]any
		// Env is the variable environment of the current scope.
		Env *expr.Env

		Errors      []FlowError
		Inputs      []InputRequest
		Logs        []LogEntry
		Notes       []string
		Checkpoints []string
		Steps       []StepResult
	}

	// FlowError records one step failure and whether a boundary handled it.
	FlowError struct {
		NodeID  string
		Message string
		Handled bool
	}

	// StepResult records one executed step.
	StepResult struct {
		Name     string
		Status   string
		Duration time.Duration
		Output   any
	}

	// InputRequest describes a pending `ask`/`form` awaiting user input.
	InputRequest struct {
		Name   string
		Label  string
		Fields []InputField
	}

	// InputField is one collected field of a form request.
	InputField struct {
		Label string
		Name  string
	}

	// LogEntry is one `log` statement emission.
	LogEntry struct {
		Level   string
		Message string
		Meta    any
		At      time.Time
	}
)

// Step status values recorded in StepResult.
const (
	StatusSuccess        = "success"
	StatusSkipped        = "skipped"
	StatusTimeout        = "timeout"
	StatusCircuitOpen    = "circuit_open"
	StatusErrorHandled   = "error_handled"
	StatusErrorUnhandled = "error_unhandled"
)

// NewFlowState builds an empty state.
func NewFlowState() *FlowState {
	return &FlowState{
		Data:    map[string]any{"step": map[string]any{}},
		State:   make(map[string]any),
		Context: make(map[string]any),
		Env:     expr.NewEnv(),
	}
}

// Clone produces an independent copy for a parallel branch. Data, State and
// the environment are deep-copied; accumulated sequences start from the
// parent's contents.
func (s *FlowState) Clone() *FlowState {
	out := &FlowState{
		Data:        make(map[string]any, len(s.Data)),
		State:       make(map[string]any, len(s.State)),
		Context:     make(map[string]any, len(s.Context)),
		Env:         s.Env.Clone(),
		Errors:      append([]FlowError(nil), s.Errors...),
		Inputs:      append([]InputRequest(nil), s.Inputs...),
		Logs:        append([]LogEntry(nil), s.Logs...),
		Notes:       append([]string(nil), s.Notes...),
		Checkpoints: append([]string(nil), s.Checkpoints...),
		Steps:       append([]StepResult(nil), s.Steps...),
	}
	for k, v := range s.Data {
		out.Data[k] = expr.DeepCopy(v)
	}
	for k, v := range s.State {
		out.State[k] = expr.DeepCopy(v)
	}
	for k, v := range s.Context {
		out.Context[k] = v
	}
	return out
}

// SetStepOutput records a step's output under step.<name>.output.
func (s *FlowState) SetStepOutput(name string, output any) {
	steps, _ := s.Data["step"].(map[string]any)
	if steps == nil {
		steps = make(map[string]any)
		s.Data["step"] = steps
	}
	steps[name] = map[string]any{"output": output}
}

// StepOutput returns the recorded output of a step alias.
func (s *FlowState) StepOutput(name string) (any, bool) {
	steps, _ := s.Data["step"].(map[string]any)
	entry, ok := steps[name].(map[string]any)
	if !ok {
		return nil, false
	}
	return entry["output"], true
}

// Redirect marks the run for a handoff to another flow.
func (s *FlowState) Redirect(flow string) {
	s.Context[markerRedirect] = flow
}

// RedirectTarget returns the pending redirect, if any.
func (s *FlowState) RedirectTarget() (string, bool) {
	flow, ok := s.Context[markerRedirect].(string)
	return flow, ok && flow != ""
}

// Awaiting reports whether the run is suspended on user input.
func (s *FlowState) Awaiting() bool {
	waiting, _ := s.Context[markerAwaiting].(bool)
	return waiting
}

// mergeBranches overlays branch clones onto the parent state in branch
// order, so collisions resolve deterministically (highest branch wins).
// Non-namespaced data keys are re-keyed with the branch id; step outputs and
// other dotted keys merge in place.
func mergeBranches(parent *FlowState, branches []*FlowState) {
	parentSteps, _ := parent.Data["step"].(map[string]any)
	baseErrors := len(parent.Errors)
	baseSteps := len(parent.Steps)
	baseLogs := len(parent.Logs)
	baseNotes := len(parent.Notes)
	baseChecks := len(parent.Checkpoints)
	for i, branch := range branches {
		branchID := fmt.Sprintf("branch_%d", i+1)

		for _, key := range sortedDataKeys(branch.Data) {
			value := branch.Data[key]
			if key == "step" {
				if outputs, ok := value.(map[string]any); ok {
					for alias, entry := range outputs {
						parentSteps[alias] = entry
					}
				}
				continue
			}
			if changed(parent.Data[key], value) {
				if strings.Contains(key, ".") {
					parent.Data[key] = value
				} else {
					parent.Data[branchID+"."+key] = value
				}
			}
		}
		for _, key := range sortedDataKeys(branch.State) {
			if changed(parent.State[key], branch.State[key]) {
				parent.State[key] = branch.State[key]
			}
		}
		for name, value := range branch.Env.Diff(parent.Env) {
			if parent.Env.Has(name) {
				parent.Env.Assign(name, value)
			} else {
				parent.Env.Declare(name, value, false)
			}
		}

		if len(branch.Errors) > baseErrors {
			parent.Errors = append(parent.Errors, branch.Errors[baseErrors:]...)
		}
		if len(branch.Steps) > baseSteps {
			parent.Steps = append(parent.Steps, branch.Steps[baseSteps:]...)
		}
		if len(branch.Logs) > baseLogs {
			parent.Logs = append(parent.Logs, branch.Logs[baseLogs:]...)
		}
		if len(branch.Notes) > baseNotes {
			parent.Notes = append(parent.Notes, branch.Notes[baseNotes:]...)
		}
		if len(branch.Checkpoints) > baseChecks {
			parent.Checkpoints = append(parent.Checkpoints, branch.Checkpoints[baseChecks:]...)
		}
	}
}

func changed(old, new any) bool {
	if old == nil {
		return new != nil
	}
	return !expr.Equal(old, new)
}

func sortedDataKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
