package workflow

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/c360studio/signalflow/ai"
	"github.com/c360studio/signalflow/rule"
)

// RuleEvaluator runs rule steps. Implementations resolve the rule,
// pick the pinned or default version, and may enrich the context with
// history and aggregates before evaluating.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, agencyID, ruleID, versionID string, evalCtx *rule.Context) (*rule.Result, error)
}

// Generator produces completions for ai steps.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// ActionExecutor performs action side effects. Implementations wrap
// retryable failures with NewTransientStepError so the engine retries
// them under the step's policy.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, agencyID, actionType string, params map[string]any, vars map[string]any) (map[string]any, error)
}

// Notification is a rendered message ready for delivery.
type Notification struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
}

// Notifier delivers notification step messages.
type Notifier interface {
	Notify(ctx context.Context, agencyID string, n Notification) error
}

// Capabilities holds the side-effect dependencies step execution
// needs. Nil members fail the corresponding step type at run time.
type Capabilities struct {
	Rules    RuleEvaluator
	AI       Generator
	Actions  ActionExecutor
	Notifier Notifier
}

// stepOutcome carries a step's label for connection matching plus the
// variable it writes into the execution context.
type stepOutcome struct {
	Label  string
	VarKey string
	Output any
}

// knownBranchOperators are the predicates branch steps support.
var knownBranchOperators = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"greater_than": true,
	"less_than":    true,
	"exists":       true,
}

// runStep executes one step against the execution context.
func (e *Engine) runStep(ctx context.Context, exec *Execution, step *Step) (stepOutcome, error) {
	switch step.Type {
	case StepSignal:
		// Entry marker; the trigger payload is already in Vars.
		return stepOutcome{}, nil

	case StepRule:
		return e.runRuleStep(ctx, exec, step)

	case StepAI:
		return e.runAIStep(ctx, exec, step)

	case StepAction:
		return e.runActionStep(ctx, exec, step)

	case StepTransform:
		return runTransformStep(exec, step)

	case StepNotification:
		return e.runNotificationStep(ctx, exec, step)

	case StepBranch:
		return runBranchStep(exec, step)

	default:
		return stepOutcome{}, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Engine) runRuleStep(ctx context.Context, exec *Execution, step *Step) (stepOutcome, error) {
	if e.caps.Rules == nil {
		return stepOutcome{}, fmt.Errorf("no rule evaluator configured")
	}

	evalCtx := &rule.Context{
		Signal: signalVars(exec),
		Vars:   exec.Vars,
	}
	result, err := e.caps.Rules.EvaluateRule(ctx, exec.AgencyID, step.Rule.RuleID, step.Rule.VersionID, evalCtx)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("evaluate rule %s: %w", step.Rule.RuleID, err)
	}

	// Fired actions run through the action executor in order.
	for _, action := range result.FiredActions {
		if e.caps.Actions == nil {
			return stepOutcome{}, fmt.Errorf("rule fired action %q but no action executor is configured", action.ActionType)
		}
		if _, err := e.caps.Actions.ExecuteAction(ctx, exec.AgencyID, action.ActionType, action.ActionConfig, exec.Vars); err != nil {
			return stepOutcome{}, fmt.Errorf("execute fired action %q: %w", action.ActionType, err)
		}
	}

	label := WhenUnmatched
	if result.Matched {
		label = WhenMatched
	}
	return stepOutcome{
		Label:  label,
		VarKey: step.ID,
		Output: map[string]any{
			"matched":       result.Matched,
			"actions_fired": len(result.FiredActions),
		},
	}, nil
}

func (e *Engine) runAIStep(ctx context.Context, exec *Execution, step *Step) (stepOutcome, error) {
	if e.caps.AI == nil {
		return stepOutcome{}, fmt.Errorf("no generator configured")
	}

	prompt, err := renderTemplate("prompt", step.AI.Prompt, exec.Vars)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("render prompt: %w", err)
	}

	resp, err := e.caps.AI.Generate(ctx, ai.Request{
		Prompt:    prompt,
		Model:     step.AI.Model,
		MaxTokens: step.AI.MaxTokens,
	})
	if err != nil {
		if ai.IsTransient(err) {
			return stepOutcome{}, NewTransientStepError(step.ID, err)
		}
		return stepOutcome{}, fmt.Errorf("generate: %w", err)
	}

	varKey := step.AI.OutputVar
	if varKey == "" {
		varKey = step.ID
	}
	return stepOutcome{VarKey: varKey, Output: resp.Content}, nil
}

func (e *Engine) runActionStep(ctx context.Context, exec *Execution, step *Step) (stepOutcome, error) {
	if e.caps.Actions == nil {
		return stepOutcome{}, fmt.Errorf("no action executor configured")
	}

	output, err := e.caps.Actions.ExecuteAction(ctx, exec.AgencyID, step.Action.ActionType, step.Action.Params, exec.Vars)
	if err != nil {
		return stepOutcome{}, err
	}
	outcome := stepOutcome{}
	if output != nil {
		outcome.VarKey = step.ID
		outcome.Output = output
	}
	return outcome, nil
}

func runTransformStep(exec *Execution, step *Step) (stepOutcome, error) {
	for _, a := range step.Transform.Assignments {
		if a.FromPath != "" {
			value, ok := lookupPath(exec.Vars, a.FromPath)
			if !ok {
				return stepOutcome{}, fmt.Errorf("transform source path %q not found", a.FromPath)
			}
			exec.Vars[a.Target] = value
			continue
		}
		exec.Vars[a.Target] = a.Value
	}
	return stepOutcome{}, nil
}

func (e *Engine) runNotificationStep(ctx context.Context, exec *Execution, step *Step) (stepOutcome, error) {
	if e.caps.Notifier == nil {
		return stepOutcome{}, fmt.Errorf("no notifier configured")
	}

	cfg := step.Notification
	subject, err := renderTemplate("subject", cfg.Subject, exec.Vars)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := renderTemplate("body", cfg.Body, exec.Vars)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("render body: %w", err)
	}

	n := Notification{
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		Subject:    subject,
		Body:       body,
	}
	if err := e.caps.Notifier.Notify(ctx, exec.AgencyID, n); err != nil {
		return stepOutcome{}, fmt.Errorf("notify via %s: %w", cfg.Channel, err)
	}
	return stepOutcome{
		VarKey: step.ID,
		Output: map[string]any{"channel": cfg.Channel, "delivered": true},
	}, nil
}

func runBranchStep(exec *Execution, step *Step) (stepOutcome, error) {
	cfg := step.Branch
	value, found := lookupPath(exec.Vars, cfg.FieldPath)

	var matched bool
	switch cfg.Operator {
	case "exists":
		matched = found
	case "equals":
		matched = found && branchEqual(value, cfg.Value)
	case "not_equals":
		matched = found && !branchEqual(value, cfg.Value)
	case "greater_than", "less_than":
		if !found {
			break
		}
		vf, vok := branchFloat(value)
		cf, cok := branchFloat(cfg.Value)
		if !vok || !cok {
			return stepOutcome{}, fmt.Errorf("branch operator %s requires numeric values", cfg.Operator)
		}
		if cfg.Operator == "greater_than" {
			matched = vf > cf
		} else {
			matched = vf < cf
		}
	default:
		return stepOutcome{}, fmt.Errorf("unknown branch operator %q", cfg.Operator)
	}

	label := WhenFalse
	if matched {
		label = WhenTrue
	}
	return stepOutcome{
		Label:  label,
		VarKey: step.ID,
		Output: map[string]any{"result": matched},
	}, nil
}

func branchEqual(a, b any) bool {
	if af, ok := branchFloat(a); ok {
		bf, bok := branchFloat(b)
		return bok && af == bf
	}
	return a == b
}

func branchFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// entryAccepts applies a signal step's filter to the trigger.
func entryAccepts(cfg *SignalStepConfig, source string, payload map[string]any) bool {
	if cfg == nil {
		return true
	}
	if cfg.Source != "" && cfg.Source != source {
		return false
	}
	if len(cfg.EventTypes) > 0 {
		eventType, _ := payload["event_type"].(string)
		found := false
		for _, et := range cfg.EventTypes {
			if et == eventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// signalVars returns the trigger payload stored under the "signal"
// key, or an empty map.
func signalVars(exec *Execution) map[string]any {
	if m, ok := exec.Vars["signal"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// renderTemplate renders a text/template over the execution context.
// Missing keys are errors so typos fail loudly instead of sending
// half-rendered output.
func renderTemplate(name, text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// lookupPath resolves a dot-separated path in the execution context.
func lookupPath(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
