// Package policy decides which commands may be forwarded to the backend.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Decision is the outcome of evaluating a command against the policy.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the command may be forwarded.
func (d Decision) Allowed() bool { return d.Decision == DecisionAllow }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent. The module must define
// data.command_policy.result as either a decision string or an object
// with "decision" and "reason".
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.command_policy.result"),
		rego.Module("command_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine prepares DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate checks input, a map with keys command and params. A policy that
// produces no result blocks.
func (e *Engine) Evaluate(ctx context.Context, input any) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionBlock, Reason: "no policy decision"}, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Decision: v}, nil
	case map[string]any:
		d := Decision{}
		d.Decision, _ = v["decision"].(string)
		d.Reason, _ = v["reason"].(string)
		if d.Decision == "" {
			d.Decision = DecisionBlock
		}
		return d, nil
	default:
		return Decision{Decision: DecisionBlock, Reason: fmt.Sprintf("unexpected policy result %T", v)}, nil
	}
}

// DefaultPolicy whitelists the commands the backend understands.
const DefaultPolicy = `
package command_policy

allowed_commands = {
	"START_RECORDING",
	"STOP_RECORDING",
	"PAUSE_RECORDING",
	"RESUME_RECORDING",
	"GET_STATUS",
	"GET_CONNECTION_STATUS",
	"GET_RECENT_RECORDINGS",
	"START_PLAYBACK",
	"PING",
}

default decision = "block"

decision = "allow" {
	allowed_commands[input.command]
}

default reason = "command is not whitelisted"

reason = "" {
	decision == "allow"
}

result = {"decision": decision, "reason": reason}
`
