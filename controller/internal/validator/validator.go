// Package validator checks commands and their parameters before anything
// is sent to the backend. Only whitelisted commands pass, every parameter
// is shape-checked and normalized, and unknown parameters are dropped.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/policy"
)

// Validator applies the command policy and per-command parameter rules.
type Validator struct {
	engine *policy.Engine
}

// New creates a Validator backed by engine.
func New(engine *policy.Engine) *Validator {
	return &Validator{engine: engine}
}

// Validate returns a cleaned copy of raw for command, or a
// *domain.ValidationError.
func (v *Validator) Validate(ctx context.Context, command domain.Command, raw map[string]any) (domain.Params, error) {
	decision, err := v.engine.Evaluate(ctx, map[string]any{
		"command": string(command),
		"params":  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate command policy: %w", err)
	}
	if !decision.Allowed() {
		reason := decision.Reason
		if reason == "" {
			reason = "command is not allowed"
		}
		return nil, &domain.ValidationError{Command: string(command), Reason: reason}
	}

	fields, ok := rules[command]
	if !ok {
		return nil, &domain.ValidationError{Command: string(command), Reason: "no parameter rules for command"}
	}

	out := make(domain.Params, len(fields))
	for _, f := range fields {
		value, present := raw[f.name]
		if !present || value == nil {
			if f.required {
				return nil, &domain.ValidationError{Command: string(command), Field: f.name, Reason: "is required"}
			}
			continue
		}
		clean, reason := f.check(value)
		if reason != "" {
			return nil, &domain.ValidationError{Command: string(command), Field: f.name, Reason: reason}
		}
		out[f.name] = clean
	}
	return out, nil
}

func (f field) check(value any) (any, string) {
	switch f.kind {
	case kindText:
		s, ok := value.(string)
		if !ok {
			return nil, "must be a string"
		}
		return sanitizeText(s, int(f.max)), ""

	case kindNumber, kindInt:
		n, ok := toNumber(value)
		if !ok {
			return nil, fmt.Sprintf("must be a %s", f.kind)
		}
		if f.kind == kindInt && n != math.Trunc(n) {
			return nil, "must be a whole number"
		}
		if n < f.min || n > f.max {
			return nil, fmt.Sprintf("must be between %g and %g", f.min, f.max)
		}
		if f.kind == kindInt {
			return int(n), ""
		}
		return n, ""

	case kindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, "must be true or false"
		}
		return b, ""

	case kindSessionID:
		s, ok := value.(string)
		if !ok || !sessionIDPattern.MatchString(s) {
			return nil, "must be 1-64 letters, digits, '_' or '-'"
		}
		return s, ""

	case kindColor:
		s, ok := value.(string)
		if !ok || !colorPattern.MatchString(s) {
			return nil, "must be a hex color like #FF0000"
		}
		return s, ""
	}
	return nil, "unsupported parameter"
}

// sanitizeText strips markup-like substrings and stray angle brackets,
// trims, and caps the result at max runes.
func sanitizeText(s string, max int) string {
	s = markupPattern.ReplaceAllString(s, "")
	s = strings.TrimSpace(strings.ReplaceAll(s, ">", ""))
	if r := []rune(s); len(r) > max {
		s = string(r[:max])
	}
	return s
}

func toNumber(value any) (float64, bool) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case int32:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
