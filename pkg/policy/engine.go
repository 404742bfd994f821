package policy

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jotter/pkg/model"
	"github.com/m-mizutani/jotter/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// regoPrintHook forwards Rego print() statements to the logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Engine evaluates attention rules against session snapshots. Policies are
// Rego modules that add objects to the set data.attention.warnings:
//
//	package attention
//
//	warnings contains {"message": "too many open actions", "count": input.open_actions} if {
//		input.open_actions > 10
//	}
type Engine struct {
	query *rego.PreparedEvalQuery
}

// New loads every *.rego file in policyDir. An empty or missing directory
// yields an engine that never adds warnings.
func New(ctx context.Context, policyDir string) (*Engine, error) {
	if policyDir == "" {
		return &Engine{}, nil
	}
	query, err := loadPolicy(ctx, policyDir)
	if err != nil {
		return nil, err
	}
	return &Engine{query: query}, nil
}

// Enabled reports whether any policy was loaded
func (e *Engine) Enabled() bool {
	return e.query != nil
}

// Evaluate returns the warnings the policies raise for snapshot
func (e *Engine) Evaluate(ctx context.Context, snapshot model.SessionSnapshot) ([]model.AttentionWarning, error) {
	if e.query == nil {
		return nil, nil
	}

	input, err := toInput(snapshot)
	if err != nil {
		return nil, err
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate attention policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	items, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, goerr.New("attention warnings must be a set or array",
			goerr.V("value", rs[0].Expressions[0].Value))
	}

	warnings := make([]model.AttentionWarning, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to marshal policy result")
		}
		var w model.AttentionWarning
		if err := json.Unmarshal(raw, &w); err != nil {
			logging.From(ctx).Warn("ignoring malformed policy warning", "value", string(raw), "error", err)
			continue
		}
		if w.Message == "" {
			continue
		}
		if w.Kind == "" {
			w.Kind = model.WarningPolicy
		}
		warnings = append(warnings, w)
	}

	// set iteration order is not part of the result
	sort.SliceStable(warnings, func(i, j int) bool {
		return warnings[i].Message < warnings[j].Message
	})
	return warnings, nil
}

// toInput exposes the snapshot to Rego with its JSON field names
func toInput(snapshot model.SessionSnapshot) (map[string]any, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal session snapshot")
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal session snapshot")
	}
	return input, nil
}
