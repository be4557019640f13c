package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Violation is one element of the violations set produced by a policy.
type Violation struct {
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares policyContent. The policy must define the set
// data.contract.violations.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.contract.violations"),
		rego.Module("contract.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the violations the policy derives from input, ordered by
// severity and field.
func (e *Engine) Evaluate(ctx context.Context, input any) ([]Violation, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy result: %w", err)
	}
	var violations []Violation
	if err := json.Unmarshal(raw, &violations); err != nil {
		return nil, fmt.Errorf("unexpected policy result: %w", err)
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Severity != violations[j].Severity {
			return violations[i].Severity < violations[j].Severity
		}
		return violations[i].Field < violations[j].Field
	})
	return violations, nil
}

// DefaultPolicy is the default contract policy.
//
// Input: contract, thresholds {critical, secondary}, coverage (field ->
// percent), total and years.
const DefaultPolicy = `
package contract

critical_fields[f] {
	f := ["authors", "title", "year"][_]
}

critical_fields["doi"] {
	input.contract.must_have_doi
}

critical_fields["url"] {
	input.contract.must_have_url
}

violations[v] {
	critical_fields[f]
	cov := input.coverage[f]
	cov < input.thresholds.critical
	v := {
		"field": f,
		"severity": "error",
		"reason": sprintf("%s coverage %v%% is below %v%%", [f, cov, input.thresholds.critical]),
	}
}

violations[v] {
	f := input.contract.required_fields[_]
	not critical_fields[f]
	cov := input.coverage[f]
	cov < input.thresholds.secondary
	v := {
		"field": f,
		"severity": "warning",
		"reason": sprintf("%s coverage %v%% is below %v%%", [f, cov, input.thresholds.secondary]),
	}
}

violations[v] {
	input.total < input.contract.min_articles
	v := {
		"field": "count",
		"severity": "error",
		"reason": sprintf("%d articles, at least %d required", [input.total, input.contract.min_articles]),
	}
}

out_of_range[i] {
	input.contract.year_start > 0
	input.years[i] < input.contract.year_start
}

out_of_range[i] {
	input.contract.year_end > 0
	input.years[i] > input.contract.year_end
}

violations[v] {
	n := count(out_of_range)
	n > 0
	v := {
		"field": "year",
		"severity": "warning",
		"reason": sprintf("%d articles outside the year range", [n]),
	}
}
`
