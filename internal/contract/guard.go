// Package contract validates the records produced by a run against a
// declarative output contract.
package contract

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Carrerajorge/Hola-sub007/policy"
)

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Thresholds in percent.
const (
	CriticalCoverage  = 90.0
	SecondaryCoverage = 70.0
)

// Contract describes what a finished batch must contain.
type Contract struct {
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	MinArticles    int      `yaml:"min_articles" json:"min_articles"`
	YearStart      int      `yaml:"year_start" json:"year_start"`
	YearEnd        int      `yaml:"year_end" json:"year_end"`
	MustHaveDOI    bool     `yaml:"must_have_doi" json:"must_have_doi"`
	MustHaveURL    bool     `yaml:"must_have_url" json:"must_have_url"`
}

// DefaultContract requires the bibliographic core fields and nothing else.
func DefaultContract() Contract {
	return Contract{RequiredFields: []string{"authors", "title", "year", "journal", "abstract"}}
}

// ParseContract decodes a YAML contract. Missing keys keep their defaults.
func ParseContract(data []byte) (Contract, error) {
	c := DefaultContract()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Contract{}, fmt.Errorf("failed to parse contract: %w", err)
	}
	return c, nil
}

// Record is one output record keyed by lower-case field name.
type Record map[string]any

// Violation is a contract rule the batch does not satisfy.
type Violation struct {
	Field    string `json:"field"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Result is the outcome of ValidateBatch.
type Result struct {
	Valid      bool               `json:"valid"`
	Total      int                `json:"total"`
	Coverage   map[string]float64 `json:"coverage"`
	Violations []Violation        `json:"violations"`
}

// Errors returns the error-severity violations.
func (r Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Reporter receives violations. *tracebus.Bus implements it.
type Reporter interface {
	ContractViolation(field, reason, severity string) error
}

// Guard checks batches against one contract.
type Guard struct {
	contract Contract
	engine   *policy.Engine
	reporter Reporter

	mu   sync.Mutex
	last *Result
}

// NewGuard creates a guard. reporter may be nil.
func NewGuard(c Contract, engine *policy.Engine, reporter Reporter) *Guard {
	return &Guard{contract: c, engine: engine, reporter: reporter}
}

// Contract returns the contract of the guard.
func (g *Guard) Contract() Contract { return g.contract }

type evalInput struct {
	Contract   Contract           `json:"contract"`
	Thresholds map[string]float64 `json:"thresholds"`
	Coverage   map[string]float64 `json:"coverage"`
	Total      int                `json:"total"`
	Years      []int              `json:"years"`
}

// ValidateBatch computes per-field coverage of records and evaluates the
// contract rules. Error violations are reported as they are found.
func (g *Guard) ValidateBatch(ctx context.Context, records []Record) (Result, error) {
	in := evalInput{
		Contract:   g.contract,
		Thresholds: map[string]float64{"critical": CriticalCoverage, "secondary": SecondaryCoverage},
		Coverage:   Coverage(records, g.fields()),
		Total:      len(records),
		Years:      years(records),
	}
	in.Contract.RequiredFields = make([]string, 0, len(g.contract.RequiredFields))
	for _, f := range g.contract.RequiredFields {
		in.Contract.RequiredFields = append(in.Contract.RequiredFields, strings.ToLower(f))
	}

	found, err := g.engine.Evaluate(ctx, in)
	if err != nil {
		return Result{}, err
	}
	res := Result{Valid: true, Total: len(records), Coverage: in.Coverage, Violations: make([]Violation, 0, len(found))}
	for _, v := range found {
		res.Violations = append(res.Violations, Violation(v))
		if v.Severity == SeverityError {
			res.Valid = false
		}
	}

	g.mu.Lock()
	g.last = &res
	g.mu.Unlock()

	if g.reporter != nil {
		for _, v := range res.Errors() {
			if err := g.reporter.ContractViolation(v.Field, v.Reason, v.Severity); err != nil {
				return res, fmt.Errorf("failed to report violation: %w", err)
			}
		}
	}
	return res, nil
}

// CanComplete reports whether the last validated batch had no error
// violation. It is false before any batch was validated.
func (g *Guard) CanComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last != nil && g.last.Valid
}

// LastResult returns the result of the last ValidateBatch call.
func (g *Guard) LastResult() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return Result{}, false
	}
	return *g.last, true
}

// fields returns the critical fields plus the required ones.
func (g *Guard) fields() []string {
	fields := []string{"authors", "title", "year"}
	if g.contract.MustHaveDOI {
		fields = append(fields, "doi")
	}
	if g.contract.MustHaveURL {
		fields = append(fields, "url")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		seen[f] = true
	}
	for _, f := range g.contract.RequiredFields {
		f = strings.ToLower(f)
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	return fields
}

// Coverage returns, per field, the percentage of records with a non-empty
// value, rounded to one decimal. An empty batch has zero coverage.
func Coverage(records []Record, fields []string) map[string]float64 {
	out := make(map[string]float64, len(fields))
	for _, f := range fields {
		if len(records) == 0 {
			out[f] = 0
			continue
		}
		n := 0
		for _, r := range records {
			if present(r[f]) {
				n++
			}
		}
		out[f] = math.Round(float64(n)/float64(len(records))*1000) / 10
	}
	return out
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func years(records []Record) []int {
	out := make([]int, 0, len(records))
	for _, r := range records {
		switch y := r["year"].(type) {
		case int:
			out = append(out, y)
		case float64:
			out = append(out, int(y))
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(y)); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}
