package deploy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
)

// Health metric names used in violations and rollback summaries.
const (
	MetricErrorRate    = "error_rate"
	MetricLatencyDelta = "latency_delta_ms"
	MetricQuality      = "quality_score"
	MetricRule         = "rule"
)

// HealthPolicy bounds a health sample. A zero bound is not enforced. Rule is
// an optional CEL expression over error_rate, latency_delta_ms,
// quality_score and samples that must evaluate to true.
type HealthPolicy struct {
	MaxErrorRate      float64 `yaml:"max_error_rate"`
	MaxLatencyDeltaMs float64 `yaml:"max_latency_delta_ms"`
	MinQualityScore   float64 `yaml:"min_quality_score"`
	Rule              string  `yaml:"rule,omitempty"`
}

// Violation is the first bound a sample broke.
type Violation struct {
	Metric    string
	Value     float64
	Threshold float64
	Detail    string
}

// HealthGate is a compiled HealthPolicy.
type HealthGate struct {
	policy HealthPolicy
	rule   cel.Program
}

// Compile validates the policy and compiles its rule.
func (p HealthPolicy) Compile() (*HealthGate, error) {
	g := &HealthGate{policy: p}
	if p.Rule == "" {
		return g, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("error_rate", cel.DoubleType),
		cel.Variable("latency_delta_ms", cel.DoubleType),
		cel.Variable("quality_score", cel.DoubleType),
		cel.Variable("samples", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("health rule environment: %w", err)
	}
	ast, issues := env.Compile(p.Rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile health rule: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("health rule must be boolean, got %s", ast.OutputType())
	}
	g.rule, err = env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("health rule program: %w", err)
	}
	return g, nil
}

// MustCompile is Compile for policies known to be valid.
func (p HealthPolicy) MustCompile() *HealthGate {
	g, err := p.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

// Policy returns the source policy.
func (g *HealthGate) Policy() HealthPolicy { return g.policy }

// Check returns the first violated bound, or nil when s is healthy. A rule
// that fails to evaluate counts as a violation.
func (g *HealthGate) Check(s contracts.HealthSnapshot) *Violation {
	p := g.policy
	switch {
	case p.MaxErrorRate > 0 && s.ErrorRate > p.MaxErrorRate:
		return &Violation{Metric: MetricErrorRate, Value: s.ErrorRate, Threshold: p.MaxErrorRate}
	case p.MaxLatencyDeltaMs > 0 && s.LatencyDeltaMs > p.MaxLatencyDeltaMs:
		return &Violation{Metric: MetricLatencyDelta, Value: s.LatencyDeltaMs, Threshold: p.MaxLatencyDeltaMs}
	case p.MinQualityScore > 0 && s.QualityScore < p.MinQualityScore:
		return &Violation{Metric: MetricQuality, Value: s.QualityScore, Threshold: p.MinQualityScore}
	}
	if g.rule == nil {
		return nil
	}
	out, _, err := g.rule.Eval(map[string]any{
		"error_rate":       s.ErrorRate,
		"latency_delta_ms": s.LatencyDeltaMs,
		"quality_score":    s.QualityScore,
		"samples":          int64(s.Samples),
	})
	if err != nil {
		return &Violation{Metric: MetricRule, Detail: "rule evaluation failed: " + err.Error()}
	}
	if ok, _ := out.Value().(bool); !ok {
		return &Violation{Metric: MetricRule, Detail: "rule not satisfied: " + p.Rule}
	}
	return nil
}
