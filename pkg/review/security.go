package review

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

// Rule is a named pattern matched against added lines.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultSecurityRules flag common dangerous additions.
func DefaultSecurityRules() []Rule {
	return []Rule{
		{Name: "hardcoded-secret", Pattern: regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][^"']{8,}["']`)},
		{Name: "private-key", Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
		{Name: "aws-access-key", Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{Name: "destructive-rm", Pattern: regexp.MustCompile(`rm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+/(\s|$)`)},
		{Name: "pipe-to-shell", Pattern: regexp.MustCompile(`(curl|wget)[^|]*\|\s*(ba|z)?sh`)},
		{Name: "dynamic-eval", Pattern: regexp.MustCompile(`\beval\s*\(`)},
		{Name: "disable-tls-verify", Pattern: regexp.MustCompile(`InsecureSkipVerify:\s*true`)},
	}
}

// SecurityScanner fails proposals whose added lines match a security rule.
type SecurityScanner struct {
	id    string
	rules []Rule
}

// NewSecurityScanner creates a scanner; nil rules means DefaultSecurityRules.
func NewSecurityScanner(id string, rules []Rule) *SecurityScanner {
	if rules == nil {
		rules = DefaultSecurityRules()
	}
	return &SecurityScanner{id: id, rules: rules}
}

func (s *SecurityScanner) ID() string { return s.id }

func (s *SecurityScanner) Review(ctx context.Context, sub Submission) contracts.Verdict {
	findings := ScanPatch(sub.Patch, s.rules)
	if err := ctx.Err(); err != nil {
		return fail(s.id, sub, "scan interrupted", nil)
	}
	if len(findings) == 0 {
		return pass(s.id, sub, fmt.Sprintf("%d rules, no matches", len(s.rules)))
	}
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		names = append(names, fmt.Sprintf("%s:%d %s", f.Path, f.Line, f.Rule))
	}
	return fail(s.id, sub, "security findings: "+strings.Join(names, ", "), findings)
}

// ScanPatch returns one finding per added line matching a rule. Line numbers
// refer to the new file.
func ScanPatch(p *patch.Patch, rules []Rule) []contracts.Finding {
	if p == nil {
		return nil
	}
	var out []contracts.Finding
	for _, f := range p.Files {
		for _, h := range f.Hunks {
			line := h.NewStart
			if h.NewLines == 0 {
				line++
			}
			for _, l := range h.Lines {
				switch l.Op {
				case patch.OpAdd:
					for _, r := range rules {
						if r.Pattern.MatchString(l.Text) {
							out = append(out, contracts.Finding{Path: f.Path(), Line: line, Rule: r.Name})
						}
					}
					line++
				case patch.OpContext:
					line++
				}
			}
		}
	}
	return out
}

// ScanText applies rules to free text, such as captured sandbox output.
func ScanText(text string, rules []Rule) []string {
	var hits []string
	for _, r := range rules {
		if r.Pattern.MatchString(text) {
			hits = append(hits, r.Name)
		}
	}
	return hits
}

// DefaultOutputRules flag credentials leaking into command output.
func DefaultOutputRules() []Rule {
	var out []Rule
	for _, r := range DefaultSecurityRules() {
		switch r.Name {
		case "hardcoded-secret", "private-key", "aws-access-key":
			out = append(out, r)
		}
	}
	return out
}

// OutputScanner is the post-execution hook that flags forbidden content in
// captured sandbox output.
type OutputScanner struct {
	Rules []Rule
}

// NewOutputScanner creates a scanner; nil rules means DefaultOutputRules.
func NewOutputScanner(rules []Rule) *OutputScanner {
	if rules == nil {
		rules = DefaultOutputRules()
	}
	return &OutputScanner{Rules: rules}
}

// ScanOutput reports whether output matched any rule, and which.
func (s *OutputScanner) ScanOutput(_ context.Context, output []byte) (bool, string) {
	hits := ScanText(string(output), s.Rules)
	if len(hits) == 0 {
		return false, ""
	}
	return true, "forbidden output: " + strings.Join(hits, ", ")
}
