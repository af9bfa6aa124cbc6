package review

import (
	"context"
	"path"
	"strings"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/patch"
)

// ValidationChecker applies test and rollback heuristics:
// code changes must come with test changes, test files may not be deleted,
// and the reverse patch must exactly invert the forward patch.
type ValidationChecker struct {
	id string
}

func NewValidationChecker(id string) *ValidationChecker {
	return &ValidationChecker{id: id}
}

func (v *ValidationChecker) ID() string { return v.id }

func (v *ValidationChecker) Review(ctx context.Context, sub Submission) contracts.Verdict {
	if sub.Patch == nil {
		return fail(v.id, sub, "no parsed patch", nil)
	}

	var findings []contracts.Finding
	codeTouched, testTouched := false, false
	for _, f := range sub.Patch.Files {
		p := f.Path()
		switch {
		case isTestFile(p):
			testTouched = true
			if f.NewPath == patch.DevNull {
				findings = append(findings, contracts.Finding{Path: p, Rule: "test-deleted"})
			}
		case isCodeFile(p):
			codeTouched = true
		}
	}
	if codeTouched && !testTouched {
		for _, f := range sub.Patch.Files {
			if isCodeFile(f.Path()) {
				findings = append(findings, contracts.Finding{Path: f.Path(), Rule: "untested-change"})
			}
		}
	}

	if sub.Reverse == nil || sub.Reverse.Reverse().Digest() != sub.Patch.Digest() {
		findings = append(findings, contracts.Finding{Rule: "reverse-mismatch"})
	}

	if ctx.Err() != nil {
		return fail(v.id, sub, "validation interrupted", nil)
	}
	if len(findings) > 0 {
		rules := make([]string, 0, len(findings))
		for _, f := range findings {
			rules = append(rules, f.Rule)
		}
		return fail(v.id, sub, "validation failed: "+strings.Join(rules, ", "), findings)
	}
	return pass(v.id, sub, "tests accompany code and reverse patch inverts forward patch")
}

var codeExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".java": true, ".rb": true, ".c": true, ".cc": true, ".sh": true,
}

func isCodeFile(p string) bool {
	return codeExt[path.Ext(p)]
}

func isTestFile(p string) bool {
	base := path.Base(p)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return strings.HasSuffix(stem, "_test") ||
		strings.HasPrefix(stem, "test_") ||
		strings.HasSuffix(stem, ".test") ||
		strings.HasSuffix(stem, ".spec") ||
		strings.Contains("/"+p, "/tests/")
}
