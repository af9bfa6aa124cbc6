package lease

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// AllowList is the configured ceiling for any requested scope. Anything not
// listed here can never appear in a lease.
type AllowList struct {
	Environments []string                         `yaml:"environments"`
	Paths        []string                         `yaml:"paths"`
	Commands     map[string]contracts.CommandRule `yaml:"commands"`
	MaxLimits    contracts.ResourceLimits         `yaml:"max_limits"`
}

// NormalizePath returns the NFC, cleaned, tree-relative form of p.
// Absolute paths and paths escaping the tree are rejected.
func NormalizePath(p string) (string, error) {
	p = norm.NFC.String(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the source tree", p)
	}
	return clean, nil
}

// NormalizeCommand returns the NFC form of a command name.
func NormalizeCommand(c string) string {
	return norm.NFC.String(strings.TrimSpace(c))
}

// NormalizeScope returns a copy of s with NFC-normalized, cleaned, sorted
// paths and normalized command names. Signatures are always computed over
// the normalized form.
func NormalizeScope(s contracts.Scope) (contracts.Scope, error) {
	out := s.Clone()
	out.Environment = norm.NFC.String(strings.TrimSpace(s.Environment))

	out.Paths = make([]string, 0, len(s.Paths))
	for _, p := range s.Paths {
		np, err := NormalizePath(p)
		if err != nil {
			return contracts.Scope{}, err
		}
		if !slices.Contains(out.Paths, np) {
			out.Paths = append(out.Paths, np)
		}
	}
	slices.Sort(out.Paths)

	out.Commands = make(map[string]contracts.CommandRule, len(s.Commands))
	for name, rule := range s.Commands {
		n := NormalizeCommand(name)
		if n == "" {
			return contracts.Scope{}, fmt.Errorf("empty command name")
		}
		var args []string
		for _, a := range rule.Args {
			args = append(args, norm.NFC.String(a))
		}
		out.Commands[n] = contracts.CommandRule{Args: args}
	}
	return out, nil
}

// under reports whether p equals prefix or lies beneath it.
func under(p, prefix string) bool {
	if prefix == "." {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func scopeDenied(format string, args ...any) error {
	return gateerr.New(gateerr.KindAuthorization, gateerr.CodeScopeNotAllowed, format, args...)
}

// Check verifies that a normalized scope stays within the allow-list.
func (a AllowList) Check(s contracts.Scope) error {
	if len(a.Environments) > 0 && s.Environment != "" && !slices.Contains(a.Environments, s.Environment) {
		return scopeDenied("environment %q not allowed", s.Environment)
	}

	for _, p := range s.Paths {
		ok := false
		for _, allowed := range a.Paths {
			ap, err := NormalizePath(allowed)
			if err == nil && under(p, ap) {
				ok = true
				break
			}
		}
		if !ok {
			return scopeDenied("path %q not in allow-list", p)
		}
	}

	for name, rule := range s.Commands {
		allowed, ok := a.Commands[name]
		if !ok {
			return scopeDenied("command %q not in allow-list", name)
		}
		if len(allowed.Args) == 0 {
			continue
		}
		if len(rule.Args) == 0 {
			return scopeDenied("command %q must narrow its argument patterns", name)
		}
		for _, arg := range rule.Args {
			if !slices.Contains(allowed.Args, arg) {
				return scopeDenied("argument pattern %q for %q not in allow-list", arg, name)
			}
		}
	}

	m, l := a.MaxLimits, s.Limits
	if l.Network && !m.Network {
		return scopeDenied("network access not allowed")
	}
	if m.CPUSeconds > 0 && (l.CPUSeconds <= 0 || l.CPUSeconds > m.CPUSeconds) {
		return scopeDenied("cpu limit %.2f outside (0, %.2f]", l.CPUSeconds, m.CPUSeconds)
	}
	if m.MemoryBytes > 0 && (l.MemoryBytes <= 0 || l.MemoryBytes > m.MemoryBytes) {
		return scopeDenied("memory limit %d outside (0, %d]", l.MemoryBytes, m.MemoryBytes)
	}
	if m.DiskBytes > 0 && (l.DiskBytes <= 0 || l.DiskBytes > m.DiskBytes) {
		return scopeDenied("disk limit %d outside (0, %d]", l.DiskBytes, m.DiskBytes)
	}
	if m.WallClockSeconds > 0 && (l.WallClockSeconds <= 0 || l.WallClockSeconds > m.WallClockSeconds) {
		return scopeDenied("wall clock limit %d outside (0, %d]", l.WallClockSeconds, m.WallClockSeconds)
	}
	return nil
}

// CommandAllowed checks argv against the scope's command allow-list. Argument
// patterns use path.Match syntax; a rule with no patterns allows any arguments.
func CommandAllowed(s contracts.Scope, argv []string) error {
	if len(argv) == 0 {
		return gateerr.New(gateerr.KindValidation, gateerr.CodeCommandNotAllowed, "empty command")
	}
	name := NormalizeCommand(argv[0])
	rule, ok := s.Commands[name]
	if !ok {
		return gateerr.New(gateerr.KindAuthorization, gateerr.CodeCommandNotAllowed, "command %q not allowed by lease", name)
	}
	if len(rule.Args) == 0 {
		return nil
	}
	for _, arg := range argv[1:] {
		arg = norm.NFC.String(arg)
		matched := false
		for _, pattern := range rule.Args {
			if ok, _ := path.Match(pattern, arg); ok {
				matched = true
				break
			}
		}
		if !matched {
			return gateerr.New(gateerr.KindAuthorization, gateerr.CodeCommandNotAllowed, "argument %q to %q not allowed by lease", arg, name)
		}
	}
	return nil
}

// PathAllowed checks a tree-relative path against the scope's path allow-list.
func PathAllowed(s contracts.Scope, p string) error {
	np, err := NormalizePath(p)
	if err != nil {
		return gateerr.Wrap(err, gateerr.KindAuthorization, gateerr.CodePathNotAllowed, "path %q rejected", p)
	}
	for _, allowed := range s.Paths {
		if under(np, allowed) {
			return nil
		}
	}
	return gateerr.New(gateerr.KindAuthorization, gateerr.CodePathNotAllowed, "path %q not allowed by lease", np)
}
