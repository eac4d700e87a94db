package security

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one blocked-code pattern. Pattern is a Go regular expression
// matched against the raw script text.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`

	pattern *regexp.Regexp
}

// Compile validates and compiles the rule's pattern.
func (r *Rule) Compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern for rule %q: %w", r.Name, err)
	}
	r.pattern = re
	return nil
}

// DefaultRules returns the built-in denylist. The categories cover
// dynamic module loading, process and host-object access, dynamic code
// evaluation, prototype tampering, and direct filesystem or network
// primitives.
func DefaultRules() []Rule {
	rules := []Rule{
		{
			Name:    "dynamic-require",
			Pattern: `\brequire\s*\(`,
			Message: "dynamic module loading (require) is not allowed",
		},
		{
			Name:    "dynamic-import",
			Pattern: `\bimport\s*\(`,
			Message: "dynamic module loading (import) is not allowed",
		},
		{
			Name:    "process-access",
			Pattern: `\bprocess\s*[.\[]`,
			Message: "access to the process object is not allowed",
		},
		{
			Name:    "global-access",
			Pattern: `\b(globalThis|global)\s*[.\[]`,
			Message: "access to the global object is not allowed",
		},
		{
			Name:    "child-process",
			Pattern: `child_process`,
			Message: "child process access is not allowed",
		},
		{
			Name:    "eval",
			Pattern: `\beval\s*\(`,
			Message: "dynamic code evaluation (eval) is not allowed",
		},
		{
			Name:    "function-constructor",
			Pattern: `\bnew\s+Function\b|\bFunction\s*\(`,
			Message: "dynamic code evaluation (Function constructor) is not allowed",
		},
		{
			Name:    "proto-tampering",
			Pattern: `__proto__|\bObject\.setPrototypeOf\b|\.prototype\s*\[`,
			Message: "prototype tampering is not allowed",
		},
		{
			Name:    "filesystem",
			Pattern: `\b(fs|path)\s*\.\s*\w+\s*\(|\breadFileSync\b|\bwriteFileSync\b`,
			Message: "filesystem access is not allowed",
		},
		{
			Name:    "network",
			Pattern: `\bfetch\s*\(|\bXMLHttpRequest\b|\b(net|http|https|dgram)\s*\.\s*\w+\s*\(`,
			Message: "network access is not allowed",
		},
	}
	for i := range rules {
		// Built-in patterns are constants; a compile failure is a
		// programming error.
		if err := rules[i].Compile(); err != nil {
			panic(err)
		}
	}
	return rules
}

// rulesFile is the YAML shape of an external rules file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads additional blocked patterns from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	for i := range f.Rules {
		if err := f.Rules[i].Compile(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}
