// Package consent is the retrieval privacy gate: rule-based memory
// governance loaded from a YAML document, backed by explicit consent
// rows in the store. The fts and embedding search paths filter their
// results through it before trimming to the caller's limit.
package consent

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"bartholomew/internal/fts"
	"bartholomew/internal/logging"
	"bartholomew/internal/store"
)

// Rule categories in priority order, highest first. The first matching
// category wins.
var priority = []string{"never_store", "ask_before_store", "always_keep", "auto_expire", "context_only"}

// Rule is one governance rule. Match fields are conjunctive: every
// present field must match.
type Rule struct {
	Match struct {
		Kind    string `yaml:"kind"`
		Key     string `yaml:"key"`
		Content string `yaml:"content"` // regex over value+summary
	} `yaml:"match"`
	Metadata map[string]interface{} `yaml:"metadata"`

	contentRE *regexp.Regexp
	disabled  bool
}

func (r *Rule) matches(kind, key, content string) bool {
	if r.disabled {
		return false
	}
	if r.Match.Kind != "" && r.Match.Kind != kind {
		return false
	}
	if r.Match.Key != "" && r.Match.Key != key {
		return false
	}
	if r.contentRE != nil && !r.contentRE.MatchString(content) {
		return false
	}
	return true
}

// rulesDoc is the memory_rules.yaml shape: one list of rules per
// category key.
type rulesDoc map[string][]*Rule

// Policy is the evaluation outcome for one memory.
type Policy struct {
	Include      bool
	ContextOnly  bool
	RecallPolicy string
	PrivacyClass string
}

// Consents is the narrow store surface the gate reads. *store.Store
// satisfies it.
type Consents interface {
	HasConsent(memoryID int64) (bool, error)
}

// Gate evaluates rules against memories and filters search results.
type Gate struct {
	consents Consents
	rules    rulesDoc
}

// NewGate loads rules from the YAML file at path. A missing or empty
// path yields a permissive gate with no rules. Invalid regexes disable
// their rule rather than failing the load.
func NewGate(consents Consents, rulesPath string) (*Gate, error) {
	g := &Gate{consents: consents, rules: rulesDoc{}}
	if rulesPath == "" {
		return g, nil
	}

	data, err := os.ReadFile(rulesPath)
	if err != nil {
		if os.IsNotExist(err) {
			logging.ConsentDebug("No consent rules at %s, gate is permissive", rulesPath)
			return g, nil
		}
		return nil, fmt.Errorf("failed to read consent rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &g.rules); err != nil {
		return nil, fmt.Errorf("failed to parse consent rules: %w", err)
	}

	for category, rules := range g.rules {
		for _, r := range rules {
			if r.Match.Content == "" {
				continue
			}
			re, err := regexp.Compile(r.Match.Content)
			if err != nil {
				logging.ConsentWarn("Invalid content regex in %s rule, rule disabled: %v", category, err)
				r.disabled = true
				continue
			}
			r.contentRE = re
		}
	}
	logging.Consent("Loaded consent rules from %s", rulesPath)
	return g, nil
}

// Evaluate resolves the policy for one memory. never_store always
// excludes; ask_before_store excludes unless an explicit consent row
// exists; context_only includes but flags the result.
func (g *Gate) Evaluate(memoryID int64, kind, key, content string) (Policy, error) {
	for _, category := range priority {
		matched := false
		var meta map[string]interface{}
		for _, r := range g.rules[category] {
			if r.matches(kind, key, content) {
				matched = true
				meta = r.Metadata
				break
			}
		}
		if !matched {
			continue
		}

		p := Policy{Include: true, RecallPolicy: category}
		if pc, ok := meta["privacy_class"].(string); ok {
			p.PrivacyClass = pc
		}
		switch category {
		case "never_store":
			p.Include = false
		case "ask_before_store":
			granted, err := g.consents.HasConsent(memoryID)
			if err != nil {
				return Policy{}, err
			}
			p.Include = granted
		case "context_only":
			p.ContextOnly = true
		}
		return p, nil
	}
	return Policy{Include: true}, nil
}

// FilterResults applies the policy to fts results preserving order,
// satisfying the fts.ConsentGate plug-in contract.
func (g *Gate) FilterResults(ctx context.Context, results []fts.Result) ([]fts.Result, error) {
	if len(results) == 0 {
		return nil, nil
	}

	filtered := make([]fts.Result, 0, len(results))
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := g.Evaluate(r.ID, r.Kind, r.Key, r.Value+" "+r.Summary)
		if err != nil {
			return nil, err
		}
		if !p.Include {
			continue
		}
		r.ContextOnly = p.ContextOnly
		r.RecallPolicy = p.RecallPolicy
		filtered = append(filtered, r)
	}
	logging.ConsentDebug("Consent gate: %d -> %d results", len(results), len(filtered))
	return filtered, nil
}

var _ fts.ConsentGate = (*Gate)(nil)
var _ Consents = (*store.Store)(nil)
