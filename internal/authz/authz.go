// Package authz implements the authorization policy: an immutable snapshot
// mapping (user, topic, role) to a set of entitlements, reloadable in its
// entirety on SIGHUP. Rules are loaded from YAML, matching spec.md §6's
// "format is implementation-chosen" clause for the authorization file.
package authz

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Role is the lookup axis distinguishing a publish-side entitlement check
// from a subscribe-side one.
type Role string

const (
	Publisher  Role = "publisher"
	Subscriber Role = "subscriber"
)

// Rule is one record of the authorization file: User matches exactly or via
// literal "*" for "any"; TopicPattern matches exactly or via a trailing "*"
// prefix wildcard (or literal "*" for "any"); Role must match exactly.
type Rule struct {
	User         string  `yaml:"user"`
	TopicPattern string  `yaml:"topic_pattern"`
	Role         Role    `yaml:"role"`
	Entitlements []int32 `yaml:"entitlements"`
}

func (r Rule) matches(user, topic string, role Role) bool {
	if r.Role != role {
		return false
	}
	if r.User != "*" && r.User != user {
		return false
	}
	return matchPattern(r.TopicPattern, topic)
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return false
}

// Policy is an immutable snapshot of the rule set. Replace the snapshot
// wholesale (via Store.Reset) rather than mutating a Policy in place.
type Policy struct {
	rules []Rule
}

// NewPolicy builds a Policy from an explicit rule slice, primarily for tests
// and for merging file + inline CLI rules.
func NewPolicy(rules []Rule) *Policy {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Policy{rules: cp}
}

// Entitlements returns the union of every matching rule's entitlement set.
// An empty (nil) result means "no entitlement rule applies"; the hub
// interprets that per spec.md §4.1 (unrestricted publish, denied subscribe).
func (p *Policy) Entitlements(user, topic string, role Role) map[int32]struct{} {
	if p == nil {
		return nil
	}
	var out map[int32]struct{}
	for _, r := range p.rules {
		if !r.matches(user, topic, role) {
			continue
		}
		if out == nil {
			out = make(map[int32]struct{})
		}
		for _, e := range r.Entitlements {
			out[e] = struct{}{}
		}
	}
	return out
}

// document is the on-disk YAML shape: a top-level "rules:" key holding the
// list of rules.
type document struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile parses an authorization YAML file into a rule slice.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authz: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("authz: parse %s: %w", path, err)
	}
	return doc.Rules, nil
}

// ParseInline parses the --authorizations CLI flag value. It accepts the
// file's grammar (a document with a top-level "rules:" key) and also a bare
// list of rule records.
func ParseInline(spec string) ([]Rule, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var doc document
	if err := yaml.Unmarshal([]byte(spec), &doc); err == nil && len(doc.Rules) > 0 {
		return doc.Rules, nil
	}
	var rules []Rule
	if err := yaml.Unmarshal([]byte(spec), &rules); err != nil {
		return nil, fmt.Errorf("authz: parse inline spec: %w", err)
	}
	return rules, nil
}

// Load reads the authorization file (if filePath is non-empty) and merges
// the inline spec's rules after it (appended, not overriding), matching
// spec.md §6: "Inline specs on the CLI are merged with the file."
func Load(filePath, inlineSpec string) (*Policy, error) {
	var rules []Rule
	if filePath != "" {
		fileRules, err := LoadFile(filePath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	inlineRules, err := ParseInline(inlineSpec)
	if err != nil {
		return nil, err
	}
	rules = append(rules, inlineRules...)
	return NewPolicy(rules), nil
}

// Store holds the current policy snapshot behind an atomic pointer swap, so
// the hub's OnReset handler can replace it without locking readers out.
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a Store seeded with an initial (possibly empty) policy.
func NewStore(initial *Policy) *Store {
	s := &Store{}
	if initial == nil {
		initial = NewPolicy(nil)
	}
	s.current.Store(initial)
	return s
}

// Current returns the live policy snapshot.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reset atomically replaces the live snapshot; in-flight hub dispatch that
// already read the old snapshot is unaffected (spec.md §9: "no per-packet
// re-evaluation mid-event").
func (s *Store) Reset(p *Policy) {
	s.current.Store(p)
}
