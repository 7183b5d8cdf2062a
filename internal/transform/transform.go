// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package transform maps upstream groups to provider entitlement values
// through tenant-and-provider scoped rules with conflict resolution.
package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// A RuleType selects how a rule's source pattern is matched.
type RuleType string

// Rule types.
const (
	RuleExact        RuleType = "EXACT"
	RuleRegex        RuleType = "REGEX"
	RuleHierarchical RuleType = "HIERARCHICAL"
	RuleConditional  RuleType = "CONDITIONAL"
)

// A ConflictStrategy decides what happens when more than one rule matches.
type ConflictStrategy string

// Conflict strategies.
const (
	StrategyUnion            ConflictStrategy = "UNION"
	StrategyFirstMatch       ConflictStrategy = "FIRST_MATCH"
	StrategyHighestPrivilege ConflictStrategy = "HIGHEST_PRIVILEGE"
	StrategyManualReview     ConflictStrategy = "MANUAL_REVIEW"
	StrategyError            ConflictStrategy = "ERROR"
)

// DefaultDelimiter splits hierarchical group names.
const DefaultDelimiter = "/"

// Error strings.
const (
	errBadRegex       = "rule has an invalid regex source pattern"
	errBadCondition   = "rule condition has an invalid regex pattern"
	errNoConditions   = "CONDITIONAL rule has no conditions"
	errConflictsFound = "transformation produced conflicting matches"
)

// A Condition is one predicate of a CONDITIONAL rule. Pattern is a
// substring unless Regex is set.
type Condition struct {
	Pattern    string `json:"pattern"`
	Regex      bool   `json:"regex,omitempty"`
	TrueValue  string `json:"trueValue"`
	FalseValue string `json:"falseValue,omitempty"`
}

// A Rule maps matching group display names to an entitlement value for one
// (tenant, provider) pair. Lower priority numbers evaluate first.
type Rule struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	ProviderID string `json:"providerId"`

	Type          RuleType `json:"ruleType"`
	SourcePattern string   `json:"sourcePattern,omitempty"`
	TargetMapping string   `json:"targetMapping,omitempty"`

	// Delimiter splits the group name for HIERARCHICAL rules.
	Delimiter string `json:"delimiter,omitempty"`

	// Conditions drive CONDITIONAL rules, evaluated in declared order.
	Conditions []Condition `json:"conditions,omitempty"`

	Priority           int              `json:"priority"`
	Enabled            bool             `json:"enabled"`
	ConflictResolution ConflictStrategy `json:"conflictResolution,omitempty"`
}

// A Match is one rule's output for a group.
type Match struct {
	RuleID   string
	Priority int
	Value    string
}

// A Result is the outcome of transforming one group.
type Result struct {
	// Values are the resolved entitlement values, empty when quarantined.
	Values []string

	// Matches are all matched rule outputs in priority order, before
	// conflict resolution.
	Matches []Match

	// Strategy is the conflict strategy that was applied, empty when at
	// most one rule matched.
	Strategy ConflictStrategy

	// Conflict is set when MANUAL_REVIEW quarantined the group.
	Conflict *drift.Conflict
}

// A RankFn reports the privilege rank of an entitlement value for
// HIGHEST_PRIVILEGE resolution. Unknown values rank zero.
type RankFn func(value string) int

var (
	captureToken = regexp.MustCompile(`\$\{(\d+)\}`)
	levelToken   = regexp.MustCompile(`\$\{level(\d+)\}`)
)

// An Engine evaluates transformation rules. Rules and their compiled
// regexes are replaced wholesale per (tenant, provider); rule ids are only
// unique within one pair, so the regex cache is scoped the same way.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string][]Rule
	regexes map[string]map[string]*regexp.Regexp

	rank RankFn
	log  logging.Logger
}

// An EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRankFn supplies privilege ranks for HIGHEST_PRIVILEGE resolution.
func WithRankFn(fn RankFn) EngineOption {
	return func(e *Engine) { e.rank = fn }
}

// WithLogger specifies how the engine should log messages.
func WithLogger(log logging.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an engine with no rules loaded.
func NewEngine(o ...EngineOption) *Engine {
	e := &Engine{
		rules:   map[string][]Rule{},
		regexes: map[string]map[string]*regexp.Regexp{},
		rank:    func(string) int { return 0 },
		log:     logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(e)
	}
	return e
}

func ruleKey(tenantID, providerID string) string {
	return tenantID + "/" + strings.ToLower(providerID)
}

// SetRules replaces the rule set for a (tenant, provider) pair. Disabled
// rules are kept but never evaluated. Invalid regexes fail the whole load
// with InvalidSyntax.
func (e *Engine) SetRules(tenantID, providerID string, rules []Rule) error {
	compiled := map[string]*regexp.Regexp{}
	for _, r := range rules {
		switch r.Type {
		case RuleRegex:
			re, err := regexp.Compile(r.SourcePattern)
			if err != nil {
				return xerrors.New(xerrors.KindInvalidSyntax, "SetRules", fmt.Sprintf("%s %q: %s", errBadRegex, r.ID, err))
			}
			compiled[r.ID] = re
		case RuleConditional:
			if len(r.Conditions) == 0 {
				return xerrors.New(xerrors.KindInvalidSyntax, "SetRules", fmt.Sprintf("%s: %q", errNoConditions, r.ID))
			}
			for i, c := range r.Conditions {
				if !c.Regex {
					continue
				}
				re, err := regexp.Compile(c.Pattern)
				if err != nil {
					return xerrors.New(xerrors.KindInvalidSyntax, "SetRules", fmt.Sprintf("%s %q[%d]: %s", errBadCondition, r.ID, i, err))
				}
				compiled[conditionKey(r.ID, i)] = re
			}
		}
	}

	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	defer e.mu.Unlock()
	k := ruleKey(tenantID, providerID)
	e.rules[k] = sorted
	e.regexes[k] = compiled
	return nil
}

// Rules returns a copy of the loaded rule set in evaluation order.
func (e *Engine) Rules(tenantID, providerID string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules[ruleKey(tenantID, providerID)]...)
}

func conditionKey(ruleID string, i int) string {
	return ruleID + "#cond" + strconv.Itoa(i)
}

// Transform maps a group to entitlement values. With multiple matches the
// conflict strategy of the highest-priority matched rule applies. A
// MANUAL_REVIEW quarantine returns no values and a conflict entry; ERROR
// fails with InvalidSyntax.
func (e *Engine) Transform(tenantID, providerID string, g scim.Group) (Result, error) {
	e.mu.RLock()
	k := ruleKey(tenantID, providerID)
	rules := e.rules[k]
	matches := e.evaluate(rules, e.regexes[k], g.DisplayName)
	e.mu.RUnlock()

	res := Result{Matches: matches}
	if len(matches) == 0 {
		return res, nil
	}
	if len(matches) == 1 {
		res.Values = []string{matches[0].Value}
		return res, nil
	}

	strategy := strategyOf(rules, matches[0].RuleID)
	res.Strategy = strategy
	switch strategy {
	case StrategyFirstMatch:
		res.Values = []string{matches[0].Value}
	case StrategyHighestPrivilege:
		best := matches[0]
		for _, m := range matches[1:] {
			if e.rank(m.Value) > e.rank(best.Value) {
				best = m
			}
		}
		res.Values = []string{best.Value}
	case StrategyManualReview:
		c := drift.NewConflict(g.ID, drift.ResourceGroup, drift.ConflictTransformationConflict)
		c.UpstreamChange = map[string]any{"displayName": g.DisplayName}
		c.ProviderChange = map[string]any{"candidates": values(matches)}
		res.Conflict = &c
		e.log.Info("transformation quarantined for manual review",
			"tenantId", tenantID, "providerId", providerID,
			"groupId", g.ID, "candidates", len(matches))
	case StrategyError:
		return res, xerrors.New(xerrors.KindInvalidSyntax, "Transform",
			fmt.Sprintf("%s: group %q matched %d rules", errConflictsFound, g.DisplayName, len(matches)))
	default:
		res.Strategy = StrategyUnion
		res.Values = dedupe(values(matches))
	}
	return res, nil
}

// evaluate runs every enabled rule against the group name, preserving
// priority order.
func (e *Engine) evaluate(rules []Rule, regexes map[string]*regexp.Regexp, name string) []Match {
	var out []Match
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		value, ok := e.apply(r, regexes, name)
		if !ok || value == "" {
			continue
		}
		out = append(out, Match{RuleID: r.ID, Priority: r.Priority, Value: value})
	}
	return out
}

func (e *Engine) apply(r Rule, regexes map[string]*regexp.Regexp, name string) (string, bool) {
	switch r.Type {
	case RuleExact:
		if name == r.SourcePattern {
			return r.TargetMapping, true
		}
	case RuleRegex:
		re := regexes[r.ID]
		if re == nil {
			return "", false
		}
		sub := re.FindStringSubmatch(name)
		if sub == nil {
			return "", false
		}
		return expandCaptures(r.TargetMapping, sub)
	case RuleHierarchical:
		delim := r.Delimiter
		if delim == "" {
			delim = DefaultDelimiter
		}
		return expandLevels(r.TargetMapping, strings.Split(name, delim))
	case RuleConditional:
		return e.applyConditional(r, regexes, name)
	}
	return "", false
}

// applyConditional evaluates conditions in declared order. The first true
// predicate wins its TrueValue; when none hold, the final condition's
// FalseValue applies. An empty outcome means no match.
func (e *Engine) applyConditional(r Rule, regexes map[string]*regexp.Regexp, name string) (string, bool) {
	for i, c := range r.Conditions {
		holds := false
		if c.Regex {
			if re := regexes[conditionKey(r.ID, i)]; re != nil {
				holds = re.MatchString(name)
			}
		} else {
			holds = strings.Contains(name, c.Pattern)
		}
		if holds {
			return c.TrueValue, c.TrueValue != ""
		}
	}
	last := r.Conditions[len(r.Conditions)-1]
	return last.FalseValue, last.FalseValue != ""
}

// expandCaptures substitutes ${0}..${N} in the template. A reference beyond
// the available captures means the rule does not match.
func expandCaptures(template string, sub []string) (string, bool) {
	ok := true
	out := captureToken.ReplaceAllStringFunc(template, func(tok string) string {
		n, _ := strconv.Atoi(captureToken.FindStringSubmatch(tok)[1])
		if n >= len(sub) {
			ok = false
			return ""
		}
		return sub[n]
	})
	return out, ok
}

// expandLevels substitutes ${level0}..${levelN} in the template. A reference
// beyond the split means the rule does not match.
func expandLevels(template string, levels []string) (string, bool) {
	ok := true
	out := levelToken.ReplaceAllStringFunc(template, func(tok string) string {
		n, _ := strconv.Atoi(levelToken.FindStringSubmatch(tok)[1])
		if n >= len(levels) {
			ok = false
			return ""
		}
		return levels[n]
	})
	return out, ok
}

func strategyOf(rules []Rule, ruleID string) ConflictStrategy {
	for _, r := range rules {
		if r.ID == ruleID {
			if r.ConflictResolution == "" {
				return StrategyUnion
			}
			return r.ConflictResolution
		}
	}
	return StrategyUnion
}

func values(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Value)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
