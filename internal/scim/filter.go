// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package scim

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/scimgate/scimgate/internal/xerrors"
)

// The filter operator set adapters are required to support. Anything else
// fails with InvalidFilter.
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpCo  = "co"
	OpSw  = "sw"
	OpEw  = "ew"
	OpPr  = "pr"
	OpGt  = "gt"
	OpGe  = "ge"
	OpLt  = "lt"
	OpLe  = "le"
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// An Expression is a parsed SCIM filter that can be evaluated against a
// resource's attribute map.
type Expression interface {
	// Matches evaluates the expression against the supplied attributes.
	// Attribute names are matched case-insensitively.
	Matches(attrs map[string]any) bool
}

type attrExpr struct {
	path  string
	op    string
	value any
}

func (e attrExpr) Matches(attrs map[string]any) bool {
	v, ok := lookupAttr(attrs, e.path)
	if e.op == OpPr {
		return ok && present(v)
	}
	if !ok {
		return false
	}
	return compare(v, e.op, e.value)
}

type logicalExpr struct {
	op    string // OpAnd or OpOr
	left  Expression
	right Expression
}

func (e logicalExpr) Matches(attrs map[string]any) bool {
	if e.op == OpAnd {
		return e.left.Matches(attrs) && e.right.Matches(attrs)
	}
	return e.left.Matches(attrs) || e.right.Matches(attrs)
}

type notExpr struct {
	inner Expression
}

func (e notExpr) Matches(attrs map[string]any) bool {
	return !e.inner.Matches(attrs)
}

// ParseFilter parses a SCIM filter string into an evaluable expression. An
// empty filter parses to nil, which matches everything. Operators outside
// the supported set fail with InvalidFilter.
func ParseFilter(filter string) (Expression, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil
	}
	toks, err := lexFilter(filter)
	if err != nil {
		return nil, err
	}
	p := &filterParser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, invalidFilter(fmt.Sprintf("unexpected token %q", p.peek()))
	}
	return expr, nil
}

// Matches reports whether the supplied attributes satisfy the filter. A nil
// expression matches everything.
func Matches(expr Expression, attrs map[string]any) bool {
	if expr == nil {
		return true
	}
	return expr.Matches(attrs)
}

func invalidFilter(msg string) error {
	return xerrors.New(xerrors.KindInvalidFilter, "ParseFilter", msg)
}

func lexFilter(s string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(s) && s[j] != '"' {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				sb.WriteByte(s[j])
				j++
			}
			if j >= len(s) {
				return nil, invalidFilter("unterminated string literal")
			}
			toks = append(toks, `"`+sb.String())
			i = j + 1
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && s[j] != '(' && s[j] != ')' {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks, nil
}

type filterParser struct {
	toks []string
	pos  int
}

func (p *filterParser) done() bool { return p.pos >= len(p.toks) }

func (p *filterParser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *filterParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *filterParser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), OpOr) {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: OpOr, left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), OpAnd) {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicalExpr{op: OpAnd, left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseUnary() (Expression, error) {
	switch {
	case strings.EqualFold(p.peek(), OpNot):
		p.next()
		if p.peek() != "(" {
			return nil, invalidFilter(`expected "(" after not`)
		}
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, invalidFilter(`missing closing ")"`)
		}
		return notExpr{inner: inner}, nil
	case p.peek() == "(":
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, invalidFilter(`missing closing ")"`)
		}
		return inner, nil
	default:
		return p.parseAttr()
	}
}

func (p *filterParser) parseAttr() (Expression, error) {
	path := p.next()
	if path == "" || path == "(" || path == ")" {
		return nil, invalidFilter("expected attribute path")
	}
	op := strings.ToLower(p.next())
	switch op {
	case OpPr:
		return attrExpr{path: path, op: op}, nil
	case OpEq, OpNe, OpCo, OpSw, OpEw, OpGt, OpGe, OpLt, OpLe:
		raw := p.next()
		if raw == "" {
			return nil, invalidFilter(fmt.Sprintf("operator %q requires a comparison value", op))
		}
		return attrExpr{path: path, op: op, value: parseLiteral(raw)}, nil
	case "":
		return nil, invalidFilter(fmt.Sprintf("attribute %q has no operator", path))
	default:
		return nil, invalidFilter(fmt.Sprintf("unsupported operator %q", op))
	}
}

func parseLiteral(raw string) any {
	if strings.HasPrefix(raw, `"`) {
		return strings.TrimPrefix(raw, `"`)
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func lookupAttr(attrs map[string]any, path string) (any, bool) {
	for k, v := range attrs {
		if strings.EqualFold(k, path) {
			return v, true
		}
	}
	return nil, false
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	default:
		return true
	}
}

// compare applies a SCIM comparison operator. String comparisons are
// case-insensitive, matching the default caseExact=false of the core schema
// attributes the gateway handles.
func compare(have any, op string, want any) bool {
	if hf, wf, ok := asFloats(have, want); ok {
		switch op {
		case OpEq:
			return hf == wf
		case OpNe:
			return hf != wf
		case OpGt:
			return hf > wf
		case OpGe:
			return hf >= wf
		case OpLt:
			return hf < wf
		case OpLe:
			return hf <= wf
		default:
			return false
		}
	}

	if hb, ok := have.(bool); ok {
		wb, ok := want.(bool)
		switch op {
		case OpEq:
			return ok && hb == wb
		case OpNe:
			return !ok || hb != wb
		default:
			return false
		}
	}

	hs := strings.ToLower(fmt.Sprintf("%v", have))
	ws := strings.ToLower(fmt.Sprintf("%v", want))
	switch op {
	case OpEq:
		return hs == ws
	case OpNe:
		return hs != ws
	case OpCo:
		return strings.Contains(hs, ws)
	case OpSw:
		return strings.HasPrefix(hs, ws)
	case OpEw:
		return strings.HasSuffix(hs, ws)
	case OpGt:
		return hs > ws
	case OpGe:
		return hs >= ws
	case OpLt:
		return hs < ws
	case OpLe:
		return hs <= ws
	default:
		return false
	}
}

func asFloats(have, want any) (float64, float64, bool) {
	hf, hok := toFloat(have)
	wf, wok := toFloat(want)
	return hf, wf, hok && wok
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
