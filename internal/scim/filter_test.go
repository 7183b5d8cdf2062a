// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package scim

import (
	"testing"

	"github.com/scimgate/scimgate/internal/xerrors"
)

func TestParseFilterMatches(t *testing.T) {
	attrs := UserAttributes(User{
		ID:          "u-1",
		UserName:    "ada@example.com",
		DisplayName: "Ada Lovelace",
		Department:  "Engineering",
		Active:      true,
	})

	type args struct {
		filter string
	}
	type want struct {
		matches bool
	}

	cases := map[string]struct {
		reason string
		args   args
		want   want
	}{
		"EmptyMatchesEverything": {
			reason: "An empty filter should match any resource",
			args:   args{filter: ""},
			want:   want{matches: true},
		},
		"EqCaseInsensitiveValue": {
			reason: "eq should compare strings case-insensitively",
			args:   args{filter: `userName eq "Ada@Example.com"`},
			want:   want{matches: true},
		},
		"EqCaseInsensitiveAttribute": {
			reason: "Attribute paths should match case-insensitively",
			args:   args{filter: `USERNAME eq "ada@example.com"`},
			want:   want{matches: true},
		},
		"NeMiss": {
			reason: "ne should be the negation of eq",
			args:   args{filter: `department ne "Engineering"`},
			want:   want{matches: false},
		},
		"Contains": {
			reason: "co should match substrings",
			args:   args{filter: `displayName co "love"`},
			want:   want{matches: true},
		},
		"StartsWith": {
			reason: "sw should match prefixes",
			args:   args{filter: `userName sw "ada"`},
			want:   want{matches: true},
		},
		"EndsWith": {
			reason: "ew should match suffixes",
			args:   args{filter: `userName ew "example.com"`},
			want:   want{matches: true},
		},
		"Present": {
			reason: "pr should be true for a non-empty attribute",
			args:   args{filter: `department pr`},
			want:   want{matches: true},
		},
		"PresentMissingAttribute": {
			reason: "pr should be false for an unknown attribute",
			args:   args{filter: `title pr`},
			want:   want{matches: false},
		},
		"BoolEq": {
			reason: "eq should compare booleans",
			args:   args{filter: `active eq true`},
			want:   want{matches: true},
		},
		"And": {
			reason: "and should require both operands",
			args:   args{filter: `active eq true and department eq "engineering"`},
			want:   want{matches: true},
		},
		"AndMiss": {
			reason: "and should fail when either operand fails",
			args:   args{filter: `active eq true and department eq "sales"`},
			want:   want{matches: false},
		},
		"Or": {
			reason: "or should require one operand",
			args:   args{filter: `department eq "sales" or department eq "engineering"`},
			want:   want{matches: true},
		},
		"NotGroup": {
			reason: "not should negate a parenthesised expression",
			args:   args{filter: `not (department eq "sales")`},
			want:   want{matches: true},
		},
		"Precedence": {
			reason: "and should bind tighter than or",
			args:   args{filter: `department eq "sales" and active eq false or userName sw "ada"`},
			want:   want{matches: true},
		},
		"GreaterThanLexicographic": {
			reason: "gt should compare strings lexicographically",
			args:   args{filter: `userName gt "aaa"`},
			want:   want{matches: true},
		},
		"LessOrEqual": {
			reason: "le should compare strings lexicographically",
			args:   args{filter: `userName le "zzz"`},
			want:   want{matches: true},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			expr, err := ParseFilter(tc.args.filter)
			if err != nil {
				t.Fatalf("%s\nParseFilter(%q): unexpected error: %v", tc.reason, tc.args.filter, err)
			}
			if got := Matches(expr, attrs); got != tc.want.matches {
				t.Errorf("%s\nMatches(%q): want %t, got %t", tc.reason, tc.args.filter, tc.want.matches, got)
			}
		})
	}
}

func TestParseFilterInvalid(t *testing.T) {
	cases := map[string]struct {
		reason string
		filter string
	}{
		"UnsupportedOperator": {
			reason: "Operators outside the supported set should fail with InvalidFilter",
			filter: `userName regex "a.*"`,
		},
		"MissingValue": {
			reason: "A binary operator without a value should fail",
			filter: `userName eq`,
		},
		"MissingOperator": {
			reason: "An attribute without an operator should fail",
			filter: `userName`,
		},
		"UnterminatedString": {
			reason: "An unterminated string literal should fail",
			filter: `userName eq "ada`,
		},
		"UnbalancedParens": {
			reason: "A missing closing parenthesis should fail",
			filter: `(userName eq "ada"`,
		},
		"TrailingGarbage": {
			reason: "Tokens after a complete expression should fail",
			filter: `userName eq "ada" department`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFilter(tc.filter)
			if err == nil {
				t.Fatalf("%s\nParseFilter(%q): expected error, got nil", tc.reason, tc.filter)
			}
			if kind := xerrors.KindOf(err); kind != xerrors.KindInvalidFilter {
				t.Errorf("%s\nParseFilter(%q): want kind %q, got %q", tc.reason, tc.filter, xerrors.KindInvalidFilter, kind)
			}
		})
	}
}

func TestQueryFilterValid(t *testing.T) {
	cases := map[string]struct {
		reason string
		filter QueryFilter
		want   bool
	}{
		"Defaults": {
			reason: "A 1-based window with a positive count is valid",
			filter: QueryFilter{StartIndex: 1, Count: 100},
			want:   true,
		},
		"ZeroStartIndex": {
			reason: "startIndex below 1 is invalid",
			filter: QueryFilter{StartIndex: 0, Count: 100},
			want:   false,
		},
		"ZeroCount": {
			reason: "count below 1 is invalid",
			filter: QueryFilter{StartIndex: 1, Count: 0},
			want:   false,
		},
		"CountTooLarge": {
			reason: "count above 1000 is invalid",
			filter: QueryFilter{StartIndex: 1, Count: 1001},
			want:   false,
		},
		"MaxCount": {
			reason: "count of exactly 1000 is valid",
			filter: QueryFilter{StartIndex: 1, Count: 1000},
			want:   true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := tc.filter.Valid(); got != tc.want {
				t.Errorf("%s\nQueryFilter.Valid(): want %t, got %t", tc.reason, tc.want, got)
			}
		})
	}
}

func TestPageHasMore(t *testing.T) {
	cases := map[string]struct {
		reason string
		page   Page[User]
		want   bool
	}{
		"MorePages": {
			reason: "A full page before the end implies more results",
			page:   Page[User]{TotalResults: 10, StartIndex: 1, ItemsPerPage: 5},
			want:   true,
		},
		"LastPage": {
			reason: "The final partial page implies no more results",
			page:   Page[User]{TotalResults: 10, StartIndex: 6, ItemsPerPage: 5},
			want:   false,
		},
		"ExactBoundary": {
			reason: "A page ending exactly at the total still signals one more (possibly empty) window",
			page:   Page[User]{TotalResults: 10, StartIndex: 5, ItemsPerPage: 5},
			want:   true,
		},
		"Empty": {
			reason: "An empty result has no more pages",
			page:   Page[User]{TotalResults: 0, StartIndex: 1, ItemsPerPage: 0},
			want:   false,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := tc.page.HasMore(); got != tc.want {
				t.Errorf("%s\nPage.HasMore(): want %t, got %t", tc.reason, tc.want, got)
			}
		})
	}
}
