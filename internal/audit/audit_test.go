// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/scimgate/scimgate/internal/xerrors"
)

func TestRedact(t *testing.T) {
	type args struct {
		payload map[string]any
	}
	type want struct {
		payload map[string]any
	}

	cases := map[string]struct {
		reason string
		args   args
		want   want
	}{
		"Nil": {
			reason: "A nil payload stays nil",
			args:   args{payload: nil},
			want:   want{payload: nil},
		},
		"SensitiveTopLevel": {
			reason: "Credential-bearing fields should be masked",
			args: args{payload: map[string]any{
				"userName": "ada",
				"password": "hunter2",
				"apiToken": "xyz",
			}},
			want: want{payload: map[string]any{
				"userName": "ada",
				"password": RedactedValue,
				"apiToken": RedactedValue,
			}},
		},
		"SensitiveNested": {
			reason: "Nested maps should be redacted recursively",
			args: args{payload: map[string]any{
				"settings": map[string]any{
					"clientSecret": "shh",
					"region":       "emea",
				},
			}},
			want: want{payload: map[string]any{
				"settings": map[string]any{
					"clientSecret": RedactedValue,
					"region":       "emea",
				},
			}},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := Redact(tc.args.payload)
			if diff := cmp.Diff(tc.want.payload, got); diff != "" {
				t.Errorf("%s\nRedact(...): -want, +got:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestAlerterCooldown(t *testing.T) {
	var delivered []Alert
	sink := AlertSinkFn(func(_ context.Context, a Alert) {
		delivered = append(delivered, a)
	})

	a := NewAlerter(WithAlertSink(sink), WithCooldown(50*time.Millisecond))
	err := &xerrors.Error{Kind: xerrors.KindUnauthorized, AdapterID: "salesforce-prod", Err: errors.New("expired token")}

	if !a.Failure(context.Background(), "acme", "salesforce-prod", err, 0) {
		t.Fatalf("Failure(first): expected alert delivery")
	}
	if a.Failure(context.Background(), "acme", "salesforce-prod", err, 0) {
		t.Errorf("Failure(repeat): expected suppression inside cooldown")
	}

	// A different kind for the same pair is not suppressed.
	other := &xerrors.Error{Kind: xerrors.KindServerUnavailable, Err: errors.New("boom")}
	if !a.Failure(context.Background(), "acme", "salesforce-prod", other, 3) {
		t.Errorf("Failure(other kind): expected delivery")
	}

	time.Sleep(60 * time.Millisecond)
	if !a.Failure(context.Background(), "acme", "salesforce-prod", err, 0) {
		t.Errorf("Failure(after cooldown): expected delivery")
	}

	if len(delivered) != 3 {
		t.Fatalf("want 3 delivered alerts, got %d", len(delivered))
	}
	if delivered[0].Severity != SeverityCritical {
		t.Errorf("Unauthorized alerts should be critical, got %q", delivered[0].Severity)
	}
	if delivered[0].RecommendedAction != "refresh credentials in secret store" {
		t.Errorf("unexpected recommended action %q", delivered[0].RecommendedAction)
	}
	if delivered[1].Severity != SeverityWarning {
		t.Errorf("ServerUnavailable alerts should be warnings, got %q", delivered[1].Severity)
	}
}

func TestRecommendedAction(t *testing.T) {
	cases := map[string]struct {
		reason string
		kind   xerrors.Kind
		code   string
		want   string
	}{
		"QuotaExceededCode": {
			reason: "Provider quota codes should override the kind-based action",
			kind:   xerrors.KindInternalError,
			code:   CodeQuotaExceeded,
			want:   "raise the provider-side API quota or reduce the sync interval",
		},
		"AccountDisabledCode": {
			reason: "Disabled-account codes should point at the provider console",
			kind:   xerrors.KindForbidden,
			code:   CodeAccountDisabled,
			want:   "re-enable the service account in the provider admin console",
		},
		"Fallback": {
			reason: "Unmapped kinds should point at the error log",
			kind:   xerrors.KindInternalError,
			want:   "inspect the error log for this tenant and provider",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := RecommendedAction(tc.kind, tc.code); got != tc.want {
				t.Errorf("%s\nRecommendedAction(...): want %q, got %q", tc.reason, tc.want, got)
			}
		})
	}
}
