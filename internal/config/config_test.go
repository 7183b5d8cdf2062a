// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/transform"
	"github.com/scimgate/scimgate/internal/xerrors"
)

const sampleConfig = `
rateLimit:
  bucketCapacity: 500
  refillRatePerSecond: 50
  maxAuthFailures: 3
  authFailureWindow: 2m
  lockoutDuration: 30m
  enablePerActorLimits: true
  maxRequestsPerActorPerMinute: 120
  perTenantOverrides:
    acme:
      bucketCapacity: 1000
      refillRatePerSecond: 100
alerting:
  webhookUrl: https://hooks.example.com/scimgate
  cooldown: 5m
adapters:
  - providerId: salesforce-prod
    providerName: salesforce
    apiBaseUrl: https://sf.example.com/scim/v2
    credentialRef: vault:sf-prod
    groupMappingStrategy: transform
    environment: prod
transformationRules:
  - tenantId: acme
    providerId: salesforce-prod
    rules:
      - id: sales
        ruleType: EXACT
        sourcePattern: Sales Team
        targetMapping: Sales_Representative
        priority: 10
        enabled: true
sync:
  direction: Bidirectional
  strategy: MANUAL_REVIEW
  intervalMinutes: 30
  maxRetries: 5
  stateDir: /tmp/scimgate
  pairs:
    - tenantId: acme
      providerId: salesforce-prod
`

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/scimgate.yaml", []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("WriteFile(): unexpected error: %v", err)
	}

	c, err := Load(fs, "/etc/scimgate.yaml")
	if err != nil {
		t.Fatalf("Load(): unexpected error: %v", err)
	}

	if c.RateLimit.BucketCapacity != 500 || !c.RateLimit.EnablePerActorLimits {
		t.Errorf("rate limit not parsed: %+v", c.RateLimit)
	}
	if time.Duration(c.RateLimit.LockoutDuration) != 30*time.Minute {
		t.Errorf("want a 30m lockout, got %v", time.Duration(c.RateLimit.LockoutDuration))
	}
	wantOverride := admission.Override{BucketCapacity: 1000, RefillRatePerSecond: 100}
	if diff := cmp.Diff(wantOverride, c.RateLimit.PerTenantOverrides["acme"]); diff != "" {
		t.Errorf("per-tenant override: -want, +got:\n%s", diff)
	}

	if c.Alerting.WebhookURL != "https://hooks.example.com/scimgate" || time.Duration(c.Alerting.Cooldown) != 5*time.Minute {
		t.Errorf("alerting not parsed: %+v", c.Alerting)
	}

	if len(c.Adapters) != 1 || c.Adapters[0].ProviderID != "salesforce-prod" {
		t.Fatalf("adapters not parsed: %+v", c.Adapters)
	}
	// Unset adapter tuning picks up defaults.
	if c.Adapters[0].MaxConcurrentRequests != 10 || c.Adapters[0].MaxRetries != 3 {
		t.Errorf("adapter defaults not applied: %+v", c.Adapters[0])
	}

	if len(c.Rules) != 1 || len(c.Rules[0].Rules) != 1 {
		t.Fatalf("rules not parsed: %+v", c.Rules)
	}
	r := c.Rules[0].Rules[0]
	if r.Type != transform.RuleExact || r.TargetMapping != "Sales_Representative" {
		t.Errorf("rule not parsed: %+v", r)
	}

	if c.Sync.Direction != reconcile.DirectionBidirectional || c.Sync.Strategy != reconcile.StrategyManualReview {
		t.Errorf("sync settings not parsed: %+v", c.Sync)
	}
	if c.Sync.Interval() != 30*time.Minute {
		t.Errorf("want a 30m interval, got %v", c.Sync.Interval())
	}
	if len(c.Sync.Pairs) != 1 || c.Sync.Pairs[0].TenantID != "acme" {
		t.Errorf("sync pairs not parsed: %+v", c.Sync.Pairs)
	}
}

func TestParse(t *testing.T) {
	type want struct {
		kind xerrors.Kind
	}
	cases := map[string]struct {
		reason string
		data   string
		want   want
	}{
		"NoAdapters": {
			reason: "A config without adapters cannot serve anything.",
			data:   "rateLimit:\n  bucketCapacity: 10\n",
			want:   want{kind: xerrors.KindInvalidSyntax},
		},
		"DuplicateProvider": {
			reason: "Adapter ids must be unique.",
			data: `adapters:
  - providerId: sf
  - providerId: sf
`,
			want: want{kind: xerrors.KindUniqueness},
		},
		"UnknownDirection": {
			reason: "An unknown sync direction is a config error.",
			data: `adapters:
  - providerId: sf
sync:
  direction: Sideways
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
		"UnknownStrategy": {
			reason: "An unknown sync strategy is a config error.",
			data: `adapters:
  - providerId: sf
sync:
  strategy: YOLO
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
		"RulesWithoutTenant": {
			reason: "Transformation rules are always tenant scoped.",
			data: `adapters:
  - providerId: sf
transformationRules:
  - providerId: sf
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
		"UnknownField": {
			reason: "Unknown keys fail strict parsing so typos surface early.",
			data: `adapters:
  - providerId: sf
rateLimitz:
  bucketCapacity: 1
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
		"PairWithUnknownProvider": {
			reason: "Sync pairs must reference configured adapters.",
			data: `adapters:
  - providerId: sf
sync:
  pairs:
    - tenantId: acme
      providerId: okta
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
		"BadDuration": {
			reason: "Durations are parsed as Go duration strings.",
			data: `adapters:
  - providerId: sf
rateLimit:
  lockoutDuration: soon
`,
			want: want{kind: xerrors.KindInvalidSyntax},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if xerrors.KindOf(err) != tc.want.kind {
				t.Errorf("\n%s\nParse(...): want kind %s, got %v", tc.reason, tc.want.kind, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("adapters:\n  - providerId: sf\n"))
	if err != nil {
		t.Fatalf("Parse(): unexpected error: %v", err)
	}
	if c.RateLimit.BucketCapacity != DefaultBucketCapacity {
		t.Errorf("want default capacity %v, got %v", DefaultBucketCapacity, c.RateLimit.BucketCapacity)
	}
	if time.Duration(c.RateLimit.LockoutDuration) != DefaultLockoutDuration {
		t.Errorf("want default lockout %v, got %v", DefaultLockoutDuration, c.RateLimit.LockoutDuration)
	}
	if c.Sync.Direction != reconcile.DirectionUpstreamToProvider || c.Sync.Strategy != reconcile.StrategyAutoApply {
		t.Errorf("want default sync settings, got %+v", c.Sync)
	}
	if c.Sync.StateDir != DefaultStateDir {
		t.Errorf("want default state dir, got %q", c.Sync.StateDir)
	}

	lo := c.LockoutOptions()
	if lo.MaxAuthFailures != DefaultMaxAuthFailures || lo.LockoutDuration != DefaultLockoutDuration {
		t.Errorf("LockoutOptions() did not carry the defaults: %+v", lo)
	}
	ro := c.LimiterOptions()
	if ro.BucketCapacity != DefaultBucketCapacity || ro.RefillRatePerSecond != DefaultRefillRatePerSecond {
		t.Errorf("LimiterOptions() did not carry the defaults: %+v", ro)
	}
}
