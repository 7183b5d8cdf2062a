// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/poll"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/transform"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Rate limiting defaults.
const (
	DefaultBucketCapacity      = 100
	DefaultRefillRatePerSecond = 10
	DefaultMaxAuthFailures     = 5
	DefaultAuthFailureWindow   = 5 * time.Minute
	DefaultLockoutDuration     = 15 * time.Minute
	DefaultActorPerMinute      = 60
)

// DefaultStateDir is where sync state lands when none is configured.
const DefaultStateDir = "/var/lib/scimgate/state"

const (
	errNoAdapters     = "at least one adapter must be configured"
	errBadDuration    = "cannot parse duration"
	errBadSyncSetting = "invalid sync setting"
)

// A Duration is a time.Duration that marshals as a human readable string,
// e.g. "15m" or "90s".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s %q: %w", errBadDuration, s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RateLimit configures admission control.
type RateLimit struct {
	BucketCapacity               float64                       `json:"bucketCapacity,omitempty"`
	RefillRatePerSecond          float64                       `json:"refillRatePerSecond,omitempty"`
	MaxAuthFailures              int                           `json:"maxAuthFailures,omitempty"`
	AuthFailureWindow            Duration                      `json:"authFailureWindow,omitempty"`
	LockoutDuration              Duration                      `json:"lockoutDuration,omitempty"`
	EnablePerActorLimits         bool                          `json:"enablePerActorLimits,omitempty"`
	MaxRequestsPerActorPerMinute float64                       `json:"maxRequestsPerActorPerMinute,omitempty"`
	PerTenantOverrides           map[string]admission.Override `json:"perTenantOverrides,omitempty"`
}

// Redis configures the optional distributed bucket store. When the address
// is empty the limiter keeps its buckets in process memory.
type Redis struct {
	Address  string `json:"address,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Alerting configures where operations alerts go. When the webhook URL is
// empty alerts land in the log only.
type Alerting struct {
	WebhookURL string   `json:"webhookUrl,omitempty"`
	Cooldown   Duration `json:"cooldown,omitempty"`
}

// A SyncPair names one (tenant, provider) pair the poll service keeps in
// sync.
type SyncPair struct {
	TenantID   string `json:"tenantId"`
	ProviderID string `json:"providerId"`
}

// Sync configures the reconciliation loop.
type Sync struct {
	Direction       reconcile.Direction `json:"direction,omitempty"`
	Strategy        reconcile.Strategy  `json:"strategy,omitempty"`
	IntervalMinutes int                 `json:"intervalMinutes,omitempty"`
	MaxRetries      int                 `json:"maxRetries,omitempty"`
	StateDir        string              `json:"stateDir,omitempty"`
	Pairs           []SyncPair          `json:"pairs,omitempty"`
}

// Interval is the configured sync interval.
func (s Sync) Interval() time.Duration {
	if s.IntervalMinutes <= 0 {
		return poll.DefaultInterval
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// TenantRules are one tenant's transformation rules for one provider.
type TenantRules struct {
	TenantID   string           `json:"tenantId"`
	ProviderID string           `json:"providerId"`
	Rules      []transform.Rule `json:"rules"`
}

// A Config is the gateway's full configuration surface.
type Config struct {
	RateLimit RateLimit        `json:"rateLimit,omitempty"`
	Redis     Redis            `json:"redis,omitempty"`
	Alerting  Alerting         `json:"alerting,omitempty"`
	Adapters  []adapter.Config `json:"adapters"`
	Rules     []TenantRules    `json:"transformationRules,omitempty"`
	Sync      Sync             `json:"sync,omitempty"`
}

// Load reads, parses, defaults, and validates a config file.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternalError, "LoadConfig")
	}
	return Parse(data)
}

// Parse parses, defaults, and validates raw YAML config.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInvalidSyntax, "LoadConfig")
	}
	c.Default()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default fills unset fields with their defaults.
func (c *Config) Default() {
	if c.RateLimit.BucketCapacity <= 0 {
		c.RateLimit.BucketCapacity = DefaultBucketCapacity
	}
	if c.RateLimit.RefillRatePerSecond <= 0 {
		c.RateLimit.RefillRatePerSecond = DefaultRefillRatePerSecond
	}
	if c.RateLimit.MaxAuthFailures <= 0 {
		c.RateLimit.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if c.RateLimit.AuthFailureWindow <= 0 {
		c.RateLimit.AuthFailureWindow = Duration(DefaultAuthFailureWindow)
	}
	if c.RateLimit.LockoutDuration <= 0 {
		c.RateLimit.LockoutDuration = Duration(DefaultLockoutDuration)
	}
	if c.RateLimit.MaxRequestsPerActorPerMinute <= 0 {
		c.RateLimit.MaxRequestsPerActorPerMinute = DefaultActorPerMinute
	}
	if c.Sync.Direction == "" {
		c.Sync.Direction = reconcile.DirectionUpstreamToProvider
	}
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = reconcile.StrategyAutoApply
	}
	if c.Sync.StateDir == "" {
		c.Sync.StateDir = DefaultStateDir
	}
	for i := range c.Adapters {
		c.Adapters[i] = c.Adapters[i].WithDefaults()
	}
}

// Validate reports the first invalid setting as a typed error.
func (c *Config) Validate() error {
	if len(c.Adapters) == 0 {
		return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig", errNoAdapters)
	}
	seen := map[string]bool{}
	for _, a := range c.Adapters {
		if a.ProviderID == "" {
			return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig", "adapter providerId must be set")
		}
		if seen[a.ProviderID] {
			return xerrors.New(xerrors.KindUniqueness, "LoadConfig",
				fmt.Sprintf("duplicate adapter providerId %q", a.ProviderID))
		}
		seen[a.ProviderID] = true
	}
	switch c.Sync.Direction {
	case reconcile.DirectionUpstreamToProvider, reconcile.DirectionProviderToUpstream, reconcile.DirectionBidirectional:
	default:
		return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig",
			fmt.Sprintf("%s: unknown direction %q", errBadSyncSetting, c.Sync.Direction))
	}
	switch c.Sync.Strategy {
	case reconcile.StrategyAutoApply, reconcile.StrategyManualReview, reconcile.StrategyIgnore:
	default:
		return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig",
			fmt.Sprintf("%s: unknown strategy %q", errBadSyncSetting, c.Sync.Strategy))
	}
	for _, tr := range c.Rules {
		if tr.TenantID == "" || tr.ProviderID == "" {
			return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig",
				"transformation rules must name a tenantId and providerId")
		}
	}
	for _, p := range c.Sync.Pairs {
		if p.TenantID == "" || !seen[p.ProviderID] {
			return xerrors.New(xerrors.KindInvalidSyntax, "LoadConfig",
				fmt.Sprintf("sync pair %q/%q must name a tenant and a configured provider", p.TenantID, p.ProviderID))
		}
	}
	return nil
}

// LimiterOptions derives the admission limiter options.
func (c *Config) LimiterOptions() admission.Options {
	return admission.Options{
		BucketCapacity:               c.RateLimit.BucketCapacity,
		RefillRatePerSecond:          c.RateLimit.RefillRatePerSecond,
		MaxRequestsPerActorPerMinute: c.RateLimit.MaxRequestsPerActorPerMinute,
		PerTenantOverrides:           c.RateLimit.PerTenantOverrides,
	}
}

// LockoutOptions derives the auth-failure tracker options.
func (c *Config) LockoutOptions() admission.LockoutOptions {
	return admission.LockoutOptions{
		MaxAuthFailures:   c.RateLimit.MaxAuthFailures,
		AuthFailureWindow: time.Duration(c.RateLimit.AuthFailureWindow),
		LockoutDuration:   time.Duration(c.RateLimit.LockoutDuration),
	}
}
