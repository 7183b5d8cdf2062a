// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// DefaultAlertCooldown suppresses repeat alerts for the same
// (tenant, provider, errorKind) tuple.
const DefaultAlertCooldown = 15 * time.Minute

// Provider error codes that always alert critically, independent of kind.
const (
	CodeQuotaExceeded   = "QuotaExceeded"
	CodeAccountDisabled = "AccountDisabled"
)

// An Alert asks an operator to look at a failing (tenant, provider) pair.
type Alert struct {
	Severity          string       `json:"severity"`
	TenantID          string       `json:"tenantId"`
	ProviderID        string       `json:"providerId"`
	Kind              xerrors.Kind `json:"kind"`
	Message           string       `json:"message,omitempty"`
	RetryCount        int          `json:"retryCount"`
	RecommendedAction string       `json:"recommendedAction,omitempty"`
}

// An AlertSink receives operations alerts.
type AlertSink interface {
	Deliver(ctx context.Context, a Alert)
}

// An AlertSinkFn delivers alerts.
type AlertSinkFn func(ctx context.Context, a Alert)

// Deliver calls fn.
func (fn AlertSinkFn) Deliver(ctx context.Context, a Alert) {
	fn(ctx, a)
}

// An Alerter emits operations alerts with per-(tenant, provider, kind)
// cooldown so a flapping provider does not page repeatedly.
type Alerter struct {
	sink     AlertSink
	cooldown *gocache.Cache
	log      logging.Logger
	metrics  metrics.Metrics
}

// An AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithAlertSink routes alerts to the supplied sink.
func WithAlertSink(s AlertSink) AlerterOption {
	return func(a *Alerter) { a.sink = s }
}

// WithLogger specifies how the alerter should log messages.
func WithLogger(log logging.Logger) AlerterOption {
	return func(a *Alerter) { a.log = log }
}

// WithMetrics specifies how the alerter should record metrics.
func WithMetrics(m metrics.Metrics) AlerterOption {
	return func(a *Alerter) { a.metrics = m }
}

// WithCooldown overrides the suppression window.
func WithCooldown(d time.Duration) AlerterOption {
	return func(a *Alerter) { a.cooldown = gocache.New(d, 10*time.Minute) }
}

// NewAlerter creates an alerter with the supplied options.
func NewAlerter(o ...AlerterOption) *Alerter {
	a := &Alerter{
		cooldown: gocache.New(DefaultAlertCooldown, 10*time.Minute),
		log:      logging.NewNopLogger(),
		metrics:  metrics.NopMetrics{},
	}
	for _, fn := range o {
		fn(a)
	}
	if a.sink == nil {
		a.sink = AlertSinkFn(func(_ context.Context, alert Alert) {
			a.log.Info("operations alert",
				"severity", alert.Severity,
				"tenantId", alert.TenantID,
				"providerId", alert.ProviderID,
				"kind", string(alert.Kind),
				"message", alert.Message,
				"retryCount", alert.RetryCount,
				"recommendedAction", alert.RecommendedAction,
			)
		})
	}
	return a
}

// Failure emits an alert for a failed operation, unless one for the same
// (tenant, provider, kind) fired inside the cooldown window. It returns
// whether an alert was delivered.
func (a *Alerter) Failure(ctx context.Context, tenantID, providerID string, err error, retryCount int) bool {
	kind := xerrors.KindOf(err)
	key := tenantID + "/" + providerID + "/" + string(kind)
	if _, suppressed := a.cooldown.Get(key); suppressed {
		return false
	}
	a.cooldown.SetDefault(key, struct{}{})

	alert := Alert{
		Severity:          severityFor(kind, providerCode(err)),
		TenantID:          tenantID,
		ProviderID:        providerID,
		Kind:              kind,
		RetryCount:        retryCount,
		RecommendedAction: RecommendedAction(kind, providerCode(err)),
	}
	if err != nil {
		alert.Message = err.Error()
	}

	a.sink.Deliver(ctx, alert)
	a.metrics.IncAlert(tenantID, providerID, string(kind))
	return true
}

// RecommendedAction suggests the operator's next step for an error kind.
func RecommendedAction(kind xerrors.Kind, providerCode string) string {
	switch providerCode {
	case CodeQuotaExceeded:
		return "raise the provider-side API quota or reduce the sync interval"
	case CodeAccountDisabled:
		return "re-enable the service account in the provider admin console"
	}
	switch kind {
	case xerrors.KindUnauthorized:
		return "refresh credentials in secret store"
	case xerrors.KindForbidden:
		return "verify the integration's granted scopes with the provider"
	case xerrors.KindRateLimitExceeded:
		return "lower the sync frequency or request a higher provider rate limit"
	case xerrors.KindServerUnavailable, xerrors.KindTimeout:
		return "check provider status page; retries have been exhausted"
	default:
		return "inspect the error log for this tenant and provider"
	}
}

func severityFor(kind xerrors.Kind, providerCode string) string {
	if providerCode == CodeQuotaExceeded || providerCode == CodeAccountDisabled {
		return SeverityCritical
	}
	switch kind {
	case xerrors.KindUnauthorized, xerrors.KindForbidden:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

func providerCode(err error) string {
	if te, ok := xerrors.AsError(err); ok {
		return te.ProviderErrorCode
	}
	return ""
}
