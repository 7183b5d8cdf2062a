// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/transport"
)

// DefaultWebhookTimeout bounds a single alert delivery.
const DefaultWebhookTimeout = 10 * time.Second

// A WebhookSink delivers alerts to an operator-supplied HTTP endpoint as a
// JSON POST. Delivery is best effort; a failed POST is logged and dropped
// rather than retried, because the alerter's cooldown would suppress the
// retry anyway.
type WebhookSink struct {
	url    string
	client *http.Client
	log    logging.Logger
}

// A WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookClient overrides the HTTP client used for deliveries.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) { s.client = c }
}

// WithWebhookLogger specifies how the sink should log delivery failures.
func WithWebhookLogger(log logging.Logger) WebhookOption {
	return func(s *WebhookSink) { s.log = log }
}

// NewWebhookSink creates a sink that POSTs alerts to the supplied URL.
func NewWebhookSink(url string, o ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout:   DefaultWebhookTimeout,
			Transport: transport.NewUserAgent(http.DefaultTransport, transport.DefaultUserAgent),
		},
		log: logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Deliver implements AlertSink.
func (s *WebhookSink) Deliver(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		s.log.Info("cannot marshal alert", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Info("cannot build alert webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := s.client.Do(req)
	if err != nil {
		s.log.Info("cannot deliver alert webhook",
			"tenantId", a.TenantID, "providerId", a.ProviderID, "error", err)
		return
	}
	defer rsp.Body.Close() //nolint:errcheck // Nothing useful to do with this error.
	if rsp.StatusCode >= http.StatusMultipleChoices {
		s.log.Info("alert webhook rejected",
			"tenantId", a.TenantID, "providerId", a.ProviderID, "status", rsp.StatusCode)
	}
}
