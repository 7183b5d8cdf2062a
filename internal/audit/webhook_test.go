// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scimgate/scimgate/internal/xerrors"
)

func TestWebhookSinkDeliver(t *testing.T) {
	var (
		got       Alert
		userAgent string
		calls     int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		userAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode alert: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	want := Alert{
		Severity:          SeverityCritical,
		TenantID:          "acme",
		ProviderID:        "salesforce-prod",
		Kind:              xerrors.KindUnauthorized,
		Message:           "expired token",
		RetryCount:        2,
		RecommendedAction: "refresh credentials in secret store",
	}

	s := NewWebhookSink(srv.URL)
	s.Deliver(context.Background(), want)

	if calls != 1 {
		t.Fatalf("want 1 delivery, got %d", calls)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Deliver(...): -want, +got:\n%s", diff)
	}
	if !strings.HasPrefix(userAgent, "scimgate/") {
		t.Errorf("want scimgate User-Agent, got %q", userAgent)
	}
}

func TestWebhookSinkBestEffort(t *testing.T) {
	// The endpoint is down. Deliver must not panic or return anything; the
	// alerter treats the alert as delivered either way.
	s := NewWebhookSink("http://127.0.0.1:1/hooks/scimgate")
	s.Deliver(context.Background(), Alert{TenantID: "acme", ProviderID: "salesforce-prod"})
}
