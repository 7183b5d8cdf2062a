// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package adapter_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/adapter/mock"
	"github.com/scimgate/scimgate/internal/audit"
	"github.com/scimgate/scimgate/internal/scim"
	"github.com/scimgate/scimgate/internal/tenant"
	"github.com/scimgate/scimgate/internal/xerrors"
)

// failing wraps the mock adapter and fails GetUser a configurable way,
// counting how often the call actually reaches it.
type failing struct {
	*mock.Adapter
	calls int
	err   error
	block bool
}

func (f *failing) GetUser(ctx context.Context, id string) (*scim.User, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, f.err
}

func TestBoundedTripsBreakerOnRetryableFailures(t *testing.T) {
	inner := &failing{
		Adapter: mock.NewAdapter(),
		err:     xerrors.Wrap(errors.New("503 from provider"), xerrors.KindServerUnavailable, adapter.OpGetUser),
	}
	b := adapter.NewBounded(inner, adapter.Config{ProviderID: "flaky-prod"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.GetUser(ctx, "u1"); err == nil {
			t.Fatalf("GetUser(%d): expected failure", i)
		}
	}
	if inner.calls != 5 {
		t.Fatalf("want 5 provider calls before the breaker opens, got %d", inner.calls)
	}

	// The open breaker sheds the next call without touching the provider.
	_, err := b.GetUser(ctx, "u1")
	if got := xerrors.KindOf(err); got != xerrors.KindServerUnavailable {
		t.Errorf("GetUser(open breaker): want kind %q, got %q", xerrors.KindServerUnavailable, got)
	}
	if !xerrors.IsRetryable(err) {
		t.Errorf("GetUser(open breaker): want retryable error")
	}
	if !strings.Contains(err.Error(), "circuit breaker") {
		t.Errorf("GetUser(open breaker): want breaker message, got %q", err.Error())
	}
	if inner.calls != 5 {
		t.Errorf("GetUser(open breaker): provider should not be called, got %d calls", inner.calls)
	}
}

func TestBoundedClientErrorsDoNotTrip(t *testing.T) {
	inner := &failing{
		Adapter: mock.NewAdapter(),
		err:     xerrors.New(xerrors.KindUniqueness, adapter.OpGetUser, "duplicate"),
	}
	b := adapter.NewBounded(inner, adapter.Config{ProviderID: "mock-prod"})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := b.GetUser(ctx, "u1"); xerrors.KindOf(err) != xerrors.KindUniqueness {
			t.Fatalf("GetUser(%d): want Uniqueness passthrough, got %v", i, err)
		}
	}
	if inner.calls != 10 {
		t.Errorf("client errors must not open the breaker; want 10 calls, got %d", inner.calls)
	}
}

func TestBoundedTimeout(t *testing.T) {
	inner := &failing{Adapter: mock.NewAdapter(), block: true}
	b := adapter.NewBounded(inner, adapter.Config{
		ProviderID:     "slow-prod",
		RequestTimeout: 20 * time.Millisecond,
	})

	_, err := b.GetUser(context.Background(), "u1")
	if got := xerrors.KindOf(err); got != xerrors.KindTimeout {
		t.Errorf("GetUser(slow): want kind %q, got %q (err: %v)", xerrors.KindTimeout, got, err)
	}
	if !xerrors.IsRetryable(err) {
		t.Errorf("GetUser(slow): want retryable error")
	}
}

func TestBoundedAttributesErrors(t *testing.T) {
	inner := &failing{Adapter: mock.NewAdapter(), err: errors.New("wire exploded")}
	b := adapter.NewBounded(inner, adapter.Config{ProviderID: "mock-prod", ProviderName: "mock"})

	_, err := b.GetUser(context.Background(), "u1")
	te, ok := xerrors.AsError(err)
	if !ok {
		t.Fatalf("GetUser(): want typed error, got %v", err)
	}
	if te.Kind != xerrors.KindInternalError {
		t.Errorf("GetUser(): want kind %q, got %q", xerrors.KindInternalError, te.Kind)
	}
	if te.AdapterID != "mock-prod" || te.Provider != "mock" {
		t.Errorf("GetUser(): want adapter attribution, got provider=%q adapterId=%q", te.Provider, te.AdapterID)
	}
	if te.Operation != adapter.OpGetUser || te.ResourceID != "u1" {
		t.Errorf("GetUser(): want operation context, got op=%q resource=%q", te.Operation, te.ResourceID)
	}
}

func TestBoundedEmitsAuditRecords(t *testing.T) {
	var records []audit.Record
	rec := audit.RecorderFn(func(_ context.Context, r audit.Record) {
		records = append(records, r)
	})

	inner := mock.NewAdapter()
	b := adapter.NewBounded(inner, adapter.Config{ProviderID: "mock-prod"}, adapter.WithAuditRecorder(rec))

	ctx := tenant.NewContext(context.Background(), &tenant.Context{
		TenantID:      "acme",
		ActorID:       "svc-1",
		CorrelationID: "corr-1",
	})

	if _, err := b.CreateUser(ctx, scim.User{UserName: "ada@acme.test", Active: true}); err != nil {
		t.Fatalf("CreateUser(): unexpected error: %v", err)
	}
	if _, err := b.CreateUser(ctx, scim.User{UserName: "ada@acme.test", Active: true}); err == nil {
		t.Fatalf("CreateUser(duplicate): expected failure")
	}

	if len(records) != 2 {
		t.Fatalf("want 2 audit records, got %d", len(records))
	}
	first, second := records[0], records[1]
	if first.Outcome != audit.OutcomeSuccess || second.Outcome != audit.OutcomeFailure {
		t.Errorf("want success then failure, got %q then %q", first.Outcome, second.Outcome)
	}
	if first.TenantID != "acme" || first.ActorID != "svc-1" || first.CorrelationID != "corr-1" {
		t.Errorf("audit record missing tenant context: %+v", first)
	}
	if first.OperationType != adapter.OpCreateUser || first.AdapterID != "mock-prod" {
		t.Errorf("audit record missing operation context: %+v", first)
	}
	if second.ErrorMessage == "" {
		t.Errorf("failed operations must carry the error message")
	}
}

func TestBoundedClampsPageSize(t *testing.T) {
	inner := mock.NewAdapter(mock.WithCapabilities(adapter.Capabilities{MaxPageSize: 2, SupportsSorting: true}))
	b := adapter.NewBounded(inner, adapter.Config{ProviderID: "mock-prod"})
	ctx := context.Background()

	for _, name := range []string{"a@t.test", "b@t.test", "c@t.test", "d@t.test"} {
		if _, err := inner.CreateUser(ctx, scim.User{UserName: name, Active: true}); err != nil {
			t.Fatalf("CreateUser(%s): unexpected error: %v", name, err)
		}
	}

	page, err := b.ListUsers(ctx, scim.QueryFilter{StartIndex: 1, Count: 1000})
	if err != nil {
		t.Fatalf("ListUsers(): unexpected error: %v", err)
	}
	if page.ItemsPerPage != 2 {
		t.Errorf("ListUsers(): want the page clamped to 2 items, got %d", page.ItemsPerPage)
	}
	if page.TotalResults != 4 {
		t.Errorf("ListUsers(): want 4 total results, got %d", page.TotalResults)
	}
}

func TestIdempotencyKeyStability(t *testing.T) {
	k1 := adapter.IdempotencyKey("acme", "mock-prod", adapter.OpUpdateUser, "u1", "req-1")
	k2 := adapter.IdempotencyKey("acme", "mock-prod", adapter.OpUpdateUser, "u1", "req-1")
	if k1 != k2 {
		t.Errorf("the same logical write must derive the same key: %q vs %q", k1, k2)
	}
	if k3 := adapter.IdempotencyKey("acme", "mock-prod", adapter.OpUpdateUser, "u2", "req-1"); k3 == k1 {
		t.Errorf("distinct resources must derive distinct keys")
	}
}
