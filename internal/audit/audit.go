// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package audit emits structured audit records for every gateway operation
// and operations alerts for failures that need human attention.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// Outcomes of an audited operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// RedactedValue replaces sensitive payload fields in audit output.
const RedactedValue = "[REDACTED]"

// A Record describes one operation, successful or not.
type Record struct {
	OperationType     string
	ResourceType      string
	ResourceID        string
	TenantID          string
	ProviderID        string
	ActorID           string
	AdapterID         string
	Outcome           string
	Duration          time.Duration
	ProviderErrorCode string
	ErrorMessage      string
	CorrelationID     string
}

// A Recorder persists audit records. The gateway core only requires the
// ability to emit; storage is the surface layer's concern.
type Recorder interface {
	Record(ctx context.Context, r Record)
}

// A RecorderFn records audit records.
type RecorderFn func(ctx context.Context, r Record)

// Record calls fn.
func (fn RecorderFn) Record(ctx context.Context, r Record) {
	fn(ctx, r)
}

// A LogRecorder emits audit records to a structured logger.
type LogRecorder struct {
	log logging.Logger
}

// NewLogRecorder creates a recorder that writes to the supplied logger.
func NewLogRecorder(log logging.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

// Record emits one audit record.
func (r *LogRecorder) Record(_ context.Context, rec Record) {
	r.log.Info("audit",
		"operationType", rec.OperationType,
		"resourceType", rec.ResourceType,
		"resourceId", rec.ResourceID,
		"tenantId", rec.TenantID,
		"providerId", rec.ProviderID,
		"actorId", rec.ActorID,
		"adapterId", rec.AdapterID,
		"outcome", rec.Outcome,
		"durationMs", rec.Duration.Milliseconds(),
		"providerErrorCode", rec.ProviderErrorCode,
		"errorMessage", rec.ErrorMessage,
		"correlationId", rec.CorrelationID,
	)
}

// NopRecorder discards audit records.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(_ context.Context, _ Record) {}

// sensitiveFields are payload keys whose values never reach audit output.
var sensitiveFields = []string{"password", "secret", "token", "credential", "apikey", "api_key", "authorization"}

// Redact returns a copy of the supplied payload with sensitive fields
// masked. Nested maps are redacted recursively.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSensitive(k) {
			out[k] = RedactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	lk := strings.ToLower(key)
	for _, f := range sensitiveFields {
		if strings.Contains(lk, f) {
			return true
		}
	}
	return false
}
