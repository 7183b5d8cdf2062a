// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/adapter/registry"
	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/gateway"
	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/transform"
)

// A gatewayServer owns the assembled operation core. The SCIM resource
// controllers live in the embedding service; this binary only exposes the
// ops endpoints next to /metrics.
type gatewayServer struct {
	gw        *gateway.Gateway
	reg       *registry.Registry
	providers []string
	log       logging.Logger
}

func newGatewayServer(reg *registry.Registry, limiter *admission.Limiter, lockouts *admission.LockoutTracker, engine *transform.Engine, states *syncstate.Store, providers []string, m metrics.Metrics, log logging.Logger) *gatewayServer {
	gw := gateway.New(reg, limiter,
		gateway.WithLockouts(lockouts),
		gateway.WithTransformEngine(engine),
		gateway.WithStates(states),
		gateway.WithMetrics(m),
		gateway.WithLogger(log))
	return &gatewayServer{gw: gw, reg: reg, providers: providers, log: log}
}

// Gateway is the operation core for an embedding SCIM surface.
func (s *gatewayServer) Gateway() *gateway.Gateway {
	return s.gw
}

// healthz reports 200 when every enabled adapter's last probe was healthy,
// 503 otherwise, with the per-adapter detail as the body.
func (s *gatewayServer) healthz(w http.ResponseWriter, r *http.Request) {
	report := map[string]adapter.Health{}
	healthy := true
	for _, id := range s.providers {
		h, ok := s.reg.Health(id)
		if !ok || !h.Healthy {
			healthy = false
		}
		report[id] = h
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.log.Debug("cannot write health report", "error", err)
	}
}
