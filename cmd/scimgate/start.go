// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/scimgate/scimgate/internal/adapter"
	"github.com/scimgate/scimgate/internal/adapter/mock"
	"github.com/scimgate/scimgate/internal/adapter/registry"
	"github.com/scimgate/scimgate/internal/admission"
	"github.com/scimgate/scimgate/internal/audit"
	"github.com/scimgate/scimgate/internal/config"
	"github.com/scimgate/scimgate/internal/drift"
	"github.com/scimgate/scimgate/internal/feature"
	"github.com/scimgate/scimgate/internal/metrics"
	"github.com/scimgate/scimgate/internal/poll"
	"github.com/scimgate/scimgate/internal/reconcile"
	"github.com/scimgate/scimgate/internal/syncstate"
	"github.com/scimgate/scimgate/internal/transform"
)

// startCmd runs the sync daemon: it registers the configured adapters,
// loads each tenant's transformation rules, and polls every configured
// (tenant, provider) pair until interrupted. The SCIM HTTP surface embeds
// the gateway package separately.
type startCmd struct {
	Config       string        `short:"c" default:"/etc/scimgate/config.yaml" help:"Path to the scimgate config file."`
	MetricsAddr  string        `default:":8090" help:"Address for the metrics and health listener. Empty disables it."`
	PollInterval time.Duration `default:"1m" help:"How often workers check whether a sync is due."`
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func (c *startCmd) Run(log logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, c.Config)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	flags := &feature.Flags{}
	var store admission.Store = admission.NewLocalStore()
	if cfg.RateLimit.EnablePerActorLimits {
		flags.Enable(feature.FlagEnablePerActorLimits)
	}
	if cfg.Redis.Address != "" {
		flags.Enable(feature.FlagEnableDistributedLimits)
		store = admission.NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	}
	limiter := admission.NewLimiter(cfg.LimiterOptions(),
		admission.WithStore(store),
		admission.WithFlags(flags),
		admission.WithLogger(log),
		admission.WithMetrics(m))
	lockouts := admission.NewLockoutTracker(cfg.LockoutOptions())

	recorder := audit.NewLogRecorder(log)
	alertOpts := []audit.AlerterOption{audit.WithLogger(log), audit.WithMetrics(m)}
	if cfg.Alerting.WebhookURL != "" {
		alertOpts = append(alertOpts, audit.WithAlertSink(
			audit.NewWebhookSink(cfg.Alerting.WebhookURL, audit.WithWebhookLogger(log))))
	}
	if cfg.Alerting.Cooldown > 0 {
		alertOpts = append(alertOpts, audit.WithCooldown(time.Duration(cfg.Alerting.Cooldown)))
	}
	alerter := audit.NewAlerter(alertOpts...)

	reg := registry.New(registry.WithLogger(log))
	for _, ac := range cfg.Adapters {
		bounded := adapter.NewBounded(mock.NewAdapter(mock.WithConfig(ac)), ac,
			adapter.WithAuditRecorder(recorder),
			adapter.WithMetrics(m),
			adapter.WithLogger(log))
		if err := reg.Register(ac, bounded); err != nil {
			return err
		}
	}

	engine := transform.NewEngine(transform.WithLogger(log))
	for _, tr := range cfg.Rules {
		if err := engine.SetRules(tr.TenantID, tr.ProviderID, tr.Rules); err != nil {
			return err
		}
	}

	states := syncstate.NewStore(fs, cfg.Sync.StateDir)
	providers := make([]string, 0, len(cfg.Adapters))
	for _, ac := range cfg.Adapters {
		providers = append(providers, ac.ProviderID)
	}
	srv := newGatewayServer(reg, limiter, lockouts, engine, states, providers, m, log)

	workers := make([]*poll.Worker, 0, len(cfg.Sync.Pairs))
	for _, p := range cfg.Sync.Pairs {
		a, err := reg.Get(p.TenantID, p.ProviderID)
		if err != nil {
			return err
		}
		r := reconcile.NewReconciler(a,
			reconcile.WithStrategy(cfg.Sync.Strategy),
			reconcile.WithDirection(cfg.Sync.Direction),
			reconcile.WithLogger(log))
		w := poll.NewWorker(p.TenantID, p.ProviderID, a, lastKnownSource(states, p.ProviderID), states, r,
			poll.Settings{Interval: cfg.Sync.Interval(), MaxRetries: cfg.Sync.MaxRetries},
			poll.WithLogger(log),
			poll.WithMetrics(m),
			poll.WithAlerter(alerter))
		workers = append(workers, w)
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", srv.healthz)
		hs := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Info("metrics listener failed", "error", err)
			}
		}()
		defer hs.Shutdown(context.Background()) //nolint:errcheck // Best effort on the way out.
	}

	reg.Refresh(ctx)
	log.Info("scimgate started",
		"adapters", len(cfg.Adapters), "syncPairs", len(workers),
		"interval", cfg.Sync.Interval().String(), "stateDir", cfg.Sync.StateDir)

	svc := poll.NewService(c.PollInterval, workers, poll.WithServiceLogger(log))
	go func() {
		<-ctx.Done()
		svc.Stop()
	}()
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scimgate stopped")
	return nil
}

// lastKnownSource treats the persisted snapshot as the upstream side of the
// three-way compare. Between upstream pushes the upstream is by definition
// unchanged, so the poll loop detects and reverts provider-side drift only.
func lastKnownSource(states *syncstate.Store, providerID string) poll.Source {
	return poll.SourceFn(func(_ context.Context, tenantID string) (drift.Snapshot, error) {
		st, err := states.Load(tenantID, providerID)
		if err != nil {
			return drift.Snapshot{}, err
		}
		return st.LastKnown, nil
	})
}
