package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/bridge"
	"github.com/agentplexus/omnivoice-pbx/codec"
	"github.com/agentplexus/omnivoice-pbx/internal/config"
	"github.com/agentplexus/omnivoice-pbx/internal/metrics"
	"github.com/agentplexus/omnivoice-pbx/session"
	"github.com/agentplexus/omnivoice-pbx/store"
	"github.com/agentplexus/omnivoice-pbx/transport"
)

const shutdownTimeout = 30 * time.Second

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	var audioLn net.Listener
	if cfg.AudioSocket.Addr != "" {
		if audioLn, err = net.Listen("tcp", cfg.AudioSocket.Addr); err != nil {
			return fmt.Errorf("audiosocket listen: %w", err)
		}
		defer func() { _ = audioLn.Close() }()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rec := store.NewReconciler(db,
		store.WithReconcilerLogger(logger),
		store.WithReconcilerMetrics(m),
	)
	if err := rec.Start(ctx, cfg.Store.ReconcileSchedule); err != nil {
		return fmt.Errorf("invalid store.reconcile_schedule: %w", err)
	}

	p, err := newPipeline(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	personas, err := loadPersonas(cfg, logger)
	if err != nil {
		return err
	}
	regOpts, err := registryOptions(cfg, p, rec, personas, m, logger)
	if err != nil {
		return err
	}
	registry, err := session.NewRegistry(regOpts...)
	if err != nil {
		return err
	}

	enc, err := codec.ParseEncoding(cfg.AudioSocket.Encoding)
	if err != nil {
		return err
	}
	srv := bridge.New(registry,
		bridge.WithPersonas(personas),
		bridge.WithStreamOptions(
			transport.WithEncoding(enc),
			transport.WithSampleRate(cfg.AudioSocket.SampleRate),
			transport.WithPacing(cfg.AudioSocket.Pacing),
		),
		bridge.WithLogger(logger),
		bridge.WithMetrics(m),
	)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
		registry.SweepStale(cfg.Session.StaleAfter)
	}); err != nil {
		return fmt.Errorf("invalid session.sweep_schedule: %w", err)
	}
	sweeper.Start()

	media := transport.NewMediaStreams(
		transport.WithAccountSID(cfg.Signaling.Twilio.AccountSID),
		transport.WithAuthToken(cfg.Signaling.Twilio.AuthToken),
		transport.WithPublicURL(cfg.HTTP.PublicURL),
		transport.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.HTTP.AudioStreamPath, srv.AudioStreamHandler())
	mux.Handle(cfg.HTTP.MediaStreamPath, media.Handler(cfg.HTTP.MediaStreamPath))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", healthHandler(db, registry, rec))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if audioLn != nil {
		g.Go(func() error { return srv.ServeAudioSocket(gctx, audioLn) })
	}
	g.Go(func() error { return srv.ServeMediaStreams(gctx, media, cfg.HTTP.MediaStreamPath) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, httpServer.Shutdown(sctx))
		errs = append(errs, srv.Shutdown(sctx))
		<-sweeper.Stop().Done()
		rec.Stop(sctx)
		if n := rec.Pending(); n > 0 {
			logger.Warn("call record writes lost at shutdown", "count", n)
		}
		errs = append(errs, media.Close())
		return errors.Join(errs...)
	})

	logger.Info("bridge started",
		"version", pbx.Version,
		"signaling", cfg.Signaling.Backend,
		"store", cfg.Dialect(),
		"audiosocket", cfg.AudioSocket.Addr,
	)
	return g.Wait()
}

func healthHandler(db *store.SQL, registry *session.Registry, rec *store.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.DB().PingContext(ctx); err != nil {
			slog.Warn("health check: store unreachable", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         status,
			"sessions":       registry.Len(),
			"pending_writes": rec.Pending(),
		})
	}
}
