package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fleetdispatch/internal/api"
	"fleetdispatch/internal/auth"
	"fleetdispatch/internal/buildinfo"
	"fleetdispatch/internal/logging"
	"fleetdispatch/internal/seed"
	"fleetdispatch/internal/sweep"
	"fleetdispatch/internal/telemetry"
	"fleetdispatch/internal/webhooks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with sweeps, webhook delivery and MQTT intake",
	RunE:  serve,
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log

	if cfg.SeedFile != "" {
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		sum, err := f.Apply(ctx, a.svc)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		log.Info().Int("drivers", sum.Drivers).Int("vehicles", sum.Vehicles).Int("zones", sum.Zones).Msg("seed applied")
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	if verifier.Mode() == "dev" {
		log.Warn().Msg("auth mode dev: tokens are not verified")
	}
	scheduler, err := sweep.NewScheduler(cfg.Alerts, a.svc, logging.Component(log, "sweep"))
	if err != nil {
		return err
	}
	server := api.NewServer(a.svc, verifier, cfg.RateLimit, logging.Component(log, "http"))
	defer server.Close()
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("version", buildinfo.Version).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	if a.publisher != nil {
		worker := webhooks.NewWorker(a.store, cfg.Webhooks, logging.Component(log, "webhooks"))
		g.Go(func() error { return worker.Run(gctx) })
	}
	if cfg.MQTT.Enabled() {
		sub := telemetry.NewSubscriber(cfg.MQTT, a.svc, logging.Component(log, "mqtt"))
		g.Go(func() error { return sub.Run(gctx) })
	}

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}
