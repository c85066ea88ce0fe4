// Command primary runs the signalhub primary: the authoritative registry of
// connections, users and groups, the query API, and the IPC hub the workers
// attach to. With primary.workerCount > 0 it also spawns and supervises the
// worker processes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/api"
	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/config"
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/primary"
)

func main() {
	configName := flag.String("config", "signalhub", "config file name, without extension")
	flag.Parse()

	cfg, err := config.Load(*configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "primary: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "primary: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("process", "primary").Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("primary failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workers := primary.NewWorkerRegistry()
	coord := primary.NewCoordinator(workers, logger)
	coord.Bootstrap(cfg.Primary.DefaultGroups)

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		coord.Run(ctx)
	}()

	monitor := primary.NewHealthMonitor(cfg.Primary.HealthInterval, logger)
	monitor.SetOnUnhealthy(func(id int) {
		if workers.Evict(id) {
			logger.Warn().Int("worker_id", id).Msg("evicted unhealthy worker")
		}
	})
	go monitor.Start(ctx, workers.All)
	defer monitor.Stop()

	linkOpts := ipc.LinkOptions{
		WriteTimeout: cfg.Worker.WriteTimeout,
		PingInterval: cfg.Worker.PingInterval,
	}
	hub := primary.NewHub(coord, workers, linkOpts, logger)

	router := api.NewRouter(api.Options{
		AllowedOrigins: cfg.Primary.AllowedOrigins,
		Workers:        func() []cluster.WorkerStatus { return monitor.Statuses(workers.All()) },
		IPC:            hub,
	}, coord, logger)

	srv := &http.Server{
		Addr:              cfg.Primary.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Primary.Listen).Bool("tls", cfg.TLS.Enabled).Msg("primary listening")
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sup := primary.NewSupervisor(primary.SupervisorOptions{
		Binary:     cfg.Primary.WorkerBinary,
		Count:      cfg.Primary.WorkerCount,
		BasePort:   cfg.Primary.WorkerBasePort,
		PrimaryURL: ipcURL(cfg.Primary.Listen, cfg.TLS.Enabled),
	}, logger)
	if err := sup.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		sup.Wait()
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	sup.Wait()
	<-coordDone
	logger.Info().Msg("primary stopped")
	return nil
}

// ipcURL is the loopback address spawned workers dial to reach this
// process's IPC endpoint.
func ipcURL(listen string, tls bool) string {
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = "9191"
	}
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://127.0.0.1:%s/ipc", scheme, port)
}
