// Command worker runs one signalhub worker. It accepts client websockets,
// attaches to the primary over IPC, and routes signaling frames. A worker is
// normally spawned by the primary, which passes its id and ports through
// SIGNALHUB_WORKER_* variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/config"
	"github.com/dreamware/signalhub/internal/ipc"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/worker"
)

func main() {
	configName := flag.String("config", "signalhub", "config file name, without extension")
	flag.Parse()

	cfg, err := config.Load(*configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("process", "worker").Int("worker_id", cfg.Worker.ID).Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := worker.NewNode(worker.NodeOptions{
		ID:                  cfg.Worker.ID,
		ServerName:          cfg.Server.Name,
		RegistrationTimeout: cfg.Worker.RegistrationTimeout,
	}, logger)
	nodeDone := make(chan struct{})
	go func() {
		defer close(nodeDone)
		node.Run(ctx)
	}()

	server := worker.NewServer(node, worker.SocketOptions{
		WriteTimeout: cfg.Worker.WriteTimeout,
		PingInterval: cfg.Worker.PingInterval,
		ReadLimit:    cfg.Worker.ReadLimit,
		SendBuffer:   cfg.Worker.SendBuffer,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Worker.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.Worker.Listen).Msg("worker listening")
		var err error
		if cfg.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	linkDone := make(chan struct{})
	go func() {
		defer close(linkDone)
		hello := ipc.Hello{WorkerID: cfg.Worker.ID, Addr: cfg.Worker.PublicAddr}
		linkOpts := ipc.LinkOptions{WriteTimeout: cfg.Worker.WriteTimeout, PingInterval: cfg.Worker.PingInterval}
		err := worker.RunPrimaryLink(ctx, node, cfg.Worker.PrimaryURL, hello, linkOpts, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("primary link: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	<-linkDone
	<-nodeDone
	logger.Info().Msg("worker stopped")
	return runErr
}
