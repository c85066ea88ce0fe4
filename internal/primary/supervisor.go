package primary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/logging"
)

// SupervisorOptions describes the worker processes to run.
type SupervisorOptions struct {
	Binary     string   // path to the worker executable
	Count      int      // number of workers, ids 1..Count
	BasePort   int      // worker i listens on BasePort+i-1
	PrimaryURL string   // IPC endpoint the workers dial
	Env        []string // extra environment, appended after os.Environ
}

// Supervisor spawns the worker processes and restarts any that exit while
// its context is live. Each worker is configured entirely through
// SIGNALHUB_WORKER_* variables.
type Supervisor struct {
	opts SupervisorOptions
	log  zerolog.Logger
	wg   sync.WaitGroup
}

// NewSupervisor returns a supervisor for opts.Count worker processes.
func NewSupervisor(opts SupervisorOptions, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts: opts,
		log:  logging.Component(logger, "supervisor"),
	}
}

// Start launches every worker and returns. Canceling ctx kills them; Wait
// blocks until they are all gone.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.opts.Count <= 0 {
		return nil
	}
	path, err := exec.LookPath(s.opts.Binary)
	if err != nil {
		return fmt.Errorf("worker binary: %w", err)
	}
	for id := 1; id <= s.opts.Count; id++ {
		s.wg.Add(1)
		go s.keepRunning(ctx, path, id)
	}
	s.log.Info().Int("workers", s.opts.Count).Str("binary", path).Msg("workers launched")
	return nil
}

// Wait blocks until every restart loop has stopped, which happens once the
// context passed to Start is done.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) keepRunning(ctx context.Context, path string, id int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker_id", id).Logger()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := s.run(ctx, path, id)
		if ctx.Err() != nil {
			log.Info().Msg("worker stopped")
			return
		}
		// A worker that stayed up for a while gets a fresh backoff.
		if time.Since(started) > policy.MaxInterval {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		log.Warn().Err(err).Dur("restart_in", wait).Msg("worker exited")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) run(ctx context.Context, path string, id int) error {
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env, s.workerEnv(id)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", id, err)
	}
	err := cmd.Wait()
	if err == nil {
		return errors.New("exited with status 0")
	}
	return err
}

// workerEnv is the configuration handed to worker id.
func (s *Supervisor) workerEnv(id int) []string {
	port := s.opts.BasePort + id - 1
	return []string{
		fmt.Sprintf("SIGNALHUB_WORKER_ID=%d", id),
		fmt.Sprintf("SIGNALHUB_WORKER_LISTEN=:%d", port),
		fmt.Sprintf("SIGNALHUB_WORKER_PUBLICADDR=http://127.0.0.1:%d", port),
		fmt.Sprintf("SIGNALHUB_WORKER_PRIMARYURL=%s", s.opts.PrimaryURL),
	}
}
