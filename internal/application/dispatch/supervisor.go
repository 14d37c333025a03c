package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultJoinTimeout bounds how long shutdown waits for workers to drain.
const DefaultJoinTimeout = 5 * time.Second

// WorkerFactory builds a worker bound to its own dedicated store connection.
// The returned cleanup releases that connection.
type WorkerFactory func(ctx context.Context, name string) (*Worker, func(), error)

// SupervisorConfig holds supervision settings.
type SupervisorConfig struct {
	// Workers is the number of dispatch loops to run.
	Workers int

	// JoinTimeout bounds the wait for workers after the stop signal.
	JoinTimeout time.Duration

	// RestartOnCrash re-creates a crashed worker with exponential pacing.
	// Off by default: a crashed worker then simply reduces throughput until
	// the process is restarted externally.
	RestartOnCrash bool
}

// Supervisor runs a fixed set of named workers and coordinates their
// shutdown. Workers share nothing but the stop signal carried by ctx; each
// gets its own store connection from the factory.
type Supervisor struct {
	factory WorkerFactory
	cfg     SupervisorConfig
	log     *slog.Logger
}

func NewSupervisor(factory WorkerFactory, cfg SupervisorConfig) *Supervisor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Supervisor{
		factory: factory,
		cfg:     cfg,
		log:     slog.Default().With("worker", "main"),
	}
}

// Run starts the workers and blocks until either every worker has exited on
// its own or ctx is cancelled, in which case the join is bounded by
// JoinTimeout. Always returns nil so a clean shutdown maps to exit code 0.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "starting workers", "count", s.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%02d-pid%d", i, os.Getpid())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.superviseWorker(ctx, name)
		}()
		s.log.InfoContext(ctx, "started worker", "name", name)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.log.InfoContext(ctx, "all workers have exited")
	case <-ctx.Done():
		s.log.InfoContext(ctx, "stop signal received, waiting for workers")
		select {
		case <-finished:
			s.log.InfoContext(ctx, "all workers stopped")
		case <-time.After(s.cfg.JoinTimeout):
			s.log.WarnContext(ctx, "timed out waiting for workers to stop", "timeout", s.cfg.JoinTimeout)
		}
	}
	return nil
}

// superviseWorker keeps one worker slot alive. A crash either ends the slot
// or, with RestartOnCrash, re-creates the worker after an exponential pause.
func (s *Supervisor) superviseWorker(ctx context.Context, name string) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // pace restarts for the life of the process

	for {
		err := s.runWorker(ctx, name)
		if err == nil || ctx.Err() != nil {
			return
		}

		if !s.cfg.RestartOnCrash {
			s.log.ErrorContext(ctx, "worker crashed, not restarting", "name", name, "error", err)
			return
		}

		wait := bo.NextBackOff()
		s.log.ErrorContext(ctx, "worker crashed, restarting", "name", name, "error", err, "restart_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runWorker builds one worker via the factory and runs it to completion,
// converting panics into errors so the supervisor owns the restart decision.
func (s *Supervisor) runWorker(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v\n%s", r, debug.Stack())
		}
	}()

	w, cleanup, err := s.factory(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	defer cleanup()

	return w.Run(ctx)
}
