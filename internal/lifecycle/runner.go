package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"classroll/internal/clock"
)

// RunnerConfig holds the tick intervals.
type RunnerConfig struct {
	TickInterval      time.Duration
	RetentionInterval time.Duration
}

// Runner drives a Job on a ticker: a lifecycle tick immediately and every TickInterval,
// and a retention sweep immediately and every RetentionInterval.
type Runner struct {
	job   *Job
	clock clock.Clock
	cfg   RunnerConfig
	log   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRunner(job *Job, clk clock.Clock, cfg RunnerConfig, log zerolog.Logger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Minute
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	return &Runner{job: job, clock: clk, cfg: cfg, log: log}
}

// Start launches the loop in the background.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("lifecycle runner already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.log.Info().
		Dur("tick_interval", r.cfg.TickInterval).
		Dur("retention_interval", r.cfg.RetentionInterval).
		Msg("starting lifecycle runner")
	go r.run(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Info().Msg("lifecycle runner stopped")
	return nil
}

// Serve implements suture.Service.
func (r *Runner) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.doneCh:
	}
	_ = r.Stop()
	return ctx.Err()
}

func (r *Runner) String() string { return "lifecycle-runner" }

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	sweeper := time.NewTicker(r.cfg.RetentionInterval)
	defer sweeper.Stop()

	r.Tick(ctx)
	r.Sweep(ctx)

	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case <-sweeper.C:
			r.Sweep(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one lifecycle tick at the clock's current time.
func (r *Runner) Tick(ctx context.Context) Result {
	res, err := r.job.AdvanceLifecycle(ctx, r.clock.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("lifecycle tick finished with errors")
	}
	return res
}

// Sweep runs the retention sweep at the clock's current time.
func (r *Runner) Sweep(ctx context.Context) {
	if _, err := r.job.SweepRetention(ctx, r.clock.Now()); err != nil {
		r.log.Error().Err(err).Msg("retention sweep failed")
	}
}
