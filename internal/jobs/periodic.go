package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default periodic job settings.
const (
	DefaultInterval = time.Hour
	DefaultTimeout  = 5 * time.Minute
)

// RunFunc performs one cycle of a periodic job and returns the number of
// items it affected.
type RunFunc func(ctx context.Context) (int64, error)

// PeriodicConfig configures a periodic job.
type PeriodicConfig struct {
	// JobType labels logs and metrics (e.g., JobTypeAuditPurge).
	JobType string
	// Interval is the duration between cycles.
	Interval time.Duration
	// Timeout bounds each cycle.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics // Optional
}

// Periodic runs a job immediately on start and then at every interval until stopped.
type Periodic struct {
	config PeriodicConfig
	run    RunFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodic creates a periodic job.
func NewPeriodic(config PeriodicConfig, run RunFunc) *Periodic {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Periodic{config: config, run: run}
}

// JobType returns the label the job reports under.
func (p *Periodic) JobType() string { return p.config.JobType }

// Start begins the periodic job.
// Returns immediately; the job runs in a background goroutine.
func (p *Periodic) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop signals the job to stop and waits for the current cycle to finish.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (p *Periodic) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.config.Logger.Info("periodic job stopping due to context cancellation",
				"job_type", p.config.JobType)
			return
		case <-p.stopCh:
			p.config.Logger.Info("periodic job stopping due to stop signal",
				"job_type", p.config.JobType)
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle synchronously.
func (p *Periodic) RunOnce(parent context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(parent, p.config.Timeout)
	defer cancel()

	start := time.Now()
	n, err := p.run(ctx)
	duration := time.Since(start).Seconds()

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		p.config.Logger.Error("periodic job failed",
			"job_type", p.config.JobType,
			"error", err)
	} else if n > 0 {
		p.config.Logger.Info("periodic job completed",
			"job_type", p.config.JobType,
			"affected", n,
			"duration_seconds", duration)
	}

	if p.config.Metrics != nil {
		p.config.Metrics.IncJobsTotal(p.config.JobType, status)
		p.config.Metrics.ObserveJobDuration(p.config.JobType, duration)
		if err != nil {
			p.config.Metrics.IncJobErrors(p.config.JobType, "run_error")
		}
	}
	return n, err
}
