package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lukasbauer/negocia/internal/registry"
)

// Sweeper is the registry capability the sweep job drives.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) registry.SweepResult
}

// SweepJob periodically advances session lifecycles.
// It runs on a configurable interval (default: 15 seconds) and:
// - Moves stale active sessions to idle
// - Closes sessions idle past the auto-close window
// - Evicts closed sessions past retention, exporting them first
type SweepJob struct {
	registry Sweeper
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweepJob creates a new sweep job.
func NewSweepJob(r Sweeper, logger *log.Logger, interval time.Duration) *SweepJob {
	if interval == 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SweepJob{
		registry: r,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *SweepJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("SweepJob: started (interval=%v)", j.interval)
}

// Stop gracefully stops the background job. An in-flight sweep finishes the
// session it is working on and then returns.
func (j *SweepJob) Stop() {
	j.cancel()
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("SweepJob: stopped")
}

// Run blocks running sweeps until ctx is done, then stops the job.
func (j *SweepJob) Run(ctx context.Context) error {
	j.Start()
	<-ctx.Done()
	j.Stop()
	return nil
}

func (j *SweepJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *SweepJob) sweep() {
	res := j.registry.Sweep(j.ctx, j.now())
	if res.Failed > 0 {
		j.logger.Printf("SweepJob: %d evictions failed, will retry", res.Failed)
	}
}
