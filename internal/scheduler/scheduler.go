package scheduler

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/weather-data-aggregation/internal/observability"
	"github.com/i474232898/weather-data-aggregation/internal/store"
)

// DefaultInterval is how often expired producers are swept.
const DefaultInterval = 5 * time.Second

// Sweeper is anything that can run one expiry pass.
type Sweeper interface {
	Sweep() store.SweepResult
}

// Scheduler periodically sweeps expired producers out of a record store.
type Scheduler struct {
	scheduler *gocron.Scheduler
	sweeper   Sweeper
	interval  time.Duration
	metrics   *observability.Metrics
}

// New creates a new Scheduler.
func New(interval time.Duration, sweeper Sweeper, metrics *observability.Metrics) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		sweeper:   sweeper,
		interval:  interval,
		metrics:   metrics,
	}
}

// Start schedules the sweep job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	interval := s.interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	_, err := s.scheduler.Every(interval).Do(s.run)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	log.Printf("scheduler: sweeping expired producers every %s", interval)
	return nil
}

func (s *Scheduler) run() {
	start := time.Now()
	res := s.sweeper.Sweep()

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		s.metrics.ExpiredRecords.Add(float64(res.RemovedRecords))
	}
	if len(res.ExpiredSources) > 0 {
		log.Printf("scheduler: expired %d producers, removed %d records and %d stations",
			len(res.ExpiredSources), res.RemovedRecords, res.RemovedStations)
	}
}

// Stop stops the scheduler and cancels any future sweeps.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
