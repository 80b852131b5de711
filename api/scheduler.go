/*
scheduler.go - Automated snapshot scheduler

PURPOSE:
  Periodically checkpoints the previous UTC day so point-in-time queries
  replay at most a day of ledger activity.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checkpoints yesterday unless yesterday already has a checkpoint.
    Snapshots dated after yesterday are ignored by the check
  - Every checkpoint goes through Engine.CreateSnapshot and is audited in
    snapshot_logs like a manual one

CONFIGURATION:
  - scheduler.interval: How often to check (default: 1 hour)
  - scheduler.enabled:  Whether scheduler is active (default: false)

USAGE:
  scheduler := NewSnapshotScheduler(handler.Engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CreateSnapshot endpoint (manual checkpoint)
  - stock/reconcile.go: Engine
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/stock"
)

// SchedulerActor is recorded as created_by on scheduled checkpoints.
const SchedulerActor = "scheduler"

// SnapshotScheduler creates daily checkpoints.
type SnapshotScheduler struct {
	Engine        *stock.Engine
	Log           logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSnapshotScheduler creates a new scheduler.
func NewSnapshotScheduler(engine *stock.Engine, log logrus.FieldLogger) *SnapshotScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SnapshotScheduler{
		Engine:        engine,
		Log:           log.WithField("module", "scheduler"),
		CheckInterval: time.Hour,
		Enabled:       true,
		Clock:         time.Now,
	}
}

// Start begins the scheduler.
func (s *SnapshotScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Log.WithField("interval", s.CheckInterval.String()).Info("started")
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *SnapshotScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Log.Info("stopped")
	}
}

func (s *SnapshotScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndSnapshot(context.Background())

	for {
		select {
		case <-ticker.C:
			s.checkAndSnapshot(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one check synchronously. It returns the checkpoint log,
// or nil when yesterday was already covered.
func (s *SnapshotScheduler) RunNow(ctx context.Context) (*stock.SnapshotLog, error) {
	return s.checkAndSnapshot(ctx)
}

func (s *SnapshotScheduler) checkAndSnapshot(ctx context.Context) (*stock.SnapshotLog, error) {
	now := time.Now
	if s.Clock != nil {
		now = s.Clock
	}
	yesterday := stock.DateOf(now()).AddDays(-1)

	latest, ok, err := s.Engine.LatestSnapshotDate(ctx, yesterday)
	if err != nil {
		s.Log.WithError(err).Error("reading latest snapshot")
		return nil, err
	}
	if ok && latest.Equal(yesterday) {
		s.Log.WithField("latest", latest.String()).Debug("already checkpointed")
		return nil, nil
	}

	log, err := s.Engine.CreateSnapshot(ctx, yesterday, SchedulerActor)
	if err != nil {
		s.Log.WithError(err).WithField("snapshot_date", yesterday.String()).Error("checkpoint failed")
		return nil, err
	}
	s.Log.WithFields(logrus.Fields{
		"snapshot_date": yesterday.String(),
		"base_date":     log.BaseDate.String(),
		"items":         log.ItemCount,
	}).Info("checkpoint created")
	return log, nil
}
