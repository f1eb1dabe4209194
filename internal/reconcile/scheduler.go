package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/sirupsen/logrus"
)

// Scheduler runs the no-show sweep followed by a reconciliation on a fixed
// interval, starting immediately.
type Scheduler struct {
	Job      *Job
	Sweeper  *lifecycle.Service // optional
	Interval time.Duration

	log    logrus.FieldLogger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(job *Job, sweeper *lifecycle.Service, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		Job:      job,
		Sweeper:  sweeper,
		Interval: interval,
		log:      log.WithField("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins ticking. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.log.WithField("interval", s.Interval.String()).Info("scheduler started")
}

// Stop halts the ticker and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps no-shows and then reconciles. Errors are logged; the next
// tick tries again.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.Sweeper != nil {
		if _, err := s.Sweeper.SweepNoShows(ctx, s.now()); err != nil {
			s.log.WithError(err).Error("no-show sweep failed")
		}
	}
	if _, err := s.Job.Run(ctx); err != nil {
		s.log.WithError(err).Error("reconciliation failed")
	}
}

// NextRun returns when the next scheduled run will occur.
func (s *Scheduler) NextRun() time.Time {
	return s.now().Add(s.Interval)
}
