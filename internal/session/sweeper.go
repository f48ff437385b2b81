package session

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweepable is the background work the sweeper drives.
type Sweepable interface {
	ExpirePending(ctx context.Context) (int, error)
	SettlePending(ctx context.Context) (int, error)
}

// SweepStats counts what one sweep changed.
type SweepStats struct {
	Expired int
	Settled int
}

// Sweeper periodically rejects expired requests and finishes interrupted
// settlements. At most one sweep runs at a time.
type Sweeper struct {
	target   Sweepable
	interval time.Duration
	log      logrus.FieldLogger
	cron     *cron.Cron

	mu  sync.Mutex
	ctx context.Context

	sem chan struct{}
	wg  sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSweeper(target Sweepable, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "session_sweeper")
	return &Sweeper{
		target:   target,
		interval: interval,
		log:      log,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log)))),
		ctx:      context.Background(),
		sem:      make(chan struct{}, 1),
	}
}

// Start schedules sweeps every interval. A non-positive interval leaves only
// Trigger.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.ctx = ctx
		s.mu.Unlock()

		if s.interval > 0 {
			s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(s.sweep))
		}
		s.cron.Start()
		s.log.WithField("interval", s.interval).Info("session sweeper started")
	})
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.wg.Wait()
	})
}

// Trigger requests a sweep now. It is dropped if one is already running.
func (s *Sweeper) Trigger() {
	if s == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep()
	}()
}

func (s *Sweeper) sweep() {
	select {
	case s.sem <- struct{}{}:
	default:
		return
	}
	defer func() { <-s.sem }()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	stats, err := s.RunOnce(ctx)
	if err != nil {
		s.log.WithError(err).Warn("session sweep failed")
		return
	}
	if stats.Expired > 0 || stats.Settled > 0 {
		s.log.WithFields(logrus.Fields{
			"expired": stats.Expired,
			"settled": stats.Settled,
		}).Info("session sweep")
	}
}

// RunOnce runs one sweep inline.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	expired, err := s.target.ExpirePending(ctx)
	stats.Expired = expired
	if err != nil {
		return stats, err
	}
	settled, err := s.target.SettlePending(ctx)
	stats.Settled = settled
	return stats, err
}
