package solar

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

var ErrCleaningFault = errors.New("panel cleaning fault")

// Scheduler runs the cleaning actuator on an interval or when triggered.
type Scheduler struct {
	actuator hw.CleaningActuator
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger

	last    time.Time
	pending atomic.Bool
}

// NewScheduler starts the first interval at start.
func NewScheduler(actuator hw.CleaningActuator, interval, timeout time.Duration, start time.Time, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		actuator: actuator,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		last:     start,
	}
}

// LastCleaning is the time of the last successful cleaning, or the start
// time if there has been none.
func (s *Scheduler) LastCleaning() time.Time { return s.last }

// Trigger requests a cleaning on the next tick. Safe for concurrent use.
func (s *Scheduler) Trigger() {
	s.pending.Store(true)
}

func (s *Scheduler) Due(now time.Time) bool {
	if s.pending.Load() {
		return true
	}
	return s.interval > 0 && now.Sub(s.last) >= s.interval
}

// Clean activates the actuator. Only success moves the schedule forward.
func (s *Scheduler) Clean(ctx context.Context, now time.Time) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	triggered := s.pending.Load()
	if err := s.actuator.Activate(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCleaningFault, err)
	}
	s.last = now
	s.pending.Store(false)
	s.logger.WithField("triggered", triggered).Info("Panels cleaned")
	return nil
}
