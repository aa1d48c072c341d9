package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jkaberg/dock-station/internal/bus"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink is one monitoring transport driven by the transmit scheduler.
type Sink struct {
	Name     string
	Tx       transmission.Transmitter
	Interval time.Duration
	Timeout  time.Duration
}

// Options configures Run.
type Options struct {
	TickPeriod          time.Duration
	ForceUpdateInterval time.Duration
	Sinks               []Sink
	// Server is started when non-nil and shut down with the group.
	Server *http.Server
}

// Run launches the control loop, the transmit scheduler and the HTTP
// server, and blocks until ctx is cancelled. The station must publish its
// snapshots to messageBus.
func Run(parentCtx context.Context, station *Station, messageBus *bus.Bus, opts Options, logger *logrus.Logger) error {
	grp, ctx := errgroup.WithContext(parentCtx)

	// Subscribe before the first tick so no snapshot is missed.
	sub := messageBus.Subscribe()
	defer messageBus.Unsubscribe(sub)

	// Control loop ---------------------------------------------------------
	grp.Go(func() error {
		return station.Run(ctx, opts.TickPeriod)
	})

	// Central scheduler ----------------------------------------------------
	sched := newScheduler(opts.Sinks, opts.ForceUpdateInterval, time.Now(), logger)
	grp.Go(func() error {
		var latest *domain.Snapshot
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case snap, ok := <-sub:
				if !ok {
					return nil
				}
				latest = snap
			case now := <-ticker.C:
				sched.dispatch(ctx, now, latest)
			}
		}
	})

	// HTTP API -------------------------------------------------------------
	if opts.Server != nil {
		srv := opts.Server
		grp.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("HTTP API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("app: background group exited")
		return err
	}
	return nil
}

type txState struct {
	interval time.Duration
	timeout  time.Duration
	lastSent time.Time
	lastSnap *domain.Snapshot
	sendFn   func(context.Context, *domain.Snapshot) error
	name     string
}

// scheduler decides per sink when the latest snapshot is sent: at most once
// per interval, and only when it changed or the force interval elapsed.
type scheduler struct {
	states []txState
	force  time.Duration
	logger *logrus.Logger
}

func newScheduler(sinks []Sink, force time.Duration, now time.Time, logger *logrus.Logger) *scheduler {
	s := &scheduler{force: force, logger: logger}
	for _, sink := range sinks {
		if sink.Tx == nil {
			continue
		}
		tx := sink.Tx
		s.states = append(s.states, txState{
			interval: sink.Interval,
			timeout:  sink.Timeout,
			lastSent: now.Add(-sink.Interval),
			sendFn:   tx.Transmit,
			name:     sink.Name,
		})
	}
	return s
}

func (s *scheduler) dispatch(ctx context.Context, now time.Time, latest *domain.Snapshot) {
	if latest == nil {
		return
	}
	for i := range s.states {
		st := &s.states[i]
		if now.Sub(st.lastSent) < st.interval {
			continue
		}
		forced := s.force > 0 && now.Sub(st.lastSent) >= s.force
		if !forced && !domain.Changed(st.lastSnap, latest) {
			continue
		}

		sendCtx := ctx
		var cancel context.CancelFunc
		if st.timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, st.timeout)
		}
		err := st.sendFn(sendCtx, latest)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			s.logger.WithError(err).Warn(st.name + " transmit failed")
			// Retry on the next interval even if nothing changed.
			st.lastSnap = nil
			st.lastSent = now
			continue
		}
		st.lastSnap = latest
		st.lastSent = now
	}
}
