// Package dock turns raw distance readings into debounced dock edges.
package dock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

// Event is a dock edge.
type Event int

const (
	EventNone Event = iota
	EventArrived
	EventDeparted
)

func (e Event) String() string {
	switch e {
	case EventArrived:
		return "arrived"
	case EventDeparted:
		return "departed"
	default:
		return "none"
	}
}

// Adapter polls the distance sensor once per tick. The dock state only
// flips after debounceTicks consecutive readings disagree with it, so noisy
// readings around the threshold never produce repeated edges.
type Adapter struct {
	sensor    hw.DistanceSensor
	threshold float64
	debounce  int
	timeout   time.Duration
	logger    *logrus.Logger

	state  domain.DockState
	streak int
}

// NewAdapter creates an adapter starting in the undocked state.
func NewAdapter(sensor hw.DistanceSensor, thresholdCM float64, debounceTicks int, timeout time.Duration, logger *logrus.Logger) *Adapter {
	if debounceTicks < 1 {
		debounceTicks = 1
	}
	return &Adapter{
		sensor:    sensor,
		threshold: thresholdCM,
		debounce:  debounceTicks,
		timeout:   timeout,
		logger:    logger,
	}
}

// Poll takes one reading and returns the edge it completed, if any.
// A sensor timeout is not an error: it simply yields no data this tick and
// leaves the debounce streak as it was.
func (a *Adapter) Poll(ctx context.Context, now time.Time) (Event, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cm, err := a.sensor.Read(ctx)
	if err != nil {
		if errors.Is(err, hw.ErrSensorTimeout) || errors.Is(err, context.DeadlineExceeded) {
			a.logger.Debug("dock: distance read timed out")
			return EventNone, nil
		}
		return EventNone, fmt.Errorf("read distance: %w", err)
	}
	if cm < 0 {
		a.logger.WithField("cm", cm).Debug("dock: discarding invalid distance")
		return EventNone, nil
	}

	present := cm < a.threshold
	if present == a.state.Docked {
		a.streak = 0
		return EventNone, nil
	}

	a.streak++
	if a.streak < a.debounce {
		return EventNone, nil
	}
	a.streak = 0
	a.state.Docked = present

	if present {
		a.state.ArrivalTime = now
		a.logger.WithField("cm", cm).Info("Drone docked")
		return EventArrived, nil
	}
	a.state.DepartureTime = now
	a.logger.WithField("cm", cm).Info("Drone departed")
	return EventDeparted, nil
}

// State returns a copy of the current dock state.
func (a *Adapter) State() domain.DockState { return a.state }
