// Package solar keeps the panels pointed at the sun and clean.
package solar

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

var ErrSolarMotorFault = errors.New("solar panel motor fault")

// AngleCommand is a panel move that was issued.
type AngleCommand struct {
	From  float64
	To    float64
	Delta float64
}

// TrackerConfig holds the tracking parameters.
type TrackerConfig struct {
	Site         hw.Site
	Deadband     float64
	MinInterval  time.Duration
	Timeout      time.Duration
	InitialAngle float64
}

// Tracker follows the sun with a deadband so the motor is not hunted by
// small ephemeris changes.
type Tracker struct {
	sun    hw.SunEphemeris
	motor  hw.PanelMotorDriver
	cfg    TrackerConfig
	logger *logrus.Logger

	angle   float64
	lastCmd time.Time
}

func NewTracker(sun hw.SunEphemeris, motor hw.PanelMotorDriver, cfg TrackerConfig, logger *logrus.Logger) *Tracker {
	return &Tracker{
		sun:    sun,
		motor:  motor,
		cfg:    cfg,
		logger: logger,
		angle:  cfg.InitialAngle,
	}
}

// Angle is the last angle the motor acknowledged.
func (t *Tracker) Angle() float64 { return t.angle }

// Check commands the motor if the sun moved past the deadband. It returns
// nil, nil when no move was needed. On a motor fault the recorded angle is
// left alone and the move is retried on the next call.
func (t *Tracker) Check(ctx context.Context, now time.Time) (*AngleCommand, error) {
	target := t.sun.Angle(now, t.cfg.Site)
	delta := domain.AngleDelta(t.angle, target)
	if math.Abs(delta) <= t.cfg.Deadband {
		return nil, nil
	}
	if t.cfg.MinInterval > 0 && !t.lastCmd.IsZero() && now.Sub(t.lastCmd) < t.cfg.MinInterval {
		return nil, nil
	}

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	if err := t.motor.SetAngle(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: set %.1f°: %v", ErrSolarMotorFault, target, err)
	}

	cmd := &AngleCommand{From: t.angle, To: target, Delta: delta}
	t.angle = target
	t.lastCmd = now
	t.logger.WithFields(logrus.Fields{
		"from":  fmt.Sprintf("%.1f", cmd.From),
		"to":    fmt.Sprintf("%.1f", cmd.To),
		"delta": fmt.Sprintf("%.1f", cmd.Delta),
	}).Debug("Panel repositioned")
	return cmd, nil
}
