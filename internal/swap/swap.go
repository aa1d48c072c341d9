// Package swap performs a full battery exchange as one logical operation.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/dock-station/internal/arm"
	"github.com/jkaberg/dock-station/internal/bank"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrNoChargedBattery is the normal "nothing to swap in" outcome. The
// drone keeps its own battery.
var ErrNoChargedBattery = errors.New("no charged battery available")

// Arm is the subset of the arm controller used by a swap.
type Arm interface {
	Extract(ctx context.Context, id domain.BatteryID) (domain.BatteryID, error)
	Install(ctx context.Context, id domain.BatteryID) error
}

// Bank is the subset of the charging bank used by a swap.
type Bank interface {
	HasEmptySlot() bool
	DroneBattery() domain.BatteryID
	ReleaseFromDrone(id domain.BatteryID) error
	Place(id domain.BatteryID) (int, error)
	SelectCharged() (domain.BatteryID, bool)
	Take(id domain.BatteryID) (int, error)
	Restore(id domain.BatteryID, slot int) error
	Install(id domain.BatteryID) error
	Start(ctx context.Context, id domain.BatteryID) error
}

// Coordinator runs swaps. It holds no lock of its own: the caller runs it
// inside the same exclusion domain as the bank monitor.
type Coordinator struct {
	arm    Arm
	bank   Bank
	logger *logrus.Logger
	clock  func() time.Time

	status domain.SwapStatus
	last   *domain.SwapOutcome
}

// NewCoordinator returns an idle coordinator with no previous outcome.
func NewCoordinator(a Arm, b Bank, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		arm:    a,
		bank:   b,
		logger: logger,
		clock:  time.Now,
		status: domain.SwapIdle,
	}
}

// Status returns the swap status of the current tick.
func (c *Coordinator) Status() domain.SwapStatus { return c.status }

// LastOutcome returns a copy of the most recent outcome, or nil.
func (c *Coordinator) LastOutcome() *domain.SwapOutcome {
	if c.last == nil {
		return nil
	}
	o := *c.last
	return &o
}

// Settle returns a resolved status to Idle at the end of a tick.
func (c *Coordinator) Settle() {
	if c.status == domain.SwapInProgress {
		// Swap never returned; should not happen since Swap is synchronous.
		c.logger.Error("swap: settling an in-progress swap")
	}
	c.status = domain.SwapIdle
}

// Swap exchanges the drone battery for a charged one.
//
// The bank is checked for a free slot before the arm moves, so an
// oversubscribed bank never leaves the drone without a battery. When no
// charged battery is available the removed battery is put back. Arm faults
// abort the sequence; the arm has already recovered (or halted) by the time
// the fault reaches here.
func (c *Coordinator) Swap(ctx context.Context) (*domain.SwapOutcome, error) {
	c.status = domain.SwapInProgress
	out := &domain.SwapOutcome{ID: uuid.NewString(), StartedAt: c.clock()}
	log := c.logger.WithField("swap_id", out.ID)

	depleted := c.bank.DroneBattery()
	if depleted != "" && !c.bank.HasEmptySlot() {
		return c.finish(out, bank.ErrBankOversubscribed)
	}

	depletedSlot := -1
	if depleted == "" {
		log.Warn("Drone has no recorded battery, installing only")
	} else {
		if _, err := c.arm.Extract(ctx, depleted); err != nil {
			return c.finish(out, fmt.Errorf("extract %s: %w", depleted, err))
		}
		if err := c.bank.ReleaseFromDrone(depleted); err != nil {
			return c.finish(out, err)
		}
		slot, err := c.bank.Place(depleted)
		if err != nil {
			return c.finish(out, fmt.Errorf("place %s: %w", depleted, err))
		}
		depletedSlot = slot
		out.Extracted = depleted
		log.WithFields(logrus.Fields{"battery": depleted, "slot": domain.SlotName(slot)}).Info("Depleted battery stored")
	}

	charged, ok := c.bank.SelectCharged()
	if !ok {
		if depleted == "" {
			return c.finish(out, ErrNoChargedBattery)
		}
		log.WithField("battery", depleted).Warn("No charged battery available, reinstalling drone battery")
		if _, err := c.bank.Take(depleted); err != nil {
			return c.finish(out, err)
		}
		if err := c.install(ctx, depleted, depletedSlot); err != nil {
			c.startCharging(ctx, depleted)
			return c.finish(out, fmt.Errorf("reinstall %s: %w", depleted, err))
		}
		out.Extracted = ""
		out.Installed = depleted
		return c.finish(out, ErrNoChargedBattery)
	}

	from, err := c.bank.Take(charged)
	if err != nil {
		c.startCharging(ctx, depleted)
		return c.finish(out, err)
	}
	if err := c.install(ctx, charged, from); err != nil {
		c.startCharging(ctx, depleted)
		return c.finish(out, fmt.Errorf("install %s: %w", charged, err))
	}
	out.Installed = charged
	c.startCharging(ctx, depleted)
	return c.finish(out, nil)
}

// install moves a battery that the bank already released into the drone.
// If the arm fails but recovers, the battery was stowed back where it came
// from; if the arm halted, it is still in the arm and stays in transit.
func (c *Coordinator) install(ctx context.Context, id domain.BatteryID, originSlot int) error {
	if err := c.arm.Install(ctx, id); err != nil {
		if !errors.Is(err, arm.ErrArmHalted) && originSlot >= 0 {
			if rerr := c.bank.Restore(id, originSlot); rerr != nil {
				c.logger.WithError(rerr).WithField("battery", id).Error("swap: could not restore battery to its slot")
			}
		}
		return err
	}
	return c.bank.Install(id)
}

// startCharging starts the battery just taken out of the drone if it sits
// in the bank. Charging faults are isolated to that battery.
func (c *Coordinator) startCharging(ctx context.Context, id domain.BatteryID) {
	if id == "" {
		return
	}
	if c.bank.DroneBattery() == id {
		return
	}
	if err := c.bank.Start(ctx, id); err != nil {
		c.logger.WithError(err).WithField("battery", id).Warn("swap: could not start charging extracted battery")
	}
}

func (c *Coordinator) finish(out *domain.SwapOutcome, err error) (*domain.SwapOutcome, error) {
	out.FinishedAt = c.clock()
	log := c.logger.WithFields(logrus.Fields{
		"swap_id":   out.ID,
		"extracted": out.Extracted,
		"installed": out.Installed,
	})
	if err != nil {
		out.Status = domain.SwapError
		out.Reason = err.Error()
		log.WithError(err).Warn("Battery swap failed")
	} else {
		out.Status = domain.SwapComplete
		log.Info("Battery swap complete")
	}
	c.status = out.Status
	c.last = out

	o := *out
	return &o, err
}
