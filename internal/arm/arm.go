// Package arm sequences the mechanical battery arm.
//
// Every movement is physically irreversible once started, so a failed
// extract or install always runs the return-to-home recovery before the call
// returns. If recovery fails the arm is Halted and refuses all work until an
// operator reset brings it home.
package arm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

var (
	ErrExtractionFailed   = errors.New("extraction failed")
	ErrInstallationFailed = errors.New("installation failed")
	ErrVerificationFailed = errors.New("installation verification failed")
	ErrArmHalted          = errors.New("arm halted")
	ErrArmBusy            = errors.New("arm busy")
	ErrNotHome            = errors.New("arm not at home")
)

// Fault describes a failed arm operation. Kind is one of the Err*Failed
// sentinels; Halted is set when the recovery move failed as well.
type Fault struct {
	Kind    error
	Battery domain.BatteryID
	Halted  bool
	Err     error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%v (battery %s): %v", f.Kind, f.Battery, f.Err)
	if f.Halted {
		msg += "; recovery failed, arm halted"
	}
	return msg
}

// Is matches the fault kind, and ErrArmHalted when recovery failed.
func (f *Fault) Is(target error) bool {
	if target == f.Kind {
		return true
	}
	return f.Halted && target == ErrArmHalted
}

func (f *Fault) Unwrap() error { return f.Err }

// Controller owns the arm driver. Only one operation runs at a time.
type Controller struct {
	driver  hw.ArmDriver
	timeout time.Duration
	logger  *logrus.Logger

	op sync.Mutex // held for the duration of a movement sequence

	mu       sync.RWMutex
	position domain.ArmPosition
}

// NewController returns a controller that assumes the arm starts at home.
func NewController(driver hw.ArmDriver, timeout time.Duration, logger *logrus.Logger) *Controller {
	return &Controller{
		driver:   driver,
		timeout:  timeout,
		logger:   logger,
		position: domain.ArmHome,
	}
}

// Position returns the current arm state.
func (c *Controller) Position() domain.ArmPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Controller) setPosition(p domain.ArmPosition) {
	c.mu.Lock()
	prev := c.position
	c.position = p
	c.mu.Unlock()
	if prev != p {
		c.logger.WithFields(logrus.Fields{"from": prev, "to": p}).Debug("arm: position changed")
	}
}

// Extract pulls the battery out of the drone and returns its ID.
func (c *Controller) Extract(ctx context.Context, id domain.BatteryID) (domain.BatteryID, error) {
	if err := c.acquire(); err != nil {
		return "", err
	}
	defer c.op.Unlock()

	c.setPosition(domain.ArmExtracting)
	if err := c.command(ctx, hw.ActionExtract, id); err != nil {
		return "", c.fail(ctx, domain.ArmExtractionFailed, ErrExtractionFailed, id, err)
	}
	c.setPosition(domain.ArmHome)
	c.logger.WithField("battery", id).Info("Battery extracted")
	return id, nil
}

// Install seats the battery in the drone and verifies the installation.
// A failed verification is handled exactly like a failed install.
func (c *Controller) Install(ctx context.Context, id domain.BatteryID) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.op.Unlock()

	c.setPosition(domain.ArmInstalling)
	if err := c.command(ctx, hw.ActionInstall, id); err != nil {
		return c.fail(ctx, domain.ArmInstallationFailed, ErrInstallationFailed, id, err)
	}
	if err := c.command(ctx, hw.ActionVerify, id); err != nil {
		return c.fail(ctx, domain.ArmInstallationFailed, ErrVerificationFailed, id, err)
	}
	c.setPosition(domain.ArmHome)
	c.logger.WithField("battery", id).Info("Battery installed")
	return nil
}

// Reset tries to bring a halted arm back home. It is a no-op at home.
func (c *Controller) Reset(ctx context.Context) error {
	if !c.op.TryLock() {
		return ErrArmBusy
	}
	defer c.op.Unlock()

	if c.Position() == domain.ArmHome {
		return nil
	}
	if err := c.command(ctx, hw.ActionReturnHome, ""); err != nil {
		c.setPosition(domain.ArmHalted)
		return fmt.Errorf("reset arm: %w", err)
	}
	c.setPosition(domain.ArmHome)
	c.logger.Info("Arm reset to home")
	return nil
}

func (c *Controller) acquire() error {
	if !c.op.TryLock() {
		return ErrArmBusy
	}
	switch c.Position() {
	case domain.ArmHome:
		return nil
	case domain.ArmHalted:
		c.op.Unlock()
		return ErrArmHalted
	default:
		c.op.Unlock()
		return ErrNotHome
	}
}

// fail records the failed state and runs the mandatory recovery. The
// returned fault reports whether the arm ended Home or Halted.
func (c *Controller) fail(ctx context.Context, failed domain.ArmPosition, kind error, id domain.BatteryID, cause error) error {
	c.setPosition(failed)
	fault := &Fault{Kind: kind, Battery: id, Err: cause}

	if err := c.command(ctx, hw.ActionReturnHome, id); err != nil {
		c.setPosition(domain.ArmHalted)
		fault.Halted = true
		c.logger.WithError(err).WithField("battery", id).Error("Arm recovery failed, arm halted")
		return fault
	}
	c.setPosition(domain.ArmHome)
	c.logger.WithError(cause).WithField("battery", id).Warn("Arm operation failed, recovered to home")
	return fault
}

// command runs one driver action. Movements must not be abandoned when the
// caller's context is cancelled, so only the hardware timeout bounds them.
func (c *Controller) command(ctx context.Context, action hw.ArmAction, id domain.BatteryID) error {
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.driver.Command(ctx, action, id)
}
