// Package hw defines the narrow interfaces through which the station core
// talks to hardware and remote collaborators.
//
// Every call that can block takes a context; implementations must give up
// when the context deadline passes and report it as a timeout so the control
// loop treats it as "no new data this tick".
package hw

import (
	"context"
	"errors"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
)

var (
	// ErrSensorTimeout is returned when a sensor produced no reading in time.
	ErrSensorTimeout = errors.New("sensor timeout")
	// ErrHardwareFault is the base error for failed hardware commands.
	ErrHardwareFault = errors.New("hardware fault")
)

// ArmAction is a command understood by the arm driver.
type ArmAction string

const (
	ActionExtract    ArmAction = "extract"
	ActionInstall    ArmAction = "install"
	ActionVerify     ArmAction = "verify"
	ActionReturnHome ArmAction = "return_home"
)

// Reading is one battery-management sample.
type Reading struct {
	Charge      float64
	Temperature float64
}

// Site is the geographic position of the station.
type Site struct {
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
}

// DistanceSensor returns the distance to the docking pad in centimetres.
type DistanceSensor interface {
	Read(ctx context.Context) (float64, error)
}

// ArmDriver executes one physical arm movement. The battery argument is
// empty for actions that don't involve a specific pack.
type ArmDriver interface {
	Command(ctx context.Context, action ArmAction, battery domain.BatteryID) error
}

// BatteryManagementSystem reads and controls charging of stored batteries.
type BatteryManagementSystem interface {
	Read(ctx context.Context, id domain.BatteryID) (Reading, error)
	SendCharge(ctx context.Context, id domain.BatteryID) error
	SendStop(ctx context.Context, id domain.BatteryID) error
}

// SunEphemeris computes the panel angle that faces the sun.
type SunEphemeris interface {
	Angle(now time.Time, site Site) float64
}

// PanelMotorDriver moves the solar panels.
type PanelMotorDriver interface {
	SetAngle(ctx context.Context, degrees float64) error
}

// CleaningActuator runs one panel cleaning pass.
type CleaningActuator interface {
	Activate(ctx context.Context) error
}

// MonitoringSink receives status snapshots. Failures are never fatal.
type MonitoringSink interface {
	Push(ctx context.Context, snap *domain.Snapshot) error
}
