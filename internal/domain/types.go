package domain

import (
	"fmt"
	"time"
)

// BatteryID identifies one physical battery pack of the station inventory.
type BatteryID string

// BatteryStatus is the charging state of a battery.
type BatteryStatus string

const (
	StatusCharging   BatteryStatus = "charging"
	StatusOverheated BatteryStatus = "overheated"
	StatusComplete   BatteryStatus = "complete"
	StatusError      BatteryStatus = "error"
)

// Terminal reports whether the status only changes when the battery is
// re-slotted or swapped.
func (s BatteryStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// LocationKind tells where a battery physically is.
type LocationKind string

const (
	LocInDrone   LocationKind = "in_drone"
	LocSlot      LocationKind = "slot"
	LocInTransit LocationKind = "in_transit"
)

// Location of a battery. Slot is only meaningful for LocSlot.
type Location struct {
	Kind LocationKind `json:"kind"`
	Slot int          `json:"slot,omitempty"`
}

func InDrone() Location        { return Location{Kind: LocInDrone} }
func InSlot(index int) Location { return Location{Kind: LocSlot, Slot: index} }
func InTransit() Location      { return Location{Kind: LocInTransit} }

func (l Location) String() string {
	if l.Kind == LocSlot {
		return SlotName(l.Slot)
	}
	return string(l.Kind)
}

// SlotName returns the operator-facing (1-based) name of a slot index.
func SlotName(index int) string { return fmt.Sprintf("slot_%d", index+1) }

// Battery is the record kept for every battery of the inventory.
type Battery struct {
	ID          BatteryID     `json:"id"`
	ChargeLevel float64       `json:"charge_level"`
	Temperature float64       `json:"temperature"`
	Status      BatteryStatus `json:"status"`
	Location    Location      `json:"location"`
}

// Slot is a fixed storage position of the charging bank.
type Slot struct {
	Index    int       `json:"index"`
	Occupant BatteryID `json:"occupant,omitempty"`
}

// Empty reports whether no battery sits in the slot.
func (s Slot) Empty() bool { return s.Occupant == "" }

// ArmPosition is the state of the mechanical arm.
type ArmPosition string

const (
	ArmHome               ArmPosition = "home"
	ArmExtracting         ArmPosition = "extracting"
	ArmInstalling         ArmPosition = "installing"
	ArmExtractionFailed   ArmPosition = "extraction_failed"
	ArmInstallationFailed ArmPosition = "installation_failed"
	ArmHalted             ArmPosition = "halted"
)

// SwapStatus is the progress of the battery exchange of the current tick.
type SwapStatus string

const (
	SwapIdle       SwapStatus = "idle"
	SwapInProgress SwapStatus = "in_progress"
	SwapError      SwapStatus = "error"
	SwapComplete   SwapStatus = "complete"
)

// DockState is only updated by debounced dock edges.
type DockState struct {
	Docked        bool      `json:"docked"`
	ArrivalTime   time.Time `json:"arrival_time,omitempty"`
	DepartureTime time.Time `json:"departure_time,omitempty"`
}

// PanelState is the solar panel orientation and maintenance state.
type PanelState struct {
	CurrentAngle     float64   `json:"current_angle"`
	LastCleaningTime time.Time `json:"last_cleaning_time"`
}

// SwapOutcome records how one swap attempt ended.
type SwapOutcome struct {
	ID         string     `json:"id"`
	Status     SwapStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Extracted  BatteryID  `json:"extracted,omitempty"`
	Installed  BatteryID  `json:"installed,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// FaultRecord is one entry of the fault log shown to operators.
type FaultRecord struct {
	Time      time.Time `json:"time"`
	Subsystem string    `json:"subsystem"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// StandingFault suppresses automatic swaps until an operator reset.
type StandingFault string

const (
	FaultArmHalted          StandingFault = "arm_halted"
	FaultBankOversubscribed StandingFault = "bank_oversubscribed"
)

// Describe returns the operator instruction for the fault.
func (f StandingFault) Describe() string {
	switch f {
	case FaultArmHalted:
		return "arm halted after failed recovery: inspect arm and issue reset-arm"
	case FaultBankOversubscribed:
		return "charging bank has no free slot: free a slot and issue reset-faults"
	default:
		return string(f)
	}
}
