package domain

import (
	"math"
	"reflect"
	"time"
)

// Snapshot is the read-only status of the whole station at one instant.
// It is assembled from value copies and must not be modified after
// construction; consumers on other goroutines rely on that.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`

	Dock            DockState `json:"dock"`
	CurrentSequence string    `json:"current_sequence"`

	ArmPosition ArmPosition  `json:"arm_position"`
	SwapStatus  SwapStatus   `json:"swap_status"`
	LastSwap    *SwapOutcome `json:"last_swap,omitempty"`

	DroneBattery BatteryID `json:"drone_battery"`
	Slots        []Slot    `json:"slots"`
	Batteries    []Battery `json:"batteries"`

	Panel       PanelState `json:"panel"`
	CleaningDue bool       `json:"cleaning_due"`

	Faults                     []FaultRecord   `json:"faults"`
	StandingFaults             []StandingFault `json:"standing_faults"`
	ManualInterventionRequired bool            `json:"manual_intervention_required"`
	InterventionReason         string          `json:"intervention_reason,omitempty"`
}

// Battery returns the battery record with the given ID.
func (s *Snapshot) Battery(id BatteryID) (Battery, bool) {
	for _, b := range s.Batteries {
		if b.ID == id {
			return b, true
		}
	}
	return Battery{}, false
}

// Changed returns true if *cur* differs from *prev* beyond tolerated jitter.
// Timestamps and uptime are ignored, and small temperature or panel angle
// noise does not count as a change so that idle stations don't transmit
// every tick.
func Changed(prev, cur *Snapshot) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}

	p, c := normalize(prev), normalize(cur)

	const angleThr = 0.5 // degrees
	if AngleDelta(p.Panel.CurrentAngle, c.Panel.CurrentAngle) < angleThr {
		p.Panel.CurrentAngle = 0
		c.Panel.CurrentAngle = 0
	}

	if len(p.Batteries) == len(c.Batteries) {
		const tempThr = 0.5 // °C
		for i := range p.Batteries {
			if math.Abs(p.Batteries[i].Temperature-c.Batteries[i].Temperature) < tempThr {
				p.Batteries[i].Temperature = 0
				c.Batteries[i].Temperature = 0
			}
		}
	}

	return !reflect.DeepEqual(p, c)
}

// normalize copies s with the wall-clock fields cleared. Slices are copied
// too so the caller's snapshot stays untouched.
func normalize(s *Snapshot) Snapshot {
	n := *s
	n.Timestamp = time.Time{}
	n.UptimeSeconds = 0
	n.Batteries = append([]Battery(nil), s.Batteries...)
	return n
}

// AngleDelta returns the smallest absolute difference between two angles
// in degrees.
func AngleDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
