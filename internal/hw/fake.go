package hw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
)

// The fakes below are deterministic stand-ins for the station hardware. They
// back the package tests and the --simulate mode of the daemon.

// DistanceSample is one scripted distance reading.
type DistanceSample struct {
	CM  float64
	Err error
}

// FakeDistance replays queued samples. When the queue is empty it follows
// the configured dock cycle, or returns Default.
type FakeDistance struct {
	mu      sync.Mutex
	queue   []DistanceSample
	Default float64
	Reads   int

	near, far   float64
	dwell, tick int
}

// NewFakeDistance returns a sensor that reports far (no drone) by default.
func NewFakeDistance(defaultCM float64) *FakeDistance {
	return &FakeDistance{Default: defaultCM}
}

// Queue appends distance readings.
func (f *FakeDistance) Queue(cm ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range cm {
		f.queue = append(f.queue, DistanceSample{CM: v})
	}
}

// QueueTimeout appends a reading that times out.
func (f *FakeDistance) QueueTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, DistanceSample{Err: ErrSensorTimeout})
}

// Cycle makes the sensor alternate between near and far every dwell reads
// once the queue is drained, which simulates a drone landing and leaving.
func (f *FakeDistance) Cycle(near, far float64, dwell int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.near, f.far, f.dwell, f.tick = near, far, dwell, 0
}

func (f *FakeDistance) Read(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	if len(f.queue) > 0 {
		s := f.queue[0]
		f.queue = f.queue[1:]
		return s.CM, s.Err
	}
	if f.dwell > 0 {
		phase := (f.tick / f.dwell) % 2
		f.tick++
		if phase == 0 {
			return f.far, nil
		}
		return f.near, nil
	}
	return f.Default, nil
}

// ArmCall is one command received by FakeArm.
type ArmCall struct {
	Action  ArmAction
	Battery domain.BatteryID
}

// FakeArm records arm commands and fails the ones it was told to.
type FakeArm struct {
	mu    sync.Mutex
	Calls []ArmCall
	fails map[ArmAction]int
}

func NewFakeArm() *FakeArm {
	return &FakeArm{fails: make(map[ArmAction]int)}
}

// Fail makes the next n commands of the given action fail.
func (f *FakeArm) Fail(action ArmAction, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[action] += n
}

func (f *FakeArm) Command(ctx context.Context, action ArmAction, battery domain.BatteryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, ArmCall{Action: action, Battery: battery})
	if f.fails[action] > 0 {
		f.fails[action]--
		return fmt.Errorf("%w: arm %s rejected", ErrHardwareFault, action)
	}
	return nil
}

// Actions returns the recorded actions in order.
func (f *FakeArm) Actions() []ArmAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ArmAction, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Action
	}
	return out
}

// BMSCall is one command received by FakeBMS.
type BMSCall struct {
	Op string // "charge" or "stop"
	ID domain.BatteryID
}

type fakeCell struct {
	reading  Reading
	charging bool
	readErr  error
}

// FakeBMS keeps a simulated cell per battery. With a non-zero ChargeRate
// every Read of a charging cell adds charge and heat, and idle cells cool
// down, which is enough to drive the charging state machine in simulation.
type FakeBMS struct {
	mu    sync.Mutex
	cells map[domain.BatteryID]*fakeCell
	Calls []BMSCall

	ChargeRate  float64 // percent per read while charging
	HeatRate    float64 // °C per read while charging
	CoolRate    float64 // °C per read while idle
	AmbientTemp float64
}

func NewFakeBMS() *FakeBMS {
	return &FakeBMS{cells: make(map[domain.BatteryID]*fakeCell), AmbientTemp: 25}
}

func (f *FakeBMS) cell(id domain.BatteryID) *fakeCell {
	c, ok := f.cells[id]
	if !ok {
		c = &fakeCell{reading: Reading{Temperature: f.AmbientTemp}}
		f.cells[id] = c
	}
	return c
}

// Set forces the reading of a battery.
func (f *FakeBMS) Set(id domain.BatteryID, charge, temp float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cell(id).reading = Reading{Charge: charge, Temperature: temp}
}

// FailReads makes reads of the battery return err; nil clears it.
func (f *FakeBMS) FailReads(id domain.BatteryID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cell(id).readErr = err
}

// Charging reports whether the last command for the battery was charge.
func (f *FakeBMS) Charging(id domain.BatteryID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cell(id).charging
}

// CallsFor returns the ops sent for one battery.
func (f *FakeBMS) CallsFor(id domain.BatteryID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, c := range f.Calls {
		if c.ID == id {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

func (f *FakeBMS) Read(ctx context.Context, id domain.BatteryID) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cell(id)
	if c.readErr != nil {
		return Reading{}, c.readErr
	}
	if c.charging {
		c.reading.Charge += f.ChargeRate
		if c.reading.Charge > 100 {
			c.reading.Charge = 100
		}
		c.reading.Temperature += f.HeatRate
	} else if c.reading.Temperature > f.AmbientTemp {
		c.reading.Temperature -= f.CoolRate
	}
	return c.reading, nil
}

func (f *FakeBMS) SendCharge(ctx context.Context, id domain.BatteryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, BMSCall{Op: "charge", ID: id})
	f.cell(id).charging = true
	return nil
}

func (f *FakeBMS) SendStop(ctx context.Context, id domain.BatteryID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, BMSCall{Op: "stop", ID: id})
	f.cell(id).charging = false
	return nil
}

// FakeEphemeris returns a fixed angle, or the result of Func when set.
type FakeEphemeris struct {
	Value float64
	Func  func(now time.Time) float64
}

func (f *FakeEphemeris) Angle(now time.Time, site Site) float64 {
	if f.Func != nil {
		return f.Func(now)
	}
	return f.Value
}

// FakePanel records commanded angles.
type FakePanel struct {
	mu       sync.Mutex
	Angles   []float64
	failNext int
}

// Fail makes the next n commands fail.
func (f *FakePanel) Fail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext += n
}

func (f *FakePanel) SetAngle(ctx context.Context, degrees float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("%w: panel motor stalled", ErrHardwareFault)
	}
	f.Angles = append(f.Angles, degrees)
	return nil
}

// FakeCleaner counts successful activations.
type FakeCleaner struct {
	mu          sync.Mutex
	Activations int
	failNext    int
}

// Fail makes the next n activations fail.
func (f *FakeCleaner) Fail(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext += n
}

func (f *FakeCleaner) Activate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("%w: brush jammed", ErrHardwareFault)
	}
	f.Activations++
	return nil
}

// FakeSink keeps pushed snapshots.
type FakeSink struct {
	mu     sync.Mutex
	Pushed []*domain.Snapshot
	Err    error
}

func (f *FakeSink) Push(ctx context.Context, snap *domain.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Pushed = append(f.Pushed, snap)
	return nil
}

// Last returns the most recent snapshot, or nil.
func (f *FakeSink) Last() *domain.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Pushed) == 0 {
		return nil
	}
	return f.Pushed[len(f.Pushed)-1]
}
