// Package status builds station snapshots and pushes them to the monitor.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

// ErrSinkFault wraps monitoring sink failures. It is never fatal.
var ErrSinkFault = errors.New("monitoring sink fault")

// DefaultFaultLogSize is how many fault records snapshots carry.
const DefaultFaultLogSize = 50

// Input is the raw controller state a snapshot is built from. Build copies
// everything it keeps, so the caller may reuse or mutate Input afterwards.
type Input struct {
	Now             time.Time
	Dock            domain.DockState
	CurrentSequence string
	ArmPosition     domain.ArmPosition
	SwapStatus      domain.SwapStatus
	LastSwap        *domain.SwapOutcome
	DroneBattery    domain.BatteryID
	Slots           []domain.Slot
	Batteries       []domain.Battery
	Panel           domain.PanelState
	CleaningDue     bool
	StandingFaults  []domain.StandingFault
}

// Reporter owns the fault log and the latest published snapshot.
type Reporter struct {
	sink    hw.MonitoringSink
	timeout time.Duration
	logger  *logrus.Logger
	started time.Time

	faultMu sync.Mutex
	faults  []domain.FaultRecord
	maxLog  int

	latestMu sync.RWMutex
	latest   *domain.Snapshot
}

// NewReporter creates a reporter. sink may be nil, in which case Publish
// only updates Latest.
func NewReporter(sink hw.MonitoringSink, maxFaults int, timeout time.Duration, started time.Time, logger *logrus.Logger) *Reporter {
	if maxFaults <= 0 {
		maxFaults = DefaultFaultLogSize
	}
	return &Reporter{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		started: started,
		maxLog:  maxFaults,
	}
}

// RecordFault appends to the bounded fault log, dropping the oldest entry
// once full.
func (r *Reporter) RecordFault(rec domain.FaultRecord) {
	r.faultMu.Lock()
	defer r.faultMu.Unlock()
	r.faults = append(r.faults, rec)
	if over := len(r.faults) - r.maxLog; over > 0 {
		r.faults = append([]domain.FaultRecord(nil), r.faults[over:]...)
	}
}

// Faults returns a copy of the fault log, oldest first.
func (r *Reporter) Faults() []domain.FaultRecord {
	r.faultMu.Lock()
	defer r.faultMu.Unlock()
	return append([]domain.FaultRecord(nil), r.faults...)
}

// ClearFaults empties the fault log.
func (r *Reporter) ClearFaults() {
	r.faultMu.Lock()
	r.faults = nil
	r.faultMu.Unlock()
}

// Build assembles a new snapshot from value copies.
func (r *Reporter) Build(in Input) *domain.Snapshot {
	snap := &domain.Snapshot{
		Timestamp:       in.Now,
		UptimeSeconds:   in.Now.Sub(r.started).Seconds(),
		Dock:            in.Dock,
		CurrentSequence: in.CurrentSequence,
		ArmPosition:     in.ArmPosition,
		SwapStatus:      in.SwapStatus,
		DroneBattery:    in.DroneBattery,
		Slots:           append([]domain.Slot(nil), in.Slots...),
		Batteries:       append([]domain.Battery(nil), in.Batteries...),
		Panel:           in.Panel,
		CleaningDue:     in.CleaningDue,
		Faults:          r.Faults(),
		StandingFaults:  append([]domain.StandingFault(nil), in.StandingFaults...),
	}
	if in.LastSwap != nil {
		o := *in.LastSwap
		snap.LastSwap = &o
	}
	if len(in.StandingFaults) > 0 {
		reasons := make([]string, len(in.StandingFaults))
		for i, f := range in.StandingFaults {
			reasons[i] = f.Describe()
		}
		snap.ManualInterventionRequired = true
		snap.InterventionReason = strings.Join(reasons, "; ")
	}
	return snap
}

// Publish stores snap as the latest snapshot and pushes it to the sink.
// A sink failure is logged and returned wrapped in ErrSinkFault; the
// snapshot is still the latest.
func (r *Reporter) Publish(ctx context.Context, snap *domain.Snapshot) error {
	r.latestMu.Lock()
	r.latest = snap
	r.latestMu.Unlock()

	if r.sink == nil {
		return nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.sink.Push(ctx, snap); err != nil {
		r.logger.WithError(err).Warn("Failed to push status snapshot")
		return fmt.Errorf("%w: %v", ErrSinkFault, err)
	}
	return nil
}

// Latest returns the most recently published snapshot, or nil before the
// first tick. Safe for concurrent use.
func (r *Reporter) Latest() *domain.Snapshot {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	return r.latest
}
