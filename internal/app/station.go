package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/jkaberg/dock-station/internal/api"
	"github.com/jkaberg/dock-station/internal/arm"
	"github.com/jkaberg/dock-station/internal/bank"
	"github.com/jkaberg/dock-station/internal/config"
	"github.com/jkaberg/dock-station/internal/dock"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/eventlog"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/jkaberg/dock-station/internal/solar"
	"github.com/jkaberg/dock-station/internal/status"
	"github.com/jkaberg/dock-station/internal/swap"
	"github.com/sirupsen/logrus"
)

const (
	sequenceMonitoring  = "monitoring"
	sequenceBatterySwap = "battery_swap"
)

// EventLog is the append side of the diagnostic log.
type EventLog interface {
	Append(ctx context.Context, kind eventlog.Kind, payload any) (eventlog.Entry, error)
}

// Hardware bundles the drivers the station runs against. Sink and Events
// may be nil.
type Hardware struct {
	Distance hw.DistanceSensor
	Arm      hw.ArmDriver
	BMS      hw.BatteryManagementSystem
	Sun      hw.SunEphemeris
	Panel    hw.PanelMotorDriver
	Cleaner  hw.CleaningActuator
	Sink     hw.MonitoringSink
	Events   EventLog
}

// Station owns every piece of controller state. Tick must only be called
// from one goroutine; Enqueue is safe from any.
type Station struct {
	dock     *dock.Adapter
	arm      *arm.Controller
	bank     *bank.Bank
	swap     *swap.Coordinator
	tracker  *solar.Tracker
	cleaning *solar.Scheduler
	reporter *status.Reporter
	events   EventLog
	logger   *logrus.Logger

	commands chan domain.Command
	standing []domain.StandingFault
}

// NewStation builds the controller from the configuration. start is when
// the first cleaning interval begins.
func NewStation(cfg *config.Config, h Hardware, start time.Time, logger *logrus.Logger) (*Station, error) {
	inv := bank.Inventory{
		Slots:        cfg.Inventory.Slots,
		DroneBattery: domain.BatteryID(cfg.Inventory.DroneBattery),
	}
	for _, id := range cfg.Inventory.SlotBatteries {
		inv.SlotBatteries = append(inv.SlotBatteries, domain.BatteryID(id))
	}
	for _, id := range cfg.Inventory.Charged {
		inv.Charged = append(inv.Charged, domain.BatteryID(id))
	}
	th := bank.Thresholds{
		CompleteLevel: cfg.ChargeCompleteThreshold,
		OverheatC:     cfg.OverheatTempC,
		ResumeC:       cfg.ResumeTempC,
	}
	b, err := bank.New(inv, h.BMS, th, cfg.HardwareTimeout(), logger)
	if err != nil {
		return nil, fmt.Errorf("charging bank: %w", err)
	}

	a := arm.NewController(h.Arm, cfg.HardwareTimeout(), logger)
	s := &Station{
		dock: dock.NewAdapter(h.Distance, cfg.DockDistanceThresholdCM, cfg.DebounceTicks, cfg.SensorTimeout(), logger),
		arm:  a,
		bank: b,
		swap: swap.NewCoordinator(a, b, logger),
		tracker: solar.NewTracker(h.Sun, h.Panel, solar.TrackerConfig{
			Site:         hw.Site{Latitude: cfg.Site.Latitude, Longitude: cfg.Site.Longitude},
			Deadband:     cfg.PanelDeadbandDegrees,
			MinInterval:  cfg.PanelMinInterval(),
			Timeout:      cfg.HardwareTimeout(),
			InitialAngle: cfg.PanelParkAngle,
		}, logger),
		cleaning: solar.NewScheduler(h.Cleaner, cfg.CleaningInterval(), cfg.HardwareTimeout(), start, logger),
		reporter: status.NewReporter(h.Sink, config.FaultLogSize, config.SinkTimeout, start, logger),
		events:   h.Events,
		logger:   logger,
		commands: make(chan domain.Command, config.CommandBacklog),
	}
	return s, nil
}

// Enqueue queues an operator command for the next tick. The cleaning
// trigger is applied immediately since it is only a flag.
func (s *Station) Enqueue(cmd domain.Command) error {
	if cmd == domain.CommandClean {
		s.cleaning.Trigger()
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return api.ErrCommandQueueFull
	}
}

// Latest returns the most recently published snapshot, or nil before the
// first tick.
func (s *Station) Latest() *domain.Snapshot { return s.reporter.Latest() }

// Start sends the charge command to every slotted battery that is not yet
// charged. Batteries that fail are marked Error by the bank.
func (s *Station) Start(ctx context.Context, now time.Time) {
	for _, bat := range s.bank.Batteries() {
		if bat.Location.Kind != domain.LocSlot || bat.Status != domain.StatusCharging {
			continue
		}
		if err := s.bank.Start(ctx, bat.ID); err != nil {
			s.recordFault(now, "charging", "charging_hardware_fault", err)
		}
	}
}

// Run starts charging and then ticks at the given period until ctx is
// cancelled.
func (s *Station) Run(ctx context.Context, period time.Duration) error {
	s.Start(ctx, time.Now())
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs one control cycle. A failing step is recorded and the
// remaining steps still run.
func (s *Station) Tick(ctx context.Context, now time.Time) {
	s.step(now, "command", func() error { return s.applyCommands(ctx, now) })
	s.step(now, "dock", func() error { return s.pollDock(ctx, now) })
	s.step(now, "charging", func() error { return s.monitorBank(ctx, now) })
	s.step(now, "cleaning", func() error { return s.cleanIfDue(ctx, now) })
	s.step(now, "solar", func() error { return s.trackSun(ctx, now) })
	s.step(now, "status", func() error { return s.publish(ctx, now) })
	s.swap.Settle()
}

func (s *Station) step(now time.Time, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"step":  name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Control step panicked")
			s.recordFault(now, name, "panic", fmt.Errorf("%v", r))
		}
	}()
	if err := fn(); err != nil {
		s.logger.WithError(err).WithField("step", name).Debug("Control step reported an error")
	}
}

func (s *Station) applyCommands(ctx context.Context, now time.Time) error {
	for {
		select {
		case cmd := <-s.commands:
			s.apply(ctx, now, cmd)
		default:
			return nil
		}
	}
}

func (s *Station) apply(ctx context.Context, now time.Time, cmd domain.Command) {
	s.logger.WithField("command", cmd).Info("Applying operator command")
	payload := map[string]any{"command": cmd}

	switch cmd {
	case domain.CommandClean:
		// Trigger was already set by Enqueue.
	case domain.CommandResetArm:
		if err := s.arm.Reset(ctx); err != nil {
			s.recordFault(now, "arm", "reset_failed", err)
			payload["error"] = err.Error()
			break
		}
		s.clearStanding(domain.FaultArmHalted)
	case domain.CommandResetFaults:
		if s.arm.Position() != domain.ArmHalted {
			s.clearStanding(domain.FaultArmHalted)
		}
		s.clearStanding(domain.FaultBankOversubscribed)
		s.reporter.ClearFaults()
	}
	s.appendEvent(ctx, eventlog.KindCommand, payload)
}

func (s *Station) pollDock(ctx context.Context, now time.Time) error {
	ev, err := s.dock.Poll(ctx, now)
	if err != nil {
		s.recordFault(now, "dock", "sensor_fault", err)
		return err
	}

	switch ev {
	case dock.EventArrived:
		s.appendEvent(ctx, eventlog.KindDock, map[string]any{"event": ev.String(), "time": now})
		return s.runSwap(ctx, now)
	case dock.EventDeparted:
		s.appendEvent(ctx, eventlog.KindDock, map[string]any{"event": ev.String(), "time": now})
	}
	return nil
}

func (s *Station) runSwap(ctx context.Context, now time.Time) error {
	if len(s.standing) > 0 {
		s.logger.WithField("faults", describeStanding(s.standing)).Warn("Drone docked but swaps are suppressed until reset")
		s.appendEvent(ctx, eventlog.KindSwap, map[string]any{"suppressed": true, "faults": s.standing})
		return nil
	}

	out, err := s.swap.Swap(ctx)
	if out != nil {
		s.appendEvent(ctx, eventlog.KindSwap, out)
	}
	if err == nil {
		return nil
	}

	var fault *arm.Fault
	switch {
	case errors.Is(err, bank.ErrBankOversubscribed):
		s.raiseStanding(ctx, now, domain.FaultBankOversubscribed)
	case errors.As(err, &fault):
		s.recordFault(now, "arm", faultKind(fault.Kind), err)
		s.appendEvent(ctx, eventlog.KindArmFault, map[string]any{
			"kind":    faultKind(fault.Kind),
			"battery": fault.Battery,
			"halted":  fault.Halted,
			"error":   err.Error(),
		})
		if fault.Halted {
			s.raiseStanding(ctx, now, domain.FaultArmHalted)
		}
	case errors.Is(err, arm.ErrArmHalted):
		s.raiseStanding(ctx, now, domain.FaultArmHalted)
	case errors.Is(err, swap.ErrNoChargedBattery):
		s.recordFault(now, "swap", "no_charged_battery", err)
	default:
		s.recordFault(now, "swap", "swap_failed", err)
	}
	return err
}

func faultKind(kind error) string {
	switch {
	case errors.Is(kind, arm.ErrExtractionFailed):
		return "extraction_failed"
	case errors.Is(kind, arm.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(kind, arm.ErrInstallationFailed):
		return "installation_failed"
	}
	return "arm_fault"
}

func (s *Station) monitorBank(ctx context.Context, now time.Time) error {
	before := statusByID(s.bank.Batteries())
	err := s.bank.Monitor(ctx)

	for _, bat := range s.bank.Batteries() {
		if prev, ok := before[bat.ID]; ok && prev != bat.Status {
			s.appendEvent(ctx, eventlog.KindCharging, map[string]any{
				"battery":     bat.ID,
				"from":        prev,
				"to":          bat.Status,
				"charge":      bat.ChargeLevel,
				"temperature": bat.Temperature,
			})
		}
	}
	if err != nil {
		s.recordFault(now, "charging", "charging_hardware_fault", err)
	}
	return err
}

func statusByID(bats []domain.Battery) map[domain.BatteryID]domain.BatteryStatus {
	m := make(map[domain.BatteryID]domain.BatteryStatus, len(bats))
	for _, b := range bats {
		m[b.ID] = b.Status
	}
	return m
}

func (s *Station) cleanIfDue(ctx context.Context, now time.Time) error {
	if !s.cleaning.Due(now) {
		return nil
	}
	if err := s.cleaning.Clean(ctx, now); err != nil {
		s.recordFault(now, "cleaning", "cleaning_fault", err)
		return err
	}
	s.appendEvent(ctx, eventlog.KindCleaning, map[string]any{"time": now})
	return nil
}

func (s *Station) trackSun(ctx context.Context, now time.Time) error {
	cmd, err := s.tracker.Check(ctx, now)
	if err != nil {
		s.recordFault(now, "solar", "solar_motor_fault", err)
		return err
	}
	if cmd != nil {
		s.appendEvent(ctx, eventlog.KindSolar, cmd)
	}
	return nil
}

func (s *Station) publish(ctx context.Context, now time.Time) error {
	dockState := s.dock.State()
	seq := sequenceMonitoring
	if dockState.Docked {
		seq = sequenceBatterySwap
	}
	snap := s.reporter.Build(status.Input{
		Now:             now,
		Dock:            dockState,
		CurrentSequence: seq,
		ArmPosition:     s.arm.Position(),
		SwapStatus:      s.swap.Status(),
		LastSwap:        s.swap.LastOutcome(),
		DroneBattery:    s.bank.DroneBattery(),
		Slots:           s.bank.Slots(),
		Batteries:       s.bank.Batteries(),
		Panel: domain.PanelState{
			CurrentAngle:     s.tracker.Angle(),
			LastCleaningTime: s.cleaning.LastCleaning(),
		},
		CleaningDue:    s.cleaning.Due(now),
		StandingFaults: s.standing,
	})
	// Sink faults are logged by the reporter and never enter the fault log.
	return s.reporter.Publish(ctx, snap)
}

// recordFault puts a fault in the snapshot fault log and the diagnostic
// log.
func (s *Station) recordFault(now time.Time, subsystem, kind string, err error) {
	rec := domain.FaultRecord{Time: now, Subsystem: subsystem, Kind: kind, Message: err.Error()}
	s.reporter.RecordFault(rec)
	s.logger.WithError(err).WithFields(logrus.Fields{"subsystem": subsystem, "kind": kind}).Warn("Station fault")
	s.appendEvent(context.Background(), eventlog.KindFault, rec)
}

func (s *Station) hasStanding(f domain.StandingFault) bool {
	for _, sf := range s.standing {
		if sf == f {
			return true
		}
	}
	return false
}

// raiseStanding records a standing fault once. It stays until an operator
// command clears it.
func (s *Station) raiseStanding(ctx context.Context, now time.Time, f domain.StandingFault) {
	if s.hasStanding(f) {
		return
	}
	s.standing = append(s.standing, f)
	s.logger.WithField("fault", f).Error(f.Describe())
	s.reporter.RecordFault(domain.FaultRecord{Time: now, Subsystem: "station", Kind: string(f), Message: f.Describe()})
	s.appendEvent(ctx, eventlog.KindFault, map[string]any{"standing": f, "message": f.Describe()})
}

func (s *Station) clearStanding(f domain.StandingFault) {
	if !s.hasStanding(f) {
		return
	}
	kept := s.standing[:0]
	for _, sf := range s.standing {
		if sf != f {
			kept = append(kept, sf)
		}
	}
	s.standing = kept
	s.logger.WithField("fault", f).Info("Standing fault cleared")
}

// StandingFaults returns the faults currently suppressing swaps.
func (s *Station) StandingFaults() []domain.StandingFault {
	return append([]domain.StandingFault(nil), s.standing...)
}

func (s *Station) appendEvent(ctx context.Context, kind eventlog.Kind, payload any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, kind, payload); err != nil {
		s.logger.WithError(err).WithField("kind", kind).Warn("Diagnostic log append failed")
	}
}

func describeStanding(faults []domain.StandingFault) string {
	parts := make([]string, len(faults))
	for i, f := range faults {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
