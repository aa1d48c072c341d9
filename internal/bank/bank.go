// Package bank manages the charging slots and the battery inventory.
//
// The bank is the single writer of both slot occupancy and battery
// location, so the two always agree. It is not safe for concurrent use; the
// station control loop owns it.
package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownBattery     = errors.New("unknown battery")
	ErrBankOversubscribed = errors.New("charging bank oversubscribed: no empty slot")
	ErrWrongLocation      = errors.New("battery not at expected location")
	ErrSlotOccupied       = errors.New("slot occupied")
)

// Thresholds drive the charging state machine. The gap between OverheatC
// and ResumeC is the hysteresis band.
type Thresholds struct {
	CompleteLevel float64
	OverheatC     float64
	ResumeC       float64
}

// DefaultThresholds are 100 %, 60 °C and 40 °C.
func DefaultThresholds() Thresholds {
	return Thresholds{CompleteLevel: 100, OverheatC: 60, ResumeC: 40}
}

// Inventory is the fixed set of batteries and slots created at start-up.
type Inventory struct {
	Slots        int
	DroneBattery domain.BatteryID
	// SlotBatteries[i] is the battery initially in slot i ("" = empty).
	SlotBatteries []domain.BatteryID
	// Charged lists batteries that start fully charged.
	Charged []domain.BatteryID
}

// Bank is the charging bank.
type Bank struct {
	bms        hw.BatteryManagementSystem
	thresholds Thresholds
	timeout    time.Duration
	logger     *logrus.Logger

	slots     []domain.Slot
	batteries []*domain.Battery
	byID      map[domain.BatteryID]*domain.Battery
	// displaced holds the status a battery had before Place reset it, until
	// charging starts or the battery goes back into the drone.
	displaced map[domain.BatteryID]domain.BatteryStatus
}

// New builds the bank from the inventory. Batteries start Charging except
// the ones listed as charged, which start Complete.
func New(inv Inventory, bms hw.BatteryManagementSystem, th Thresholds, timeout time.Duration, logger *logrus.Logger) (*Bank, error) {
	if inv.Slots < 1 {
		return nil, fmt.Errorf("inventory needs at least one slot")
	}
	if len(inv.SlotBatteries) > inv.Slots {
		return nil, fmt.Errorf("inventory lists %d slot batteries for %d slots", len(inv.SlotBatteries), inv.Slots)
	}

	b := &Bank{
		bms:        bms,
		thresholds: th,
		timeout:    timeout,
		logger:     logger,
		slots:      make([]domain.Slot, inv.Slots),
		byID:       make(map[domain.BatteryID]*domain.Battery),
		displaced:  make(map[domain.BatteryID]domain.BatteryStatus),
	}
	charged := make(map[domain.BatteryID]bool, len(inv.Charged))
	for _, id := range inv.Charged {
		charged[id] = true
	}

	add := func(id domain.BatteryID, loc domain.Location) error {
		if _, dup := b.byID[id]; dup {
			return fmt.Errorf("battery %s listed twice", id)
		}
		bat := &domain.Battery{ID: id, Status: domain.StatusCharging, Location: loc}
		if charged[id] {
			bat.Status = domain.StatusComplete
			bat.ChargeLevel = th.CompleteLevel
		}
		b.batteries = append(b.batteries, bat)
		b.byID[id] = bat
		return nil
	}

	if inv.DroneBattery != "" {
		if err := add(inv.DroneBattery, domain.InDrone()); err != nil {
			return nil, err
		}
	}
	for i := range b.slots {
		b.slots[i].Index = i
		if i >= len(inv.SlotBatteries) || inv.SlotBatteries[i] == "" {
			continue
		}
		id := inv.SlotBatteries[i]
		if err := add(id, domain.InSlot(i)); err != nil {
			return nil, err
		}
		b.slots[i].Occupant = id
	}
	return b, nil
}

// Batteries returns copies of all battery records in inventory order.
func (b *Bank) Batteries() []domain.Battery {
	out := make([]domain.Battery, len(b.batteries))
	for i, bat := range b.batteries {
		out[i] = *bat
	}
	return out
}

// Slots returns a copy of the slot table.
func (b *Bank) Slots() []domain.Slot {
	return append([]domain.Slot(nil), b.slots...)
}

// Battery returns a copy of one battery record.
func (b *Bank) Battery(id domain.BatteryID) (domain.Battery, bool) {
	bat, ok := b.byID[id]
	if !ok {
		return domain.Battery{}, false
	}
	return *bat, true
}

// DroneBattery returns the battery installed in the drone, or "".
func (b *Bank) DroneBattery() domain.BatteryID {
	for _, bat := range b.batteries {
		if bat.Location.Kind == domain.LocInDrone {
			return bat.ID
		}
	}
	return ""
}

// HasEmptySlot reports whether Place would succeed.
func (b *Bank) HasEmptySlot() bool {
	return b.firstEmpty() >= 0
}

func (b *Bank) firstEmpty() int {
	for i := range b.slots {
		if b.slots[i].Empty() {
			return i
		}
	}
	return -1
}

func (b *Bank) lookup(id domain.BatteryID, want domain.LocationKind) (*domain.Battery, error) {
	bat, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBattery, id)
	}
	if bat.Location.Kind != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrWrongLocation, id, bat.Location, want)
	}
	return bat, nil
}

// ReleaseFromDrone marks the drone battery as held by the arm.
func (b *Bank) ReleaseFromDrone(id domain.BatteryID) error {
	bat, err := b.lookup(id, domain.LocInDrone)
	if err != nil {
		return err
	}
	bat.Location = domain.InTransit()
	return nil
}

// Place puts an in-transit battery into the lowest empty slot and returns
// the slot index. Re-slotting clears terminal statuses; charging itself
// only begins with Start.
func (b *Bank) Place(id domain.BatteryID) (int, error) {
	bat, err := b.lookup(id, domain.LocInTransit)
	if err != nil {
		return -1, err
	}
	idx := b.firstEmpty()
	if idx < 0 {
		return -1, ErrBankOversubscribed
	}
	b.slots[idx].Occupant = id
	bat.Location = domain.InSlot(idx)
	b.displaced[id] = bat.Status
	bat.Status = domain.StatusCharging
	b.logger.WithFields(logrus.Fields{"battery": id, "slot": domain.SlotName(idx)}).Debug("bank: battery placed")
	return idx, nil
}

// Restore returns an in-transit battery to a specific slot, used when an
// install fails and the arm stows the pack where it came from.
func (b *Bank) Restore(id domain.BatteryID, slot int) error {
	bat, err := b.lookup(id, domain.LocInTransit)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("slot index %d out of range", slot)
	}
	if !b.slots[slot].Empty() {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, domain.SlotName(slot))
	}
	b.slots[slot].Occupant = id
	bat.Location = domain.InSlot(slot)
	return nil
}

// ReturnToDrone marks an in-transit battery as back in the drone, used when
// an extraction did not actually remove it.
func (b *Bank) ReturnToDrone(id domain.BatteryID) error {
	if other := b.DroneBattery(); other != "" {
		return fmt.Errorf("drone already holds %s", other)
	}
	bat, err := b.lookup(id, domain.LocInTransit)
	if err != nil {
		return err
	}
	bat.Location = domain.InDrone()
	return nil
}

// SelectCharged returns the battery in the lowest-indexed slot whose status
// is Complete. Finding none is a normal result.
func (b *Bank) SelectCharged() (domain.BatteryID, bool) {
	for _, s := range b.slots {
		if s.Empty() {
			continue
		}
		if b.byID[s.Occupant].Status == domain.StatusComplete {
			return s.Occupant, true
		}
	}
	return "", false
}

// Take removes a battery from its slot and marks it in transit. It returns
// the slot it came from.
func (b *Bank) Take(id domain.BatteryID) (int, error) {
	bat, err := b.lookup(id, domain.LocSlot)
	if err != nil {
		return -1, err
	}
	idx := bat.Location.Slot
	b.slots[idx].Occupant = ""
	bat.Location = domain.InTransit()
	return idx, nil
}

// Install marks an in-transit battery as installed in the drone. A battery
// that was placed and taken again without charging gets back the status it
// had in the drone.
func (b *Bank) Install(id domain.BatteryID) error {
	if err := b.ReturnToDrone(id); err != nil {
		return err
	}
	if st, ok := b.displaced[id]; ok {
		b.byID[id].Status = st
		delete(b.displaced, id)
	}
	return nil
}

func (b *Bank) hwCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}

// Start sends the charge command for a slotted battery. A hardware failure
// marks the battery Error.
func (b *Bank) Start(ctx context.Context, id domain.BatteryID) error {
	bat, err := b.lookup(id, domain.LocSlot)
	if err != nil {
		return err
	}
	delete(b.displaced, id)
	ctx, cancel := b.hwCtx(ctx)
	defer cancel()
	if err := b.bms.SendCharge(ctx, id); err != nil {
		bat.Status = domain.StatusError
		return fmt.Errorf("start charging %s: %w", id, err)
	}
	bat.Status = domain.StatusCharging
	b.logger.WithField("battery", id).Info("Charging started")
	return nil
}

// Stop sends the stop command and marks the battery Complete.
func (b *Bank) Stop(ctx context.Context, id domain.BatteryID) error {
	bat, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBattery, id)
	}
	ctx, cancel := b.hwCtx(ctx)
	defer cancel()
	if err := b.bms.SendStop(ctx, id); err != nil {
		bat.Status = domain.StatusError
		return fmt.Errorf("stop charging %s: %w", id, err)
	}
	bat.Status = domain.StatusComplete
	b.logger.WithFields(logrus.Fields{"battery": id, "charge": bat.ChargeLevel}).Info("Charging complete")
	return nil
}

// Monitor evaluates every occupied slot once. Per-battery hardware faults
// are isolated: the battery is marked Error and the remaining slots are
// still processed. The returned error joins all faults seen. A read that
// times out leaves the battery as it was until the next pass.
func (b *Bank) Monitor(ctx context.Context) error {
	var errs []error
	for _, s := range b.slots {
		if s.Empty() {
			continue
		}
		bat := b.byID[s.Occupant]
		if bat.Status.Terminal() {
			continue
		}
		if err := b.monitorOne(ctx, bat); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bank) monitorOne(ctx context.Context, bat *domain.Battery) error {
	rctx, cancel := b.hwCtx(ctx)
	r, err := b.bms.Read(rctx, bat.ID)
	cancel()
	if errors.Is(err, hw.ErrSensorTimeout) || errors.Is(err, context.DeadlineExceeded) {
		b.logger.WithError(err).WithField("battery", bat.ID).Debug("bank: no BMS reading this pass")
		return nil
	}
	if err != nil {
		bat.Status = domain.StatusError
		b.logger.WithError(err).WithField("battery", bat.ID).Warn("Battery read failed, marking error")
		return fmt.Errorf("read battery %s: %w", bat.ID, err)
	}
	bat.ChargeLevel = r.Charge
	bat.Temperature = r.Temperature

	th := b.thresholds
	switch {
	case bat.Status == domain.StatusCharging && r.Charge >= th.CompleteLevel:
		return b.Stop(ctx, bat.ID)

	case bat.Status == domain.StatusCharging && r.Temperature > th.OverheatC:
		bat.Status = domain.StatusOverheated
		b.logger.WithFields(logrus.Fields{"battery": bat.ID, "temp": r.Temperature}).Warn("Battery overheated, charging paused")
		sctx, cancel := b.hwCtx(ctx)
		defer cancel()
		if err := b.bms.SendStop(sctx, bat.ID); err != nil {
			bat.Status = domain.StatusError
			return fmt.Errorf("pause overheated %s: %w", bat.ID, err)
		}

	case bat.Status == domain.StatusOverheated && r.Temperature < th.ResumeC:
		bat.Status = domain.StatusCharging
		b.logger.WithFields(logrus.Fields{"battery": bat.ID, "temp": r.Temperature}).Info("Battery cooled, charging resumed")
		sctx, cancel := b.hwCtx(ctx)
		defer cancel()
		if err := b.bms.SendCharge(sctx, bat.ID); err != nil {
			bat.Status = domain.StatusError
			return fmt.Errorf("resume %s: %w", bat.ID, err)
		}
	}
	return nil
}
