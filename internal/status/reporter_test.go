package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newReporter(sink hw.MonitoringSink, size int) *Reporter {
	logger, _ := logtest.NewNullLogger()
	return NewReporter(sink, size, 0, t0, logger)
}

func TestBuildCopiesInput(t *testing.T) {
	r := newReporter(nil, 0)
	in := Input{
		Now:       t0.Add(time.Minute),
		Slots:     []domain.Slot{{Index: 0, Occupant: "B1"}},
		Batteries: []domain.Battery{{ID: "B1", Status: domain.StatusCharging}},
		LastSwap:  &domain.SwapOutcome{ID: "s1", Status: domain.SwapComplete},
	}
	snap := r.Build(in)

	in.Slots[0].Occupant = "B9"
	in.Batteries[0].Status = domain.StatusError
	in.LastSwap.Status = domain.SwapError

	if snap.Slots[0].Occupant != "B1" || snap.Batteries[0].Status != domain.StatusCharging {
		t.Errorf("snapshot shares slices with its input: %+v", snap)
	}
	if snap.LastSwap.Status != domain.SwapComplete {
		t.Errorf("snapshot shares last swap with its input")
	}
	if snap.UptimeSeconds != 60 {
		t.Errorf("uptime = %v", snap.UptimeSeconds)
	}
}

func TestBuildManualIntervention(t *testing.T) {
	r := newReporter(nil, 0)
	snap := r.Build(Input{Now: t0})
	if snap.ManualInterventionRequired {
		t.Fatal("intervention flagged without standing faults")
	}

	snap = r.Build(Input{Now: t0, StandingFaults: []domain.StandingFault{domain.FaultArmHalted}})
	if !snap.ManualInterventionRequired || !strings.Contains(snap.InterventionReason, "reset-arm") {
		t.Errorf("intervention = %v, reason = %q", snap.ManualInterventionRequired, snap.InterventionReason)
	}
}

func TestFaultLogBounded(t *testing.T) {
	r := newReporter(nil, 3)
	for i := 0; i < 5; i++ {
		r.RecordFault(domain.FaultRecord{Kind: fmt.Sprintf("f%d", i)})
	}
	got := r.Faults()
	if len(got) != 3 || got[0].Kind != "f2" || got[2].Kind != "f4" {
		t.Errorf("faults = %+v", got)
	}

	snap := r.Build(Input{Now: t0})
	r.RecordFault(domain.FaultRecord{Kind: "later"})
	if len(snap.Faults) != 3 {
		t.Errorf("snapshot fault log changed after build: %d", len(snap.Faults))
	}
}

func TestPublishSinkFaultIsNonFatal(t *testing.T) {
	sink := &hw.FakeSink{Err: errors.New("broker down")}
	r := newReporter(sink, 0)
	snap := r.Build(Input{Now: t0})

	err := r.Publish(context.Background(), snap)
	if !errors.Is(err, ErrSinkFault) {
		t.Fatalf("err = %v, want sink fault", err)
	}
	if r.Latest() != snap {
		t.Error("latest not updated on sink failure")
	}

	sink.Err = nil
	if err := r.Publish(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	if sink.Last() != snap {
		t.Error("snapshot not pushed")
	}
}
