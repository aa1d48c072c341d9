package solar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

var t0 = time.Date(2026, 6, 21, 12, 0, 0, 0, time.UTC)

func newTracker(sun float64, cfg TrackerConfig) (*Tracker, *hw.FakeEphemeris, *hw.FakePanel) {
	logger, _ := logtest.NewNullLogger()
	eph := &hw.FakeEphemeris{Value: sun}
	panel := &hw.FakePanel{}
	return NewTracker(eph, panel, cfg, logger), eph, panel
}

func TestTrackerDeadband(t *testing.T) {
	tests := []struct {
		name    string
		current float64
		sun     float64
		want    bool
	}{
		{"inside deadband", 100, 101.5, false},
		{"on the edge", 100, 102, false},
		{"outside deadband", 100, 105, true},
		{"across north", 359, 3, true},
		{"small across north", 359.5, 0.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, panel := newTracker(tt.sun, TrackerConfig{Deadband: 2, InitialAngle: tt.current})
			cmd, err := tr.Check(context.Background(), t0)
			if err != nil {
				t.Fatal(err)
			}
			if (cmd != nil) != tt.want {
				t.Fatalf("command = %+v, want issued=%v", cmd, tt.want)
			}
			if tt.want {
				if len(panel.Angles) != 1 || panel.Angles[0] != tt.sun {
					t.Errorf("motor angles = %v", panel.Angles)
				}
				if tr.Angle() != tt.sun {
					t.Errorf("angle = %v, want %v", tr.Angle(), tt.sun)
				}
			} else if len(panel.Angles) != 0 {
				t.Errorf("motor commanded inside deadband: %v", panel.Angles)
			}
		})
	}
}

func TestTrackerSingleCommandPerMove(t *testing.T) {
	tr, _, panel := newTracker(120, TrackerConfig{Deadband: 2, InitialAngle: 90})
	for i := 0; i < 5; i++ {
		if _, err := tr.Check(context.Background(), t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if len(panel.Angles) != 1 {
		t.Errorf("motor angles = %v, want one command", panel.Angles)
	}
}

func TestTrackerMotorFaultLeavesState(t *testing.T) {
	tr, _, panel := newTracker(120, TrackerConfig{Deadband: 2, InitialAngle: 90})
	panel.Fail(1)

	cmd, err := tr.Check(context.Background(), t0)
	if !errors.Is(err, ErrSolarMotorFault) || cmd != nil {
		t.Fatalf("cmd = %v, err = %v", cmd, err)
	}
	if tr.Angle() != 90 {
		t.Errorf("angle = %v after fault, want 90", tr.Angle())
	}

	if cmd, err = tr.Check(context.Background(), t0.Add(time.Second)); err != nil || cmd == nil {
		t.Fatalf("retry: cmd = %v, err = %v", cmd, err)
	}
	if tr.Angle() != 120 {
		t.Errorf("angle = %v after retry", tr.Angle())
	}
}

func TestTrackerMinInterval(t *testing.T) {
	tr, eph, panel := newTracker(120, TrackerConfig{Deadband: 2, InitialAngle: 90, MinInterval: time.Minute})
	ctx := context.Background()

	_, _ = tr.Check(ctx, t0)
	eph.Value = 130
	_, _ = tr.Check(ctx, t0.Add(30*time.Second))
	if len(panel.Angles) != 1 {
		t.Fatalf("moved before min interval: %v", panel.Angles)
	}
	_, _ = tr.Check(ctx, t0.Add(61*time.Second))
	if len(panel.Angles) != 2 {
		t.Errorf("motor angles = %v, want two", panel.Angles)
	}
}

func newScheduler(interval time.Duration) (*Scheduler, *hw.FakeCleaner) {
	logger, _ := logtest.NewNullLogger()
	c := &hw.FakeCleaner{}
	return NewScheduler(c, interval, 0, t0, logger), c
}

func TestSchedulerInterval(t *testing.T) {
	s, c := newScheduler(3 * time.Hour)

	if s.Due(t0.Add(2 * time.Hour)) {
		t.Fatal("due before interval")
	}
	now := t0.Add(3 * time.Hour)
	if !s.Due(now) {
		t.Fatal("not due at interval")
	}
	if err := s.Clean(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if c.Activations != 1 || !s.LastCleaning().Equal(now) {
		t.Errorf("activations = %d, last = %v", c.Activations, s.LastCleaning())
	}
	if s.Due(now.Add(time.Hour)) {
		t.Error("due right after cleaning")
	}
}

func TestSchedulerTrigger(t *testing.T) {
	s, _ := newScheduler(3 * time.Hour)
	s.Trigger()
	if !s.Due(t0.Add(time.Minute)) {
		t.Fatal("trigger did not make cleaning due")
	}
	if err := s.Clean(context.Background(), t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if s.Due(t0.Add(2 * time.Minute)) {
		t.Error("trigger not cleared after cleaning")
	}
}

func TestSchedulerFailureRetries(t *testing.T) {
	s, c := newScheduler(time.Hour)
	c.Fail(1)
	now := t0.Add(time.Hour)

	if err := s.Clean(context.Background(), now); !errors.Is(err, ErrCleaningFault) {
		t.Fatalf("err = %v", err)
	}
	if !s.LastCleaning().Equal(t0) {
		t.Errorf("last cleaning moved on failure: %v", s.LastCleaning())
	}
	if !s.Due(now.Add(time.Second)) {
		t.Error("cleaning should still be due after a failure")
	}
}
