package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/bus"
	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeTx struct {
	sent []*domain.Snapshot
	err  error
}

func (f *fakeTx) Transmit(ctx context.Context, snap *domain.Snapshot) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, snap)
	return nil
}

func (f *fakeTx) IsConnected() bool { return f.err == nil }

func TestSchedulerDispatch(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	tx := &fakeTx{}
	s := newScheduler([]Sink{{Name: "fake", Tx: tx, Interval: 10 * time.Second}}, time.Minute, t0, logger)
	ctx := context.Background()

	home := &domain.Snapshot{ArmPosition: domain.ArmHome}
	moving := &domain.Snapshot{ArmPosition: domain.ArmExtracting}

	steps := []struct {
		name string
		at   time.Duration
		snap *domain.Snapshot
		want int
	}{
		{"no snapshot yet", 0, nil, 0},
		{"first snapshot", 0, home, 1},
		{"within interval", 5 * time.Second, moving, 1},
		{"changed after interval", 10 * time.Second, moving, 2},
		{"unchanged", 30 * time.Second, moving, 2},
		{"forced resend", 70 * time.Second, moving, 3},
	}
	for _, st := range steps {
		s.dispatch(ctx, t0.Add(st.at), st.snap)
		if len(tx.sent) != st.want {
			t.Fatalf("%s: sent %d, want %d", st.name, len(tx.sent), st.want)
		}
	}
}

func TestSchedulerRetriesAfterError(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	tx := &fakeTx{err: errors.New("broker down")}
	s := newScheduler([]Sink{{Name: "fake", Tx: tx, Interval: 10 * time.Second}}, 0, t0, logger)
	snap := &domain.Snapshot{ArmPosition: domain.ArmHome}

	s.dispatch(context.Background(), t0, snap)
	tx.err = nil
	s.dispatch(context.Background(), t0.Add(5*time.Second), snap)
	if len(tx.sent) != 0 {
		t.Fatalf("resent inside interval")
	}
	s.dispatch(context.Background(), t0.Add(10*time.Second), snap)
	if len(tx.sent) != 1 {
		t.Fatalf("unchanged snapshot not retried after failure, sent %d", len(tx.sent))
	}
}

func TestSchedulerSkipsNilTransmitter(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	s := newScheduler([]Sink{{Name: "off"}}, time.Minute, t0, logger)
	if len(s.states) != 0 {
		t.Errorf("states = %d, want 0", len(s.states))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	messageBus := bus.New()
	station, err := NewStation(testConfig(), Hardware{
		Distance: hw.NewFakeDistance(far),
		Arm:      hw.NewFakeArm(),
		BMS:      hw.NewFakeBMS(),
		Sun:      &hw.FakeEphemeris{Value: 90},
		Panel:    &hw.FakePanel{},
		Cleaner:  &hw.FakeCleaner{},
		Sink:     messageBus,
	}, time.Now(), logger)
	if err != nil {
		t.Fatal(err)
	}

	tx := &fakeTx{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, station, messageBus, Options{
			TickPeriod: 10 * time.Millisecond,
			Sinks:      []Sink{{Name: "fake", Tx: tx}},
		}, logger)
	}()

	deadline := time.After(2 * time.Second)
	for station.Latest() == nil {
		select {
		case <-deadline:
			t.Fatal("no tick ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
