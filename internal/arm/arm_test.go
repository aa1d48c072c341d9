package arm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func newController(t *testing.T) (*Controller, *hw.FakeArm) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	driver := hw.NewFakeArm()
	return NewController(driver, time.Second, logger), driver
}

func TestExtractSuccess(t *testing.T) {
	c, driver := newController(t)

	id, err := c.Extract(context.Background(), "B0")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if id != "B0" {
		t.Errorf("id = %q, want B0", id)
	}
	if c.Position() != domain.ArmHome {
		t.Errorf("position = %s, want home", c.Position())
	}
	if got := driver.Actions(); len(got) != 1 || got[0] != hw.ActionExtract {
		t.Errorf("actions = %v", got)
	}
}

func TestExtractFaultEndsHomeOrHalted(t *testing.T) {
	tests := []struct {
		name         string
		failRecovery bool
		wantPos      domain.ArmPosition
		wantHalted   bool
	}{
		{"recovery succeeds", false, domain.ArmHome, false},
		{"recovery fails", true, domain.ArmHalted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, driver := newController(t)
			driver.Fail(hw.ActionExtract, 1)
			if tt.failRecovery {
				driver.Fail(hw.ActionReturnHome, 1)
			}

			_, err := c.Extract(context.Background(), "B0")
			if !errors.Is(err, ErrExtractionFailed) {
				t.Fatalf("err = %v, want extraction failure", err)
			}
			if errors.Is(err, ErrArmHalted) != tt.wantHalted {
				t.Errorf("halted = %v, want %v", errors.Is(err, ErrArmHalted), tt.wantHalted)
			}
			if c.Position() != tt.wantPos {
				t.Errorf("position = %s, want %s", c.Position(), tt.wantPos)
			}
			var fault *Fault
			if !errors.As(err, &fault) || fault.Battery != "B0" {
				t.Errorf("fault = %#v", fault)
			}
		})
	}
}

func TestVerificationFailureIsInstallFault(t *testing.T) {
	c, driver := newController(t)
	driver.Fail(hw.ActionVerify, 1)

	err := c.Install(context.Background(), "B1")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want verification failure", err)
	}
	if c.Position() != domain.ArmHome {
		t.Errorf("position = %s, want home", c.Position())
	}
	want := []hw.ArmAction{hw.ActionInstall, hw.ActionVerify, hw.ActionReturnHome}
	got := driver.Actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHaltedRejectsUntilReset(t *testing.T) {
	c, driver := newController(t)
	driver.Fail(hw.ActionInstall, 1)
	driver.Fail(hw.ActionReturnHome, 2)

	if err := c.Install(context.Background(), "B1"); !errors.Is(err, ErrArmHalted) {
		t.Fatalf("install err = %v, want halted", err)
	}
	if _, err := c.Extract(context.Background(), "B0"); !errors.Is(err, ErrArmHalted) {
		t.Fatalf("extract while halted err = %v", err)
	}
	calls := len(driver.Actions())

	if err := c.Reset(context.Background()); err == nil {
		t.Fatal("first reset should fail")
	}
	if c.Position() != domain.ArmHalted {
		t.Fatalf("position = %s, want halted", c.Position())
	}
	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if c.Position() != domain.ArmHome {
		t.Fatalf("position = %s, want home", c.Position())
	}
	if got := len(driver.Actions()); got != calls+2 {
		t.Errorf("driver calls after reset = %d, want %d", got, calls+2)
	}
}

func TestBusyWhileOperationInFlight(t *testing.T) {
	c, _ := newController(t)
	c.op.Lock()
	defer c.op.Unlock()

	if _, err := c.Extract(context.Background(), "B0"); !errors.Is(err, ErrArmBusy) {
		t.Errorf("err = %v, want busy", err)
	}
}

func TestMovementIgnoresCallerCancel(t *testing.T) {
	c, driver := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Extract(ctx, "B0"); err != nil {
		t.Fatalf("extract with cancelled ctx: %v", err)
	}
	if len(driver.Actions()) != 1 {
		t.Errorf("actions = %v", driver.Actions())
	}
}
