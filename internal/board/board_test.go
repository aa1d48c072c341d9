package board

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// device is a scripted board on the far side of a pipe. Replies are tagged
// with the request's sequence number; reply sees the request without it.
type device struct {
	mu       sync.Mutex
	requests []string
	reply    func(req string) (string, bool)
}

type pipeRW struct {
	io.Reader
	io.Writer
}

func newTestBoard(t *testing.T, reply func(req string) (string, bool)) (*Board, *device) {
	t.Helper()
	toDev, fromHost := io.Pipe()
	toHost, fromDev := io.Pipe()
	d := &device{reply: reply}

	go func() {
		sc := bufio.NewScanner(toDev)
		for sc.Scan() {
			tag, req, _ := strings.Cut(sc.Text(), " ")
			d.mu.Lock()
			d.requests = append(d.requests, req)
			d.mu.Unlock()
			if resp, ok := d.reply(req); ok {
				if _, err := io.WriteString(fromDev, tag+" "+resp+"\n"); err != nil {
					return
				}
			}
		}
	}()

	logger, _ := logtest.NewNullLogger()
	b := New(pipeRW{Reader: toHost, Writer: fromHost}, logger)
	t.Cleanup(func() {
		fromHost.Close()
		fromDev.Close()
	})
	return b, d
}

func (d *device) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestDistanceRead(t *testing.T) {
	b, _ := newTestBoard(t, func(req string) (string, bool) { return "OK 12.5", true })
	cm, err := b.DistanceSensor().Read(ctxTimeout(t, time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if cm != 12.5 {
		t.Errorf("cm = %v", cm)
	}
}

func TestDistanceTimeout(t *testing.T) {
	first := true
	b, _ := newTestBoard(t, func(req string) (string, bool) {
		if first {
			first = false
			return "", false
		}
		return "OK 80", true
	})

	_, err := b.DistanceSensor().Read(ctxTimeout(t, 20*time.Millisecond))
	if !errors.Is(err, hw.ErrSensorTimeout) {
		t.Fatalf("err = %v, want sensor timeout", err)
	}
	cm, err := b.DistanceSensor().Read(ctxTimeout(t, time.Second))
	if err != nil || cm != 80 {
		t.Errorf("after timeout: cm = %v, err = %v", cm, err)
	}
}

func TestBMSRead(t *testing.T) {
	b, d := newTestBoard(t, func(req string) (string, bool) {
		switch req {
		case "BMS READ B1":
			return "OK 87.5 31.2", true
		case "BMS READ B2":
			return "OK nonsense", true
		}
		return "ERR unknown", true
	})
	ctx := ctxTimeout(t, time.Second)

	r, err := b.BMS().Read(ctx, "B1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Charge != 87.5 || r.Temperature != 31.2 {
		t.Errorf("reading = %+v", r)
	}
	if _, err := b.BMS().Read(ctx, "B2"); !errors.Is(err, ErrProtocol) {
		t.Errorf("malformed reply err = %v", err)
	}
	if got := d.seen(); len(got) != 2 {
		t.Errorf("requests = %v", got)
	}
}

func TestCommandsAndErrors(t *testing.T) {
	b, d := newTestBoard(t, func(req string) (string, bool) {
		if req == "ARM EXTRACT B0" {
			return "ERR gripper open", true
		}
		return "OK", true
	})
	ctx := ctxTimeout(t, time.Second)

	err := b.Command(ctx, hw.ActionExtract, "B0")
	if !errors.Is(err, hw.ErrHardwareFault) {
		t.Fatalf("arm err = %v, want hardware fault", err)
	}
	if err := b.Command(ctx, hw.ActionReturnHome, ""); err != nil {
		t.Fatal(err)
	}
	if err := b.SetAngle(ctx, 135.5); err != nil {
		t.Fatal(err)
	}
	if err := b.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.BMS().SendCharge(ctx, "B3"); err != nil {
		t.Fatal(err)
	}

	want := []string{"ARM EXTRACT B0", "ARM RETURN_HOME", "PANEL 135.5", "CLEAN", "BMS CHARGE B3"}
	got := d.seen()
	if len(got) != len(want) {
		t.Fatalf("requests = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTimeoutErrors(t *testing.T) {
	b, _ := newTestBoard(t, func(req string) (string, bool) { return "", false })

	err := b.Activate(ctxTimeout(t, 20*time.Millisecond))
	if !errors.Is(err, hw.ErrHardwareFault) {
		t.Errorf("command err = %v, want hardware fault", err)
	}
	_, err = b.BMS().Read(ctxTimeout(t, 20*time.Millisecond), "B1")
	if !errors.Is(err, hw.ErrSensorTimeout) || errors.Is(err, hw.ErrHardwareFault) {
		t.Errorf("BMS read err = %v, want sensor timeout only", err)
	}
}

func TestLateReplyIsNotTakenForNextRequest(t *testing.T) {
	b, _ := newTestBoard(t, func(req string) (string, bool) {
		switch req {
		case "BMS READ B1":
			time.Sleep(80 * time.Millisecond)
			return "OK 99 70", true
		case "BMS READ B2":
			return "OK 10 20", true
		}
		return "ERR unknown", true
	})

	if _, err := b.BMS().Read(ctxTimeout(t, 20*time.Millisecond), "B1"); !errors.Is(err, hw.ErrSensorTimeout) {
		t.Fatalf("B1 err = %v, want sensor timeout", err)
	}
	r, err := b.BMS().Read(ctxTimeout(t, time.Second), "B2")
	if err != nil {
		t.Fatal(err)
	}
	if r.Charge != 10 || r.Temperature != 20 {
		t.Errorf("B2 reading = %+v, want its own reply", r)
	}
}

func TestUntaggedLineIsDropped(t *testing.T) {
	b, _ := newTestBoard(t, func(req string) (string, bool) {
		return "OK 42\nOK 12", true
	})
	for i := 0; i < 2; i++ {
		cm, err := b.DistanceSensor().Read(ctxTimeout(t, time.Second))
		if err != nil || cm != 42 {
			t.Errorf("read %d: cm = %v, err = %v", i, cm, err)
		}
	}
}
