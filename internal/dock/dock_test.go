package dock

import (
	"context"
	"testing"
	"time"

	"github.com/jkaberg/dock-station/internal/hw"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func pollAll(t *testing.T, a *Adapter, n int) []Event {
	t.Helper()
	var events []Event
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ev, err := a.Poll(context.Background(), start.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if ev != EventNone {
			events = append(events, ev)
		}
	}
	return events
}

func TestDebouncedEdges(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		want    []Event
	}{
		{
			name:    "clean arrival",
			samples: []float64{50, 10, 10, 10, 10},
			want:    []Event{EventArrived},
		},
		{
			name:    "noise around threshold is ignored",
			samples: []float64{21, 19, 21, 19, 19, 21, 19, 21},
			want:    nil,
		},
		{
			name:    "noisy approach yields a single arrival",
			samples: []float64{25, 15, 25, 15, 15, 15, 25, 15, 25, 15},
			want:    []Event{EventArrived},
		},
		{
			name:    "arrival then departure",
			samples: []float64{10, 10, 10, 10, 40, 40, 40, 40},
			want:    []Event{EventArrived, EventDeparted},
		},
		{
			name:    "two landings",
			samples: []float64{10, 10, 10, 40, 40, 40, 10, 10, 10},
			want:    []Event{EventArrived, EventDeparted, EventArrived},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := logtest.NewNullLogger()
			sensor := hw.NewFakeDistance(100)
			sensor.Queue(tt.samples...)
			a := NewAdapter(sensor, 20, 3, 0, logger)

			got := pollAll(t, a, len(tt.samples))
			if len(got) != len(tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTimeoutIsNoData(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	sensor := hw.NewFakeDistance(100)
	sensor.Queue(10, 10)
	sensor.QueueTimeout()
	sensor.Queue(10)
	a := NewAdapter(sensor, 20, 3, 30*time.Millisecond, logger)

	got := pollAll(t, a, 4)
	if len(got) != 1 || got[0] != EventArrived {
		t.Fatalf("events = %v, want one arrival after the timeout", got)
	}
	if !a.State().Docked {
		t.Error("expected docked state")
	}
}

func TestStateTimes(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	sensor := hw.NewFakeDistance(100)
	sensor.Queue(5, 40)
	a := NewAdapter(sensor, 20, 1, 0, logger)

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if ev, _ := a.Poll(context.Background(), t0); ev != EventArrived {
		t.Fatalf("first poll = %v, want arrived", ev)
	}
	t1 := t0.Add(time.Minute)
	if ev, _ := a.Poll(context.Background(), t1); ev != EventDeparted {
		t.Fatalf("second poll = %v, want departed", ev)
	}

	st := a.State()
	if !st.ArrivalTime.Equal(t0) || !st.DepartureTime.Equal(t1) {
		t.Errorf("state = %+v", st)
	}
}
