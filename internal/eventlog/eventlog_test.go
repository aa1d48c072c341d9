package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndList(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, KindDock, map[string]string{"event": "arrived"}); err != nil {
		t.Fatal(err)
	}
	swap, err := l.Append(ctx, KindSwap, map[string]string{"status": "complete"})
	if err != nil {
		t.Fatal(err)
	}
	if swap.ID == "" {
		t.Error("entry has no id")
	}

	entries, err := l.List(ctx, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Kind != KindSwap || entries[1].Kind != KindDock {
		t.Errorf("order = %s, %s; want newest first", entries[0].Kind, entries[1].Kind)
	}
	var payload map[string]string
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil || payload["status"] != "complete" {
		t.Errorf("payload = %s (%v)", entries[0].Payload, err)
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not round-tripped")
	}
}

func TestListFiltersAndLimits(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, KindSolar, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.Append(ctx, KindFault, map[string]string{"kind": "sink"}); err != nil {
		t.Fatal(err)
	}

	solar, err := l.List(ctx, 3, KindSolar)
	if err != nil {
		t.Fatal(err)
	}
	if len(solar) != 3 {
		t.Fatalf("got %d solar entries, want 3", len(solar))
	}
	for _, e := range solar {
		if e.Kind != KindSolar {
			t.Errorf("unexpected kind %s", e.Kind)
		}
	}

	none, err := l.List(ctx, 0, KindCommand)
	if err != nil {
		t.Fatal(err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("empty result = %#v, want empty slice", none)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(context.Background(), KindCommand, map[string]string{"command": "clean"}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	entries, err := l.List(context.Background(), 10, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v, err = %v", entries, err)
	}
}
