package monitor

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	s, err := storage.Open(filepath.Join(t.TempDir(), "prices.json"), 20, storage.WithClock(func() time.Time {
		clock = clock.Add(5 * time.Minute)
		return clock
	}))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s
}

func feed(t *testing.T, s *storage.Store, key string, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		p := p
		if err := s.Merge([]storage.Update{{Key: key, URL: "u-" + key, Price: &p}}); err != nil {
			t.Fatalf("Merge: %v", err)
		}
	}
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetect_UpMovementThenDedup(t *testing.T) {
	s := newTestStore(t)
	prices := append(flat(19, 100), 112)
	feed(t, s, "foo.bar", prices...)

	d := New(s, Config{Threshold: 7.5, WindowSize: 20})
	events := d.Detect()

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Direction != models.DirectionUp {
		t.Errorf("direction = %s, want up", ev.Direction)
	}
	if math.Abs(ev.Percent-12.0) > 1e-9 {
		t.Errorf("percent = %f, want 12", ev.Percent)
	}
	if ev.Price != 112 || ev.Ticker != "FOO•BAR" {
		t.Errorf("unexpected event %+v", ev)
	}

	rec, _ := s.Get("foo.bar")
	if rec.LastNotified != models.Marker(rec.Timestamps[19]) {
		t.Errorf("marker = %q, want newest timestamp %q", rec.LastNotified, rec.Timestamps[19])
	}

	if again := d.Detect(); len(again) != 0 {
		t.Errorf("re-run on unchanged store emitted %d events", len(again))
	}

	// a fresh detector sees the persisted marker
	if again := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect(); len(again) != 0 {
		t.Errorf("fresh detector re-notified %d events", len(again))
	}
}

func TestDetect_DownMovement(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", append(flat(19, 100), 90)...)

	events := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect()
	if len(events) != 1 || events[0].Direction != models.DirectionDown {
		t.Fatalf("got %+v, want one down event", events)
	}
	if math.Abs(events[0].Percent+10) > 1e-9 {
		t.Errorf("percent = %f, want -10", events[0].Percent)
	}

	rec, _ := s.Get("foo")
	if rec.LastNotified == models.NeverNotified {
		t.Error("down movements must set the marker too")
	}
}

func TestDetect_InsufficientHistory(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", 1, 1000)

	if events := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect(); len(events) != 0 {
		t.Errorf("got %d events for a 2-sample window", len(events))
	}
}

func TestDetect_BelowThreshold(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", append(flat(19, 100), 107.5)...)

	if events := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect(); len(events) != 0 {
		t.Errorf("7.5%% must not exceed a 7.5%% threshold, got %d events", len(events))
	}
}

func TestDetect_ZeroOldPrice(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", append([]float64{0}, flat(19, 5)...)...)

	if events := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect(); len(events) != 0 {
		t.Errorf("got %d events with zero base price", len(events))
	}
}

func TestDetect_NewSampleAfterNotificationFiresAgain(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", append(flat(19, 100), 120)...)
	d := New(s, Config{Threshold: 7.5, WindowSize: 20})

	if n := len(d.Detect()); n != 1 {
		t.Fatalf("first detect: %d events", n)
	}

	feed(t, s, "foo", 130)
	events := d.Detect()
	if len(events) != 1 {
		t.Fatalf("second detect: %d events, want 1 for the new sample", len(events))
	}
	seen := map[string]bool{}
	for _, ev := range events {
		if seen[ev.Timestamp] {
			t.Errorf("duplicate event for %s", ev.Timestamp)
		}
		seen[ev.Timestamp] = true
	}
}

func TestDetect_MultipleRecordsSorted(t *testing.T) {
	s := newTestStore(t)
	for i, key := range []string{"zeta", "alpha", "mid"} {
		prices := append(flat(19, 100), 100+float64(10*(i+1)))
		feed(t, s, key, prices...)
	}

	events := New(s, Config{Threshold: 7.5, WindowSize: 20}).Detect()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, ev := range events {
		if ev.Key != want[i] {
			t.Errorf("event %d key = %s, want %s", i, ev.Key, want[i])
		}
	}
}

type failingMarkStore struct {
	*storage.Store
	calls int
}

func (f *failingMarkStore) MarkNotified(key, stamp string) error {
	f.calls++
	return errors.New("disk full")
}

func TestDetect_MarkerPersistFailureStillEmits(t *testing.T) {
	s := newTestStore(t)
	feed(t, s, "foo", append(flat(19, 100), 150)...)
	fs := &failingMarkStore{Store: s}

	events := New(fs, Config{Threshold: 7.5, WindowSize: 20}).Detect()
	if len(events) != 1 || fs.calls != 1 {
		t.Errorf("events=%d marks=%d, want 1/1", len(events), fs.calls)
	}
}

func TestPercentChange(t *testing.T) {
	tests := []struct {
		old, curr float64
		want      float64
		ok        bool
	}{
		{100, 112, 12, true},
		{100, 90, -10, true},
		{50, 50, 0, true},
		{0, 10, 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v->%v", tt.old, tt.curr), func(t *testing.T) {
			got, ok := PercentChange(tt.old, tt.curr)
			if ok != tt.ok || math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PercentChange = %v,%v want %v,%v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
