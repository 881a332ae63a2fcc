package timing_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/wesleyorama2/mobu/internal/timing"
)

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) Now() time.Time          { return f.current }
func (f *fakeClock) Advance(d time.Duration) { f.current = f.current.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestStopTwiceFails(t *testing.T) {
	timings := timing.New()
	sw := timings.Start("spawn_lab", nil)

	if err := sw.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	err := sw.Stop()
	if !errors.Is(err, timing.ErrAlreadyStopped) {
		t.Errorf("second Stop() error = %v, want ErrAlreadyStopped", err)
	}
}

func TestElapsedIsStopMinusStart(t *testing.T) {
	clock := newFakeClock()
	timings := timing.New(timing.WithClock(clock))

	sw := timings.Start("execute_code", nil)
	clock.Advance(1500 * time.Millisecond)
	if err := sw.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := sw.Elapsed(); got != 1500*time.Millisecond {
		t.Errorf("Elapsed() = %v, want %v", got, 1500*time.Millisecond)
	}

	data := sw.Data()
	if data.Stop == nil || data.Elapsed == nil {
		t.Fatalf("Data() stop/elapsed missing: %+v", data)
	}
	if got := data.Stop.Sub(data.Start); got != sw.Elapsed() {
		t.Errorf("stop - start = %v, want %v", got, sw.Elapsed())
	}
}

func TestElapsedSincePreviousStop(t *testing.T) {
	clock := newFakeClock()
	timings := timing.New(timing.WithClock(clock))

	first := timings.Start("hub_login", nil)
	if got := first.ElapsedSincePreviousStop(); got != 0 {
		t.Errorf("first ElapsedSincePreviousStop() = %v, want 0", got)
	}
	if first.Data().Previous != nil {
		t.Errorf("first Previous = %v, want nil", *first.Data().Previous)
	}

	clock.Advance(time.Second)
	_ = first.Stop()
	clock.Advance(250 * time.Millisecond)

	second := timings.Start("lab_login", nil)
	if got := second.ElapsedSincePreviousStop(); got != 250*time.Millisecond {
		t.Errorf("second ElapsedSincePreviousStop() = %v, want 250ms", got)
	}
	prev := second.Data().Previous
	if prev == nil || *prev != first.Data().ID {
		t.Errorf("second Previous = %v, want %d", prev, first.Data().ID)
	}
}

func TestCurrentAndAnnotate(t *testing.T) {
	timings := timing.New()
	if timings.Current() != nil {
		t.Fatal("Current() on empty chain should be nil")
	}

	annotations := map[string]string{"notebook": "a.ipynb"}
	sw := timings.Start("execute_cell", annotations)
	annotations["notebook"] = "mutated"

	if timings.Current() != sw {
		t.Error("Current() should return the open stopwatch")
	}
	sw.Annotate("cell", "3")

	got := sw.Annotations()
	if got["notebook"] != "a.ipynb" || got["cell"] != "3" {
		t.Errorf("Annotations() = %v", got)
	}

	_ = sw.Stop()
	if timings.Current() != nil {
		t.Error("Current() after Stop should be nil")
	}
}

func TestObserverCalledOnStop(t *testing.T) {
	var seen []timing.Data
	timings := timing.New(timing.WithObserver(func(d timing.Data) {
		seen = append(seen, d)
	}))

	sw := timings.Start("delete_lab", nil)
	sw.Fail()
	_ = sw.Stop()

	if len(seen) != 1 {
		t.Fatalf("observer calls = %d, want 1", len(seen))
	}
	if seen[0].Event != "delete_lab" || !seen[0].Failed {
		t.Errorf("observed = %+v", seen[0])
	}
}

func TestMaxRecords(t *testing.T) {
	timings := timing.New(timing.WithMaxRecords(3))
	for i := 0; i < 5; i++ {
		_ = timings.Start("idle", nil).Stop()
	}

	dump := timings.Dump()
	if len(dump) != 3 {
		t.Fatalf("len(Dump()) = %d, want 3", len(dump))
	}
	if dump[0].ID != 2 {
		t.Errorf("oldest retained ID = %d, want 2", dump[0].ID)
	}
	if dump[0].Previous == nil || *dump[0].Previous != 1 {
		t.Errorf("oldest retained Previous = %v, want 1", dump[0].Previous)
	}
}

func TestDumpRoundTrip(t *testing.T) {
	clock := newFakeClock()
	timings := timing.New(timing.WithClock(clock))

	sw := timings.Start("spawn_lab", map[string]string{"image": "w_2024_10"})
	clock.Advance(1234567 * time.Microsecond)
	_ = sw.Stop()
	clock.Advance(time.Millisecond)
	open := timings.Start("lab_login", nil)
	open.Annotate("node", "node-1")

	raw, err := json.Marshal(timings)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var records []timing.Data
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	restored, err := timing.Restore(records)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	before := timings.Dump()
	after := restored.Dump()
	if len(after) != len(before) {
		t.Fatalf("restored len = %d, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].Event != before[i].Event {
			t.Errorf("record %d Event = %q, want %q", i, after[i].Event, before[i].Event)
		}
		for k, v := range before[i].Annotations {
			if after[i].Annotations[k] != v {
				t.Errorf("record %d annotation %s = %q, want %q", i, k, after[i].Annotations[k], v)
			}
		}
		if (before[i].Elapsed == nil) != (after[i].Elapsed == nil) {
			t.Errorf("record %d elapsed presence mismatch", i)
			continue
		}
		if before[i].Elapsed != nil && math.Abs(*after[i].Elapsed-*before[i].Elapsed) >= 1e-3 {
			t.Errorf("record %d Elapsed = %v, want %v", i, *after[i].Elapsed, *before[i].Elapsed)
		}
	}

	if restored.Current() == nil {
		t.Error("restored chain should keep the open record open")
	}
	next := restored.Start("execute_code", nil)
	if next.Data().ID != 2 {
		t.Errorf("next ID after restore = %d, want 2", next.Data().ID)
	}
}

func TestRestoreRejectsStopBeforeStart(t *testing.T) {
	start := time.Now()
	stop := start.Add(-time.Second)
	_, err := timing.Restore([]timing.Data{{Event: "bad", Start: start, Stop: &stop}})
	if err == nil {
		t.Error("Restore() error = nil, want error")
	}
}
