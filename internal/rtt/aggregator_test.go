package rtt

import (
	"testing"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
)

func withShortWindows(t *testing.T, window, eviction time.Duration) {
	t.Helper()
	prevWindow, prevEviction := roundWindow, evictionTimeout
	roundWindow, evictionTimeout = window, eviction
	t.Cleanup(func() {
		roundWindow, evictionTimeout = prevWindow, prevEviction
	})
}

func TestAggregator_ResponderRoundTrip(t *testing.T) {
	withShortWindows(t, 100*time.Millisecond, time.Second)

	b := bus.NewMemoryBus()
	agg, err := New(b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agg.Close()

	resp, err := NewResponder(b, "vehicle", nil)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	defer resp.Close()

	agg.Start()
	defer agg.StopMeasurement()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := agg.Get("vehicle"); ok {
			if snap.CurrentBest < 0 || snap.CurrentWorst < snap.CurrentBest {
				t.Fatalf("snapshot=%+v looks wrong", snap)
			}
			if snap.MissedFraction != 0 {
				t.Fatalf("MissedFraction=%v, want 0 with an always-on responder", snap.MissedFraction)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for an rtt entry")
}

func TestAggregator_NoEntryBeforeFirstResponse(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	agg, err := New(b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agg.Close()

	if _, ok := agg.Get("vehicle"); ok {
		t.Fatal("expected no entry before any response")
	}
}

func TestAggregator_EvictsAfterInactivity(t *testing.T) {
	withShortWindows(t, 30*time.Millisecond, 150*time.Millisecond)

	b := bus.NewMemoryBus()
	agg, err := New(b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer agg.Close()

	resp, err := NewResponder(b, "vehicle", nil)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	agg.Start()
	defer agg.StopMeasurement()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := agg.Get("vehicle"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := agg.Get("vehicle"); !ok {
		t.Fatal("expected an entry once the responder replied")
	}

	resp.Close()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := agg.Get("vehicle"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("entry was never evicted after the responder stopped")
}

func TestResponder_RequiresProgramID(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	if _, err := NewResponder(b, "", nil); err != ErrConfiguration {
		t.Fatalf("err=%v, want ErrConfiguration", err)
	}
}
