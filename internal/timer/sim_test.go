package timer

import (
	"testing"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
)

func TestSimTimer_AdvancesOnlyOnExactMatch(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	st, err := NewSimTimer(Config{
		Period:     1,
		Offset:     0,
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewSimTimer: %v", err)
	}
	w := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)

	var got []uint64
	done := make(chan struct{})
	go func() {
		_ = st.Start(func(d uint64) {
			got = append(got, d)
			if len(got) == 2 {
				close(done)
			}
		})
	}()

	// Give the worker time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	if err := w.Publish(model.SystemTrigger{NextStart: 0}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Stale: does not match the expected deadline of 1, must be dropped.
	if err := w.Publish(model.SystemTrigger{NextStart: 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := w.Publish(model.SystemTrigger{NextStart: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, got=%v", got)
	}
	st.Stop()

	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("got=%v, want [0 1]", got)
	}
}

func TestSimTimer_PublishesReadyStatusPerDeadline(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	st, err := NewSimTimer(Config{
		NodeID:     "hlc1",
		Period:     10,
		Offset:     0,
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewSimTimer: %v", err)
	}
	trigger := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	ready, err := bus.NewReader[model.ReadyStatus](b, model.TopicReadyStatus, false)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = st.Start(func(d uint64) {
			if d == 30 {
				close(done)
			}
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	var seen []uint64
	for len(seen) < 4 && time.Now().Before(deadline) {
		for _, s := range ready.Take() {
			if s.Valid {
				seen = append(seen, s.Value.NextStartStamp)
			}
		}
		if len(seen) < 4 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if len(seen) < 1 || seen[0] != 0 {
		t.Fatalf("seen=%v, want first publish for next_start_stamp=0", seen)
	}

	if err := trigger.Publish(model.SystemTrigger{NextStart: 0}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := trigger.Publish(model.SystemTrigger{NextStart: 10}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := trigger.Publish(model.SystemTrigger{NextStart: 20}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := trigger.Publish(model.SystemTrigger{NextStart: 30}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deadline 30")
	}
	st.Stop()

	time.Sleep(20 * time.Millisecond)
	for _, s := range ready.Take() {
		if s.Valid {
			seen = append(seen, s.Value.NextStartStamp)
		}
	}

	want := map[uint64]bool{0: true, 10: true, 20: true, 30: true}
	got := make(map[uint64]bool)
	for _, v := range seen {
		if want[v] {
			got[v] = true
		}
	}
	if len(got) != len(want) {
		t.Fatalf("seen=%v, want publications covering %v", seen, want)
	}
}

func TestSimTimer_StopSignalDeactivatesByDefault(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	st, err := NewSimTimer(Config{
		Period:     1,
		Offset:     0,
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewSimTimer: %v", err)
	}
	w := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)

	runDone := make(chan struct{})
	go func() {
		_ = st.Start(func(uint64) {})
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := w.Publish(model.SystemTrigger{NextStart: model.StopSignal}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sim timer to stop itself")
	}
}

func TestSimTimer_DoubleStartFails(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	st, err := NewSimTimer(Config{Period: 1, StopSignal: model.StopSignal}, b, nil)
	if err != nil {
		t.Fatalf("NewSimTimer: %v", err)
	}
	if err := st.StartAsync(func(uint64) {}); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	defer st.Stop()

	if err := st.StartAsync(func(uint64) {}); err != ErrTimerStart {
		t.Fatalf("err=%v, want ErrTimerStart", err)
	}
}
