package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
)

func TestRealTimeTimer_TicksAndStops(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	rt, err := NewRealTimeTimer(Config{
		NodeID:     "n1",
		Period:     uint64(20 * time.Millisecond),
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	var ticks atomic.Int32
	if err := rt.StartAsync(func(uint64) { ticks.Add(1) }); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rt.Stop()

	if got := ticks.Load(); got < 3 {
		t.Fatalf("ticks=%d, want >= 3", got)
	}
	if rt.GetStartTime() == 0 {
		t.Fatal("GetStartTime() = 0 after start")
	}
}

func TestRealTimeTimer_DoubleStartFails(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	rt, err := NewRealTimeTimer(Config{
		NodeID:     "n1",
		Period:     uint64(50 * time.Millisecond),
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	if err := rt.StartAsync(func(uint64) {}); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	defer rt.Stop()

	if err := rt.StartAsync(func(uint64) {}); err != ErrTimerStart {
		t.Fatalf("second StartAsync err=%v, want ErrTimerStart", err)
	}
}

func TestRealTimeTimer_InvalidConfig(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	if _, err := NewRealTimeTimer(Config{Period: 0}, b, nil); err != ErrConfiguration {
		t.Fatalf("err=%v, want ErrConfiguration", err)
	}
	if _, err := NewRealTimeTimer(Config{Period: 10, Offset: 10}, b, nil); err != ErrConfiguration {
		t.Fatalf("err=%v, want ErrConfiguration", err)
	}
}

func TestRealTimeTimer_NegotiatesStartFromTrigger(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	period := uint64(30 * time.Millisecond)
	rt, err := NewRealTimeTimer(Config{
		NodeID:       "n1",
		Period:       period,
		WaitForStart: true,
		StopSignal:   model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	var mu sync.Mutex
	var deadlines []uint64
	if err := rt.StartAsync(func(d uint64) {
		mu.Lock()
		deadlines = append(deadlines, d)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	// Give negotiateStart a moment to publish its first ReadyStatus and
	// start waiting on the trigger topic before the negotiated start
	// arrives.
	time.Sleep(15 * time.Millisecond)
	start := b.Now()
	trigger := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	if err := trigger.Publish(model.SystemTrigger{NextStart: start}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitDeadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(deadlines)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatal("timer never ticked after negotiated start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rt.Stop()

	if got := rt.GetStartTime(); got != start {
		t.Fatalf("GetStartTime()=%d, want %d (negotiated start)", got, start)
	}

	mu.Lock()
	defer mu.Unlock()
	want := firstDeadline(start, 0, period)
	for i, d := range deadlines {
		if d != want+uint64(i)*period {
			t.Fatalf("deadlines[%d]=%d, want %d", i, d, want+uint64(i)*period)
		}
	}
}

func TestRealTimeTimer_StopDuringStartNegotiationLeavesStartTimeZero(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	rt, err := NewRealTimeTimer(Config{
		NodeID:       "n1",
		Period:       uint64(20 * time.Millisecond),
		WaitForStart: true,
		StopSignal:   model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- rt.Start(func(uint64) {}) }()

	trigger := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	time.Sleep(15 * time.Millisecond)
	if err := trigger.Publish(model.SystemTrigger{NextStart: model.StopSignal}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned err=%v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never returned after a STOP during start negotiation")
	}

	if got := rt.GetStartTime(); got != 0 {
		t.Fatalf("GetStartTime()=%d, want 0", got)
	}
	if rt.Active() {
		t.Fatal("Active()=true after STOP during negotiation")
	}
}

func TestRealTimeTimer_MissedPeriodAdvancesDeadline(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	period := uint64(20 * time.Millisecond)
	rt, err := NewRealTimeTimer(Config{
		NodeID:     "n1",
		Period:     period,
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	var mu sync.Mutex
	var deadlines []uint64
	var calls atomic.Int32
	if err := rt.StartAsync(func(d uint64) {
		mu.Lock()
		deadlines = append(deadlines, d)
		mu.Unlock()
		if calls.Add(1) == 1 {
			// Oversleep past several periods so the next loop
			// iteration must jump ahead instead of replaying them.
			time.Sleep(time.Duration(3 * period))
		}
	}); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rt.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(deadlines) < 3 {
		t.Fatalf("got %d callback invocations, want >= 3", len(deadlines))
	}
	if gap := deadlines[1] - deadlines[0]; gap <= period {
		t.Fatalf("deadline gap across the overrun=%d, want > period (%d): missed periods were not skipped", gap, period)
	}
}

func TestRealTimeTimer_StopHookRunsInsteadOfDeactivating(t *testing.T) {
	t.Parallel()

	b := bus.NewMemoryBus()
	rt, err := NewRealTimeTimer(Config{
		NodeID:     "n1",
		Period:     uint64(10 * time.Millisecond),
		StopSignal: model.StopSignal,
	}, b, nil)
	if err != nil {
		t.Fatalf("NewRealTimeTimer: %v", err)
	}

	hookCalled := make(chan struct{}, 1)
	rt.SetStopHook(func() {
		select {
		case hookCalled <- struct{}{}:
		default:
		}
		rt.Stop()
	})

	w := bus.NewWriter[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	if err := rt.StartAsync(func(uint64) {}); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if err := w.Publish(model.SystemTrigger{NextStart: model.StopSignal}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-hookCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("stop hook was never invoked")
	}
}
