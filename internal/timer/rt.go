package timer

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
)

// RealTimeTimer drives Callback off the wall clock, sleeping to an
// absolute deadline rather than a relative duration so that callback
// latency never accumulates drift across periods.
type RealTimeTimer struct {
	cfg Config
	b   bus.Bus
	log *log.Logger

	ready   bus.Writer[model.ReadyStatus]
	trigger bus.Reader[model.SystemTrigger]

	active    atomic.Bool
	cancelled atomic.Bool
	inCB      atomic.Bool
	startNs   atomic.Uint64
	started   atomic.Bool

	hookMu sync.Mutex
	hook   StopHook

	joinMu     sync.Mutex
	workerDone chan struct{}
}

// NewRealTimeTimer builds a RealTimeTimer. b is used both as the clock
// source (Now) and, when cfg.WaitForStart is set, as the channel for
// start negotiation.
func NewRealTimeTimer(cfg Config, b bus.Bus, logger *log.Logger) (*RealTimeTimer, error) {
	if err := cfg.validateRT(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[timer] ", log.LstdFlags)
	}
	trigger, err := bus.NewReader[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	if err != nil {
		return nil, err
	}
	return &RealTimeTimer{
		cfg:     cfg,
		b:       b,
		log:     logger,
		ready:   bus.NewWriter[model.ReadyStatus](b, model.TopicReadyStatus, false),
		trigger: trigger,
	}, nil
}

func (t *RealTimeTimer) SetStopHook(hook StopHook) {
	t.hookMu.Lock()
	t.hook = hook
	t.hookMu.Unlock()
}

func (t *RealTimeTimer) GetTime() uint64 {
	return t.b.Now()
}

func (t *RealTimeTimer) GetStartTime() uint64 {
	if !t.started.Load() {
		return 0
	}
	return t.startNs.Load()
}

func (t *RealTimeTimer) Active() bool {
	return t.active.Load()
}

func (t *RealTimeTimer) Start(cb Callback) error {
	if !t.active.CompareAndSwap(false, true) {
		return ErrTimerStart
	}
	return t.run(cb)
}

func (t *RealTimeTimer) StartAsync(cb Callback) error {
	if !t.active.CompareAndSwap(false, true) {
		return ErrTimerStart
	}
	done := make(chan struct{})
	t.joinMu.Lock()
	t.workerDone = done
	t.joinMu.Unlock()
	go func() {
		defer close(done)
		_ = t.run(cb)
	}()
	return nil
}

func (t *RealTimeTimer) Stop() {
	t.cancelled.Store(true)
	t.active.Store(false)

	t.joinMu.Lock()
	done := t.workerDone
	t.joinMu.Unlock()
	if done == nil {
		return
	}
	// If stop is being called from inside the timer's own callback or
	// stop hook, the worker goroutine can't join itself; don't block.
	if t.inCB.Load() {
		return
	}
	<-done
}

func (t *RealTimeTimer) run(cb Callback) error {
	if t.cancelled.Load() {
		return nil
	}

	var start uint64
	if t.cfg.WaitForStart {
		var stopped bool
		start, stopped = t.negotiateStart()
		if stopped {
			t.active.Store(false)
			return nil
		}
	} else {
		start = t.b.Now()
	}
	t.startNs.Store(start)
	t.started.Store(true)

	deadline := firstDeadline(start, t.cfg.Offset, t.cfg.Period)

	for t.active.Load() {
		sleepUntilNs(deadline)
		now := t.b.Now()
		if now < deadline {
			continue
		}

		t.inCB.Store(true)
		cb(deadline)
		t.inCB.Store(false)
		deadline += t.cfg.Period

		if now2 := t.b.Now(); now2 >= deadline {
			k := (now2-deadline)/t.cfg.Period + 1
			t.log.Printf("missed %d period(s), advancing deadline", k)
			deadline += k * t.cfg.Period
		}

		if t.pollStop() {
			t.hookMu.Lock()
			hook := t.hook
			t.hookMu.Unlock()
			if hook != nil {
				t.inCB.Store(true)
				hook()
				t.inCB.Store(false)
			} else {
				t.active.Store(false)
			}
		}
	}
	return nil
}

// negotiateStart publishes ReadyStatus every two seconds until a
// SystemTrigger arrives, returning the negotiated start instant, or
// (_, true) if the STOP signal was observed first.
func (t *RealTimeTimer) negotiateStart() (uint64, bool) {
	status := model.ReadyStatus{SourceID: t.cfg.NodeID}
	for t.active.Load() {
		if err := t.ready.Publish(status); err != nil {
			t.log.Printf("publish ready status: %v", err)
		}
		if !bus.WaitAny([]bus.RawReader{t.trigger.Raw()}, 2*time.Second) {
			continue
		}
		for _, s := range t.trigger.Take() {
			if !s.Valid {
				continue
			}
			if s.Value.NextStart == t.cfg.StopSignal {
				return 0, true
			}
			return s.Value.NextStart, false
		}
	}
	return 0, true
}

// pollStop reports whether a STOP SystemTrigger has arrived, without
// blocking.
func (t *RealTimeTimer) pollStop() bool {
	return stopSample(values(t.trigger.Take()), t.cfg.StopSignal)
}

func values(samples []bus.Sample[model.SystemTrigger]) []model.SystemTrigger {
	out := make([]model.SystemTrigger, 0, len(samples))
	for _, s := range samples {
		if s.Valid {
			out = append(out, s.Value)
		}
	}
	return out
}

func sleepUntilNs(deadlineNs uint64) {
	target := time.Unix(0, int64(deadlineNs))
	if d := time.Until(target); d > 0 {
		time.Sleep(d)
	}
}
