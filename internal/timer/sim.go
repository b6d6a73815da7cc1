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

// SimTimer drives Callback entirely off an external SystemTrigger
// stream instead of a real clock: there is no sleeping and no drift
// recovery, because time only advances when a trigger says it does.
// A trigger only advances the timer if its NextStart is an exact match
// for the next expected deadline; anything else (stale retransmit,
// duplicate, a deadline from the wrong period) is silently discarded,
// since a simulated clock has no notion of "close enough".
type SimTimer struct {
	cfg     Config
	ready   bus.Writer[model.ReadyStatus]
	trigger bus.Reader[model.SystemTrigger]
	log     *log.Logger

	active    atomic.Bool
	cancelled atomic.Bool
	inCB      atomic.Bool
	current   atomic.Uint64
	startNs   atomic.Uint64
	started   atomic.Bool

	hookMu sync.Mutex
	hook   StopHook

	joinMu     sync.Mutex
	workerDone chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSimTimer builds a SimTimer subscribed to SystemTrigger on b.
func NewSimTimer(cfg Config, b bus.Bus, logger *log.Logger) (*SimTimer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sim-timer] ", log.LstdFlags)
	}
	trigger, err := bus.NewReader[model.SystemTrigger](b, model.TopicSystemTrigger, false)
	if err != nil {
		return nil, err
	}
	return &SimTimer{
		cfg:     cfg,
		ready:   bus.NewWriter[model.ReadyStatus](b, model.TopicReadyStatus, false),
		trigger: trigger,
		log:     logger,
		stopCh:  make(chan struct{}),
	}, nil
}

func (t *SimTimer) SetStopHook(hook StopHook) {
	t.hookMu.Lock()
	t.hook = hook
	t.hookMu.Unlock()
}

// GetTime returns the last deadline reached, or 0 before the first one.
func (t *SimTimer) GetTime() uint64 {
	return t.current.Load()
}

func (t *SimTimer) GetStartTime() uint64 {
	if !t.started.Load() {
		return 0
	}
	return t.startNs.Load()
}

func (t *SimTimer) Active() bool {
	return t.active.Load()
}

func (t *SimTimer) Start(cb Callback) error {
	if !t.active.CompareAndSwap(false, true) {
		return ErrTimerStart
	}
	return t.run(cb)
}

func (t *SimTimer) StartAsync(cb Callback) error {
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

func (t *SimTimer) Stop() {
	t.cancelled.Store(true)
	t.active.Store(false)
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.joinMu.Lock()
	done := t.workerDone
	t.joinMu.Unlock()
	if done == nil {
		return
	}
	if t.inCB.Load() {
		return
	}
	<-done
}

// wait publishes ReadyStatus for the deadline it is about to block on,
// then waits until either the trigger topic has new data or Stop has
// been called, re-publishing every 2s as a keep-alive while it waits.
// Unlike the real-time timer, the sim timer has no wall-clock deadline
// to race against: it waits for as long as it takes for the next
// trigger to arrive.
func (t *SimTimer) wait(expected uint64) bool {
	t.publishReady(expected)
	for {
		select {
		case <-t.trigger.NotifyChan():
			return true
		case <-t.stopCh:
			return false
		case <-time.After(2 * time.Second):
			t.publishReady(expected)
		}
	}
}

func (t *SimTimer) publishReady(next uint64) {
	status := model.ReadyStatus{SourceID: t.cfg.NodeID, NextStartStamp: next}
	if err := t.ready.Publish(status); err != nil {
		t.log.Printf("publish ready status: %v", err)
	}
}

func (t *SimTimer) run(cb Callback) error {
	if t.cancelled.Load() {
		return nil
	}

	expected := t.cfg.Offset
	t.startNs.Store(expected)
	t.started.Store(true)

	for t.active.Load() {
		if !t.wait(expected) {
			continue
		}
		for _, s := range t.trigger.Take() {
			if !t.active.Load() {
				break
			}
			if !s.Valid {
				continue
			}
			if s.Value.NextStart == t.cfg.StopSignal {
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
				continue
			}
			if s.Value.NextStart != expected {
				// Stale or duplicate: doesn't match the next boundary we
				// are waiting for, so it is dropped rather than applied.
				continue
			}
			t.current.Store(expected)
			t.inCB.Store(true)
			cb(expected)
			t.inCB.Store(false)
			expected += t.cfg.Period
			t.publishReady(expected)
		}
	}
	return nil
}
