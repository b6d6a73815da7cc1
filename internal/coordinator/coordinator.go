// Package coordinator implements the HLC↔middleware planning protocol:
// it owns a Timer, consumes a vehicle-state-list stream, and dispatches
// four optional user callbacks per the planning state machine (ready ->
// planning -> cancelling -> ready, with a single terminal stop).
package coordinator

import (
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
	"github.com/hlcsync/labtime/internal/timer"
)

// Callbacks are the four user hooks, all optional.
type Callbacks struct {
	// OnFirstTimestep is called at most once, before the first
	// OnEachTimestep, when the first vehicle-state snapshot arrives.
	OnFirstTimestep func(model.VehicleStateList)
	// OnEachTimestep runs once per tick while planning is possible.
	OnEachTimestep func(model.VehicleStateList)
	// OnCancelTimestep runs when a planning step has not finished by
	// the next period boundary. The stale task is left to finish on
	// its own; nothing it does afterward mutates coordinator state.
	OnCancelTimestep func()
	// OnStop runs exactly once, after the coordinator's Timer exits.
	OnStop func()
}

// Config parameterizes a Coordinator.
type Config struct {
	// VehicleIDs is the nonempty set of vehicles this coordinator
	// drives. The canonical ReadyStatus.source_id is their sorted
	// decimal values joined by ','.
	VehicleIDs []uint8
	// DomainID names the local-communication domain; carried for
	// parity with the external configuration surface, not otherwise
	// interpreted by the coordinator itself.
	DomainID string
}

// Coordinator runs the HLC planning protocol on top of a Timer.
type Coordinator struct {
	cfg Config
	tmr timer.Timer
	log *log.Logger

	ready             bus.Writer[model.ReadyStatus]
	unsubscribeVSL    func()
	unsubscribeStopRq func()

	cb Callbacks

	mu     sync.Mutex
	latest model.VehicleStateList
	hasNew bool

	firstTick     atomic.Bool
	seenFirstSnap atomic.Bool
	readyDone     chan struct{}

	planMu   sync.Mutex
	planDone chan struct{}
}

// New builds a Coordinator driven by tmr, wiring vehicleStateList,
// readyStatus, and stopRequest on b.
func New(cfg Config, tmr timer.Timer, b bus.Bus, logger *log.Logger) (*Coordinator, error) {
	if len(cfg.VehicleIDs) == 0 {
		return nil, ErrConfiguration
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}

	c := &Coordinator{
		cfg:   cfg,
		tmr:   tmr,
		log:   logger,
		ready: bus.NewWriter[model.ReadyStatus](b, model.TopicReadyStatus, true),
	}

	unsubVSL, err := bus.SubscribeAsync[model.VehicleStateList](b, model.TopicVehicleStateList, false, c.onVSL)
	if err != nil {
		return nil, err
	}
	c.unsubscribeVSL = unsubVSL

	unsubStop, err := bus.SubscribeAsync[model.StopRequest](b, model.TopicStopRequest, true, c.onStopRequest)
	if err != nil {
		unsubVSL()
		return nil, err
	}
	c.unsubscribeStopRq = unsubStop

	return c, nil
}

// Run blocks until the coordinator's Timer exits, invoking cb.OnStop
// exactly once before returning.
func (c *Coordinator) Run(cb Callbacks) error {
	c.cb = cb
	c.readyDone = make(chan struct{})
	go c.publishReadyUntilFirstTick()

	err := c.tmr.Start(c.onTick)

	if c.cb.OnStop != nil {
		c.cb.OnStop()
	}
	return err
}

// Stop cancels the coordinator's Timer, ending Run.
func (c *Coordinator) Stop() {
	c.tmr.Stop()
}

func (c *Coordinator) onVSL(batch []model.VehicleStateList) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	c.latest = batch[len(batch)-1]
	c.hasNew = true
	c.mu.Unlock()
}

func (c *Coordinator) onStopRequest([]model.StopRequest) {
	c.Stop()
}

func (c *Coordinator) publishReadyUntilFirstTick() {
	status := model.ReadyStatus{SourceID: sourceID(c.cfg.VehicleIDs)}
	if err := c.ready.Publish(status); err != nil {
		c.log.Printf("publish ready status: %v", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.readyDone:
			return
		case <-ticker.C:
			if err := c.ready.Publish(status); err != nil {
				c.log.Printf("publish ready status: %v", err)
			}
		}
	}
}

// onTick is the callback handed to the Timer; it runs on the Timer's
// worker, never concurrently with itself.
func (c *Coordinator) onTick(uint64) {
	if c.firstTick.CompareAndSwap(false, true) {
		close(c.readyDone)
	}

	c.mu.Lock()
	vsl := c.latest
	hasNew := c.hasNew
	c.hasNew = false
	c.mu.Unlock()

	if !hasNew {
		return
	}

	if c.seenFirstSnap.CompareAndSwap(false, true) && c.cb.OnFirstTimestep != nil {
		c.safeCall("OnFirstTimestep", func() { c.cb.OnFirstTimestep(vsl) })
	}

	c.checkPreviousPlan()
	c.startPlanning(vsl)
}

func (c *Coordinator) checkPreviousPlan() {
	c.planMu.Lock()
	done := c.planDone
	c.planMu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		if c.cb.OnCancelTimestep != nil {
			c.safeCall("OnCancelTimestep", c.cb.OnCancelTimestep)
		}
	}
}

func (c *Coordinator) startPlanning(vsl model.VehicleStateList) {
	done := make(chan struct{})
	c.planMu.Lock()
	c.planDone = done
	c.planMu.Unlock()

	go func() {
		defer close(done)
		if c.cb.OnEachTimestep != nil {
			c.safeCall("OnEachTimestep", func() { c.cb.OnEachTimestep(vsl) })
		}
	}()
}

// safeCall runs fn, recovering a panic instead of letting it crash the
// process. A panicking callback is treated as fatal per the planning
// protocol's failure semantics: the coordinator stops, and Run's
// caller still gets exactly one OnStop before returning.
func (c *Coordinator) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Printf("panic in %s callback: %v", name, r)
			c.Stop()
		}
	}()
	fn()
}

func sourceID(ids []uint8) string {
	sorted := append([]uint8(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
