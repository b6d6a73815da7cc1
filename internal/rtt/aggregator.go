// Package rtt implements the round-trip-time probe protocol: an
// Aggregator issues periodic requests and aggregates replies per class
// key, and a Responder answers on behalf of one participant.
package rtt

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
)

const requesterID = "lcc"

// roundWindow and evictionTimeout are vars, not consts, so tests can
// shrink them instead of waiting out the real 2.2s/10s durations.
var (
	roundWindow     = 2200 * time.Millisecond
	evictionTimeout = 10 * time.Second
)

// Entry is one class's aggregated round-trip-time state.
type Entry struct {
	CurrentBest  time.Duration
	CurrentWorst time.Duration
	AllTimeWorst time.Duration
	Measured     uint64
	Missed       uint64
	LastSeen     uint64 // bus clock, ns
}

// Snapshot is a read-only view returned by Get.
type Snapshot struct {
	CurrentBest    time.Duration
	CurrentWorst   time.Duration
	AllTimeWorst   time.Duration
	MissedFraction float64
}

// Aggregator owns one writer and one async reader on round_trip_time,
// running measurement rounds in a background worker.
type Aggregator struct {
	b      bus.Bus
	writer bus.Writer[model.RoundTripTime]
	unsub  func()
	log    *log.Logger

	seq atomic.Uint32

	roundMu    sync.Mutex
	collecting bool
	curSeq     uint8
	tSendNs    uint64
	results    map[string][]time.Duration

	mu      sync.Mutex
	entries map[string]*Entry

	sampleMu sync.Mutex
	onSample func(model.RTTSample)

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New builds an Aggregator subscribed to round_trip_time on b. The
// measurement worker is not started until Start is called.
func New(b bus.Bus, logger *log.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[rtt] ", log.LstdFlags)
	}
	a := &Aggregator{
		b:       b,
		writer:  bus.NewWriter[model.RoundTripTime](b, model.TopicRoundTripTime, false),
		log:     logger,
		entries: make(map[string]*Entry),
	}
	unsub, err := bus.SubscribeAsync[model.RoundTripTime](b, model.TopicRoundTripTime, false, a.onReply)
	if err != nil {
		return nil, err
	}
	a.unsub = unsub
	return a, nil
}

// Start spawns the measurement worker, running rounds back-to-back
// until StopMeasurement is called.
func (a *Aggregator) Start() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.stopCh != nil {
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	go a.loop(a.stopCh, a.doneCh)
}

// StopMeasurement tears down the measurement worker without touching
// accumulated aggregation state.
func (a *Aggregator) StopMeasurement() {
	a.lifecycleMu.Lock()
	stop, done := a.stopCh, a.doneCh
	a.stopCh, a.doneCh = nil, nil
	a.lifecycleMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// RestartMeasurement tears down the worker, clears all aggregation
// state, and starts a fresh worker.
func (a *Aggregator) RestartMeasurement() {
	a.StopMeasurement()
	a.mu.Lock()
	a.entries = make(map[string]*Entry)
	a.mu.Unlock()
	a.Start()
}

// Close releases the bus subscription. StopMeasurement should be
// called first if a worker is running.
func (a *Aggregator) Close() {
	a.unsub()
}

// OnSample registers fn to be called with every raw measured sample as
// rounds complete, for callers that want to export individual samples
// (e.g. to rttstats.WriteCSV) rather than just the rolling Entry
// aggregates. fn must not block.
func (a *Aggregator) OnSample(fn func(model.RTTSample)) {
	a.sampleMu.Lock()
	a.onSample = fn
	a.sampleMu.Unlock()
}

// Get returns the aggregated snapshot for id, or false if no entry
// exists (never measured, or evicted after 10s of silence).
func (a *Aggregator) Get(id string) (Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[id]
	if !ok {
		return Snapshot{}, false
	}

	var missedFraction float64
	if e.Measured == 0 {
		a.log.Printf("rtt: get(%q) with measured == 0", id)
	} else {
		missedFraction = float64(e.Missed) / float64(e.Measured)
	}
	return Snapshot{
		CurrentBest:    e.CurrentBest,
		CurrentWorst:   e.CurrentWorst,
		AllTimeWorst:   e.AllTimeWorst,
		MissedFraction: missedFraction,
	}, true
}

func (a *Aggregator) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		a.runRound(stop)
	}
}

func (a *Aggregator) runRound(stop <-chan struct{}) {
	seq := uint8(a.seq.Add(1))

	a.roundMu.Lock()
	a.curSeq = seq
	a.results = make(map[string][]time.Duration)
	a.collecting = true
	a.roundMu.Unlock()

	if err := a.writer.Publish(model.RoundTripTime{ID: requesterID, Seq: seq, IsRequest: true}); err != nil {
		a.log.Printf("publish rtt request: %v", err)
	}

	tSend := a.b.Now()
	a.roundMu.Lock()
	a.tSendNs = tSend
	a.roundMu.Unlock()

	select {
	case <-time.After(roundWindow):
	case <-stop:
	}

	a.roundMu.Lock()
	a.collecting = false
	results := a.results
	a.results = nil
	a.roundMu.Unlock()

	a.applyResults(results)
}

func (a *Aggregator) onReply(batch []model.RoundTripTime) {
	now := a.b.Now()

	a.roundMu.Lock()
	defer a.roundMu.Unlock()
	if !a.collecting {
		return
	}
	for _, r := range batch {
		if r.IsRequest || r.Seq != a.curSeq {
			continue
		}
		rtt := time.Duration(now - a.tSendNs)
		a.results[r.ID] = append(a.results[r.ID], rtt)
	}
}

func (a *Aggregator) applyResults(results map[string][]time.Duration) {
	now := a.b.Now()

	a.sampleMu.Lock()
	onSample := a.onSample
	a.sampleMu.Unlock()
	if onSample != nil {
		for class, samples := range results {
			for _, s := range samples {
				onSample(model.RTTSample{ClassKey: class, RTTNs: int64(s), ObservedAt: now})
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for class, samples := range results {
		if len(samples) == 0 {
			continue
		}
		best, worst := samples[0], samples[0]
		for _, s := range samples[1:] {
			if s < best {
				best = s
			}
			if s > worst {
				worst = s
			}
		}
		e, ok := a.entries[class]
		if !ok {
			e = &Entry{}
			a.entries[class] = e
		}
		e.CurrentBest = best
		e.CurrentWorst = worst
		if worst > e.AllTimeWorst {
			e.AllTimeWorst = worst
		}
		e.Measured++
		e.LastSeen = now
	}

	for class, e := range a.entries {
		if _, seen := results[class]; seen && len(results[class]) > 0 {
			continue
		}
		e.Measured++
		e.Missed++
	}

	for class, e := range a.entries {
		if now > e.LastSeen && time.Duration(now-e.LastSeen) > evictionTimeout {
			delete(a.entries, class)
		}
	}
}
