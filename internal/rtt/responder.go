package rtt

import (
	"log"
	"os"

	"github.com/hlcsync/labtime/internal/bus"
	"github.com/hlcsync/labtime/internal/model"
)

// Responder answers round_trip_time probes on behalf of one
// participant. It replies only if constructed with a nonempty program
// id; a zero-value Responder must never be wired to the bus.
type Responder struct {
	programID string
	writer    bus.Writer[model.RoundTripTime]
	unsub     func()
	log       *log.Logger
}

// NewResponder activates a Responder under programID, the class key
// this participant's replies will be aggregated under.
func NewResponder(b bus.Bus, programID string, logger *log.Logger) (*Responder, error) {
	if programID == "" {
		return nil, ErrConfiguration
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[rtt] ", log.LstdFlags)
	}
	r := &Responder{
		programID: programID,
		writer:    bus.NewWriter[model.RoundTripTime](b, model.TopicRoundTripTime, false),
		log:       logger,
	}
	unsub, err := bus.SubscribeAsync[model.RoundTripTime](b, model.TopicRoundTripTime, false, r.onMessage)
	if err != nil {
		return nil, err
	}
	r.unsub = unsub
	return r, nil
}

// Close stops replying to probes.
func (r *Responder) Close() {
	r.unsub()
}

func (r *Responder) onMessage(batch []model.RoundTripTime) {
	for _, m := range batch {
		if !m.IsRequest {
			continue
		}
		reply := model.RoundTripTime{ID: r.programID, Seq: m.Seq, IsRequest: false}
		if err := r.writer.Publish(reply); err != nil {
			r.log.Printf("publish rtt reply: %v", err)
		}
	}
}
