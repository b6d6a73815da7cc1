// Package model holds the wire-level message types shared by every
// component that talks over the topic bus.
package model

// StopSignal is the reserved SystemTrigger.NextStart value meaning
// "terminate". It must never be used as a legal start instant.
const StopSignal uint64 = 1<<64 - 1

// ReadyStatus is published by a participant (an HLC/vehicle Timer, or
// an HLC Coordinator) to announce the next deadline it will accept.
// NextStartStamp == 0 means "ready, awaiting first start".
type ReadyStatus struct {
	SourceID       string `json:"source_id"`
	NextStartStamp uint64 `json:"next_start_stamp"`
}

// SystemTrigger is published by the coordinator to either negotiate a
// start instant or broadcast a stop.
type SystemTrigger struct {
	NextStart uint64 `json:"next_start"`
}

// VehicleState is one vehicle's snapshot within a VehicleStateList.
type VehicleState struct {
	ID    uint8   `json:"id"`
	PoseX float64 `json:"pose_x"`
	PoseY float64 `json:"pose_y"`
	Yaw   float64 `json:"yaw"`
	Speed float64 `json:"speed"`
}

// VehicleStateList is the per-tick snapshot the middleware publishes
// for HLCs to plan against. The latest sample overrides prior ones.
type VehicleStateList struct {
	TNow   uint64         `json:"t_now"`
	States []VehicleState `json:"states"`
}

// RoundTripTime is a short-lived request/response pair used by the RTT
// aggregator and its responders.
type RoundTripTime struct {
	ID        string `json:"id"`
	Seq       uint8  `json:"seq"`
	IsRequest bool   `json:"is_request"`
}

// StopRequest is published by any participant to ask a Coordinator to
// stop, scoped to one vehicle.
type StopRequest struct {
	VehicleID uint8 `json:"vehicle_id"`
}

// RTTSample is one measured round trip under a class key, held only in
// memory during a measurement round and optionally exported to CSV.
type RTTSample struct {
	ClassKey   string `json:"class_key"`
	RTTNs      int64  `json:"rtt_ns"`
	ObservedAt uint64 `json:"observed_at"`
}
