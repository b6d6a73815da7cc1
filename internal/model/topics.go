package model

// Topic names are bit-exact per the wire protocol; every participant
// that resolves a topic by one of these strings interoperates.
const (
	TopicReadyStatus       = "readyStatus"
	TopicSystemTrigger     = "systemTrigger"
	TopicVehicleStateList  = "vehicleStateList"
	TopicRoundTripTime     = "round_trip_time"
	TopicStopRequest       = "stopRequest"
)
