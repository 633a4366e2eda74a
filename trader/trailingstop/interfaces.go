package trailingstop

// EventSink receives stop lifecycle events. Implementations must not block.
type EventSink interface {
	OnStopSet(stop StopLoss)
	OnStopRaised(stop StopLoss, previous float64)
	OnStopTriggered(stop TriggeredStop)
	OnStopRemoved(symbol string)
}
