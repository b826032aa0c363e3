package binlog

// Ack is a Sink's verdict on one delivered event, telling the driving loop
// (Drive) what to do next.
type Ack int

const (
	// Accept means the event was durably handled; the driver advances
	// its StreamPosition past it before fetching the next one.
	Accept Ack = iota
	// Retry means the Sink could not handle the event (e.g. a transient
	// downstream failure) and the same event should be redelivered. The
	// driver does not advance its position.
	Retry
	// Stop means the Sink wants the stream shut down cleanly; the driver
	// stops fetching further events and returns nil.
	Stop
)

func (a Ack) String() string {
	switch a {
	case Accept:
		return "accept"
	case Retry:
		return "retry"
	case Stop:
		return "stop"
	default:
		return "invalid"
	}
}

// Sink is the push-style interface an external collaborator implements to
// consume a decoded event stream, the realization of spec §6's sink
// interface. This core ships no Sink implementation of its own (Client.Relay
// writes raw events to disk without going through a Sink); cmd/binlogcat's
// formatters are the reference consumer.
type Sink interface {
	// OnEvent is called once per Event the stream reader decodes, in
	// stream order, with the StreamPosition as of just before this event
	// was read (i.e. resuming from it on restart delivers this event
	// again).
	OnEvent(pos StreamPosition, ev Event) Ack
}

// SinkFunc adapts a plain function to a Sink, the same shape as
// http.HandlerFunc, for callers who don't need any state.
type SinkFunc func(pos StreamPosition, ev Event) Ack

func (f SinkFunc) OnEvent(pos StreamPosition, ev Event) Ack { return f(pos, ev) }

// Drive reads events from sr until the source is exhausted, Sink.Stop is
// returned, or an error occurs, feeding each to sink in order. A Retry
// verdict re-delivers the same event without advancing sr (the stream
// reader has no way to "rewind" a network source, so a Sink that Retries
// against a live Client is only useful for in-process backpressure, not for
// skipping a poison event — to actually retry from disk, replay via
// FileStreamSource instead).
func Drive(sr *StreamReader, sink Sink) error {
	for {
		pos := sr.Position()
		ev, err := sr.NextEvent()
		if err != nil {
			return err
		}
	deliver:
		for {
			switch sink.OnEvent(pos, ev) {
			case Accept:
				break deliver
			case Stop:
				return nil
			case Retry:
				continue
			}
		}
	}
}
