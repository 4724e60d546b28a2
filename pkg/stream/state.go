package stream

// State is the connection state of a Manager. Exactly one state is active
// per manager at any time; transitions are driven solely by the manager's
// control loop plus caller cancellation.
type State int32

const (
	// Disconnected is the initial state before Open is called.
	Disconnected State = iota

	// Connecting means a dial is in flight.
	Connecting

	// Subscribing means the socket is up and subscribe frames have been
	// sent; the manager is waiting for acknowledgements.
	Subscribing

	// Streaming means all subscriptions are acknowledged and data frames
	// are flowing.
	Streaming

	// Reconnecting means the previous session failed and the manager is
	// waiting out the backoff delay before dialing again.
	Reconnecting

	// Closed is terminal: the caller cancelled or the manager hit an
	// unrecoverable configuration error. No further transitions occur.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
