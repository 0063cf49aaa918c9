package hashring

// EventType tags a hashring transition.
type EventType int

const (
	// EventConnected is emitted when the coordinator session is established
	// or re-established. Observers should treat earlier snapshots as fresh
	// again once their view has been rebuilt.
	EventConnected EventType = iota + 1

	// EventChanged is emitted when the observed ring membership changes. It
	// is the only event carrying diff data.
	EventChanged

	// EventDisconnected is emitted when the coordinator session is lost. The
	// local ring view is empty until the session is re-established, which
	// lets observers distinguish a stale local view from genuine membership
	// change.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventChanged:
		return "changed"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event describes one observed hashring transition. Previous, Current, Added
// and Removed are populated for EventChanged only; Added and Removed are the
// set differences between the two snapshots, ordered by token.
type Event struct {
	Type     EventType
	Previous []Node
	Current  []Node
	Added    []Node
	Removed  []Node
}

// Observer receives hashring events. Observers are invoked from the watch
// goroutine; panics are recovered and logged so one misbehaving observer
// cannot break others or the watch itself.
type Observer func(*ServiceHashring, Event)

// diffNodes returns the nodes present in a but absent from b, keyed by token.
func diffNodes(a, b []Node) []Node {
	tokens := make(map[Token]bool, len(b))
	for _, n := range b {
		tokens[n.Token] = true
	}
	var ret []Node
	for _, n := range a {
		if !tokens[n.Token] {
			ret = append(ret, n)
		}
	}
	return ret
}
