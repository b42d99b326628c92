package link

type State uint32

const (
	StateOutOfRange State = iota
	StateAdvertisingNotConnectable
	StateAdvertisingConnectable
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateNoRoute
)

func (s State) String() string {
	switch s {
	case StateOutOfRange:
		return "OutOfRange"
	case StateAdvertisingNotConnectable:
		return "AdvertisingNotConnectable"
	case StateAdvertisingConnectable:
		return "AdvertisingConnectable"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateNoRoute:
		return "NoRoute"
	}
	return "Invalid"
}

// Active reports the window where transport events are authoritative and
// advertising sightings are applied as no-ops.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateDisconnecting:
		return true
	}
	return false
}

func (s State) Connected() bool { return s == StateConnected }

// Connectable reports whether a connection attempt makes sense now.
func (s State) Connectable() bool {
	return s == StateAdvertisingConnectable || s == StateDisconnected
}
