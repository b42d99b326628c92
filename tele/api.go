package tele

import (
	"context"

	"github.com/meatnet/probe/log2"
)

type State byte

const (
	StateInvalid State = iota
	StateBoot
	StateScanning
	StateDFU
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateScanning:
		return "scanning"
	case StateDFU:
		return "dfu"
	case StateDisconnected:
		return "disconnected"
	}
	return "invalid"
}

type EventKind string

const (
	EventDeviceDiscovered EventKind = "device-discovered"
	EventDeviceLost       EventKind = "device-lost"
	EventDevicesCleared   EventKind = "devices-cleared"
	EventDFUStarted       EventKind = "dfu-started"
	EventDFUComplete      EventKind = "dfu-complete"
	EventDFUFailed        EventKind = "dfu-failed"
)

// Event is one system occurrence worth reporting upstream.
type Event struct {
	Kind    EventKind `json:"kind"`
	Serial  uint32    `json:"serial,omitempty"`
	Address string    `json:"address,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    int64     `json:"time"` // unix nanoseconds, filled on push
}

type Teler interface {
	Init(ctx context.Context, log *log2.Log, config Config) error
	Close()
	Error(error)
	Event(Event)
	State(State)
}
