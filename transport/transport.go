// Package transport is the boundary to the OS radio stack.
// Transport contract:
// - Connect/Disconnect are fire-and-forget; outcome arrives on Events()
// - Inbound() delivers raw frame buffers as received, possibly coalesced
// - one Conn per physical address; the stack never opens sockets itself
// - assume worst radio quality: loss, reorder, duplicates, corruption
package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Addr is a radio MAC in "aa:bb:cc:dd:ee:ff" form.
type Addr string

func (a Addr) Valid() bool {
	_, err := a.Octets()
	return err == nil
}

func (a Addr) Octets() ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(string(a), ":")
	if len(parts) != 6 {
		return out, errors.NotValidf("address=%s", string(a))
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, errors.NotValidf("address=%s octet=%s", string(a), p)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func AddrFromOctets(o [6]byte) Addr {
	return Addr(fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", o[0], o[1], o[2], o[3], o[4], o[5]))
}

type ProductType uint8

const (
	ProductUnknown ProductType = iota
	ProductProbe
	ProductNode
	ProductDisplay
	ProductCharger
)

func (p ProductType) String() string {
	switch p {
	case ProductProbe:
		return "probe"
	case ProductNode:
		return "node"
	case ProductDisplay:
		return "display"
	case ProductCharger:
		return "charger"
	}
	return "unknown"
}

// Advertisement is one scanner sighting with manufacturer fields already
// decoded upstream.
type Advertisement struct {
	Address     Addr
	Name        string
	RSSI        int16 // dBm
	Connectable bool
	Product     ProductType
	Serial      uint32 // advertised probe serial, 0 when absent
	HopCount    uint8  // 0 = heard directly from the probe
	Mode        uint8  // protocol.StatusModeNormal / StatusModeInstantRead
	Bootloader  bool   // advertising under firmware-update identity
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

// Event is one connection-state transition reported by the OS stack.
type Event struct {
	Address Addr
	Kind    EventKind
}

// InfoKey selects a static device-info string.
type InfoKey uint8

const (
	InfoSerialNumber InfoKey = iota
	InfoFirmwareRevision
	InfoHardwareRevision
	InfoModelNumber
	InfoManufacturer
)

// Conn is one physical radio relationship.
type Conn interface {
	Address() Addr
	// Connect is fire-and-forget: errors beyond argument validation are
	// swallowed, results observable only via Events().
	Connect() error
	Disconnect() error
	Write(b []byte) error
	Events() <-chan Event
	Inbound() <-chan []byte
	ReadInfo(key InfoKey) (string, error)
}

// Dialer mints Conns for sighted addresses.
type Dialer interface {
	Dial(addr Addr) (Conn, error)
}
