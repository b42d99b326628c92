package dfu

import (
	"github.com/meatnet/probe/transport"
)

// DeviceAddr maps a bootloader-mode advertising identity back to the
// device's normal radio address: the last octet decremented by one,
// floored at zero. Devices advertise one octet above their normal
// address while in the bootloader.
func DeviceAddr(addr transport.Addr) transport.Addr {
	o, err := addr.Octets()
	if err != nil {
		return addr
	}
	if o[5] > 0 {
		o[5]--
	}
	return transport.AddrFromOctets(o)
}
