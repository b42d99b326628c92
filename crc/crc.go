package crc

const CRC16_POLY_CCITT uint16 = 0x1021

const CRC16_INIT uint16 = 0xffff

// CRC16_CCITT feeds one byte into a running CRC16-CCITT value, MSB-first bit order.
func CRC16_CCITT(crc uint16, data byte) uint16 {
	crc ^= uint16(data) << 8
	var i byte = 0
	for ; i < 8; i++ {
		if (crc & 0x8000) != 0 {
			crc <<= 1
			crc ^= CRC16_POLY_CCITT
		} else {
			crc <<= 1
		}
	}
	return crc
}

func CRC16_CCITT_n(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = CRC16_CCITT(crc, b)
	}
	return crc
}

// Sum16 is CRC16-CCITT over bs with standard 0xffff init.
func Sum16(bs []byte) uint16 { return CRC16_CCITT_n(CRC16_INIT, bs) }
