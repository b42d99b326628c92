package crc

import (
	"strings"
	"testing"
)

func makeCheck1(fun func(uint16, byte) uint16, tag string) func(t *testing.T, init uint16, v byte, expect uint16) {
	return func(t *testing.T, init uint16, v byte, expect uint16) {
		if fun(init, v) != expect {
			t.Errorf("%s(%04x, %02x) != %04x", tag, init, v, expect)
		}
	}
}

func makeCheckN(fun func(uint16, []byte) uint16, tag string) func(t *testing.T, init uint16, vs []byte, expect uint16) {
	return func(t *testing.T, init uint16, vs []byte, expect uint16) {
		if fun(init, vs) != expect {
			t.Errorf("%s(%04x, "+strings.Repeat("%02x", len(vs))+") != %04x", tag, init, vs, expect)
		}
	}
}

func TestSingle(t *testing.T) {
	check := makeCheck1(CRC16_CCITT, "CRC16_CCITT")
	check(t, CRC16_INIT, 0x00, 0xe1f0)
	check(t, CRC16_INIT, 0x55, 0xeba0)
	check(t, CRC16_INIT, 0xaa, 0xf550)
	check(t, CRC16_INIT, 0xff, 0xff00)
}

func TestChain(t *testing.T) {
	checkN := makeCheckN(CRC16_CCITT_n, "CRC16_CCITT_n")
	checkN(t, CRC16_INIT, []byte("123456789"), 0x29b1)
	checkN(t, CRC16_INIT, []byte("A"), 0xb915)
	checkN(t, CRC16_INIT, []byte{0x06, 0x00, 0xbe, 0xeb, 0xee}, 0xe9df)
}

func TestSum16(t *testing.T) {
	if Sum16([]byte("123456789")) != 0x29b1 {
		t.Error("Sum16 standard check value mismatch")
	}
	if Sum16(nil) != CRC16_INIT {
		t.Error("Sum16(nil) must be init value")
	}
}
