package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/meatnet/probe/crc"
)

// Wire layout, little-endian throughout:
//
//	request:  ca fe | crc16 | type | requestId u32 | len u8 | payload
//	response: ca fe | crc16 | type|0x80 | requestId u32 | responseId u32 | success u8 | len u8 | payload
//
// CRC16-CCITT covers everything after itself: type, ids, flags, length, payload.
const (
	SyncByte0 = 0xca
	SyncByte1 = 0xfe

	RequestHeaderLen  = 10
	ResponseHeaderLen = 15

	MaxPayloadLen = 0xff
)

var syncPattern = []byte{SyncByte0, SyncByte1}

// Codec parses and builds wire frames.
// Zero value is not usable, set Registry.
type Codec struct {
	Registry *Registry

	// Resync enables scanning for the next sync pattern after an
	// unparseable byte sequence in DecodeAll. Off preserves the
	// historical drop-the-tail behavior.
	Resync bool
}

func NewCodec() *Codec { return &Codec{Registry: NewRegistry()} }

func EncodeRequest(r *Request) []byte {
	n := RequestHeaderLen + len(r.Payload)
	buf := make([]byte, n)
	buf[0] = SyncByte0
	buf[1] = SyncByte1
	buf[4] = byte(r.Type.Base())
	binary.LittleEndian.PutUint32(buf[5:], r.RequestID)
	buf[9] = byte(len(r.Payload))
	copy(buf[RequestHeaderLen:], r.Payload)
	binary.LittleEndian.PutUint16(buf[2:], crc.Sum16(buf[4:]))
	return buf
}

func EncodeResponse(r *Response) []byte {
	n := ResponseHeaderLen + len(r.Payload)
	buf := make([]byte, n)
	buf[0] = SyncByte0
	buf[1] = SyncByte1
	buf[4] = byte(r.Type.Base() | ResponseFlag)
	binary.LittleEndian.PutUint32(buf[5:], r.RequestID)
	binary.LittleEndian.PutUint32(buf[9:], r.ResponseID)
	if r.Success {
		buf[13] = 1
	}
	buf[14] = byte(len(r.Payload))
	copy(buf[ResponseHeaderLen:], r.Payload)
	binary.LittleEndian.PutUint16(buf[2:], crc.Sum16(buf[4:]))
	return buf
}

// Decode parses one frame from the head of b.
// Returns the message and consumed byte count, or (nil, 0) on any
// validation failure. Malformed input is not an error, only "no message".
func (c *Codec) Decode(b []byte) (Message, int) {
	if len(b) < RequestHeaderLen {
		return nil, 0
	}
	if b[0] != SyncByte0 || b[1] != SyncByte1 {
		return nil, 0
	}
	t := MessageType(b[4])
	spec, known := c.Registry.lookup(t)
	if !known {
		return nil, 0
	}
	if t.IsResponse() {
		return decodeResponse(b, t, spec)
	}
	return decodeRequest(b, t, spec)
}

func decodeRequest(b []byte, t MessageType, spec PayloadSpec) (Message, int) {
	plen := int(b[9])
	total := RequestHeaderLen + plen
	if plen < int(spec.MinRequest) || total > len(b) {
		return nil, 0
	}
	if !crcOK(b, total) {
		return nil, 0
	}
	r := &Request{
		Type:      t.Base(),
		RequestID: binary.LittleEndian.Uint32(b[5:]),
		Payload:   append([]byte(nil), b[RequestHeaderLen:total]...),
	}
	return r, total
}

func decodeResponse(b []byte, t MessageType, spec PayloadSpec) (Message, int) {
	if len(b) < ResponseHeaderLen {
		return nil, 0
	}
	plen := int(b[14])
	total := ResponseHeaderLen + plen
	if plen < int(spec.MinReply) || total > len(b) {
		return nil, 0
	}
	if !crcOK(b, total) {
		return nil, 0
	}
	r := &Response{
		Type:       t.Base(),
		RequestID:  binary.LittleEndian.Uint32(b[5:]),
		ResponseID: binary.LittleEndian.Uint32(b[9:]),
		Success:    b[13] == 1,
		Payload:    append([]byte(nil), b[ResponseHeaderLen:total]...),
	}
	return r, total
}

func crcOK(b []byte, total int) bool {
	claimed := binary.LittleEndian.Uint16(b[2:])
	return claimed == crc.Sum16(b[4:total])
}

// DecodeAll consumes b left-to-right, one frame at a time.
// Parsing stops at the first byte sequence that is not a valid frame;
// discarded reports how many tail bytes were dropped. With Resync set
// the codec instead skips to the next sync pattern and keeps going.
func (c *Codec) DecodeAll(b []byte) (msgs []Message, discarded int) {
	for len(b) > 0 {
		m, n := c.Decode(b)
		if m != nil {
			msgs = append(msgs, m)
			b = b[n:]
			continue
		}
		if !c.Resync {
			return msgs, len(b)
		}
		i := bytes.Index(b[1:], syncPattern)
		if i < 0 {
			return msgs, discarded + len(b)
		}
		discarded += i + 1
		b = b[i+1:]
	}
	return msgs, discarded
}
