package protocol

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

type MessageType byte

// Top bit of the type byte marks a response frame.
const ResponseFlag MessageType = 0x80

// Built-in message type codes. Codes 0x01-0x4f are reserved for the
// device family, 0x50-0x7f is the application custom space.
const (
	TypeInvalid             MessageType = 0x00
	TypeSetProbeID          MessageType = 0x01
	TypeSetProbeColor       MessageType = 0x02
	TypeReadSessionInfo     MessageType = 0x03
	TypeReadLogs            MessageType = 0x04
	TypeSetPrediction       MessageType = 0x05
	TypeReadOverTemperature MessageType = 0x06

	TypeProbeStatus MessageType = 0x45
	TypeHeartbeat   MessageType = 0x46

	CustomTypeMin MessageType = 0x50
	CustomTypeMax MessageType = 0x7f
)

func (t MessageType) IsResponse() bool   { return t&ResponseFlag != 0 }
func (t MessageType) Base() MessageType  { return t &^ ResponseFlag }
func (t MessageType) IsCustom() bool     { b := t.Base(); return b >= CustomTypeMin && b <= CustomTypeMax }

func (t MessageType) String() string {
	suffix := ""
	if t.IsResponse() {
		suffix = "/response"
	}
	switch t.Base() {
	case TypeSetProbeID:
		return "SetProbeID" + suffix
	case TypeSetProbeColor:
		return "SetProbeColor" + suffix
	case TypeReadSessionInfo:
		return "ReadSessionInfo" + suffix
	case TypeReadLogs:
		return "ReadLogs" + suffix
	case TypeSetPrediction:
		return "SetPrediction" + suffix
	case TypeReadOverTemperature:
		return "ReadOverTemperature" + suffix
	case TypeProbeStatus:
		return "ProbeStatus" + suffix
	case TypeHeartbeat:
		return "Heartbeat" + suffix
	}
	return fmt.Sprintf("type=%02x%s", byte(t.Base()), suffix)
}

// Message is one decoded wire frame, request or response.
type Message interface {
	MessageType() MessageType
	CorrelationID() uint32
}

type Request struct {
	Type      MessageType
	RequestID uint32
	Payload   []byte
}

func (r *Request) MessageType() MessageType { return r.Type.Base() }
func (r *Request) CorrelationID() uint32    { return r.RequestID }
func (r *Request) String() string {
	return fmt.Sprintf("req type=%s id=%08x data=%s", r.Type.Base().String(), r.RequestID, hex.EncodeToString(r.Payload))
}

type Response struct {
	Type       MessageType
	RequestID  uint32
	ResponseID uint32
	Success    bool
	Payload    []byte
}

func (r *Response) MessageType() MessageType { return r.Type.Base() }
func (r *Response) CorrelationID() uint32    { return r.RequestID }
func (r *Response) String() string {
	return fmt.Sprintf("resp type=%s id=%08x/%08x ok=%t data=%s",
		r.Type.Base().String(), r.RequestID, r.ResponseID, r.Success, hex.EncodeToString(r.Payload))
}

var requestIDCounter uint32

// NextRequestID returns a process-local monotonic correlation id, never 0.
func NextRequestID() uint32 {
	for {
		if id := atomic.AddUint32(&requestIDCounter, 1); id != 0 {
			return id
		}
	}
}

func NewRequest(t MessageType, payload []byte) Request {
	return Request{Type: t.Base(), RequestID: NextRequestID(), Payload: payload}
}

var responseIDCounter uint32

func nextResponseID() uint32 {
	for {
		if id := atomic.AddUint32(&responseIDCounter, 1); id != 0 {
			return id
		}
	}
}

// NewResponse builds the reply to req. Used by tests and relay simulators,
// real devices generate their own response ids.
func NewResponse(req *Request, success bool, payload []byte) Response {
	return Response{
		Type:       req.Type.Base(),
		RequestID:  req.RequestID,
		ResponseID: nextResponseID(),
		Success:    success,
		Payload:    payload,
	}
}
