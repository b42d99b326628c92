package protocol

import (
	"encoding/binary"
)

// Typed views over built-in payloads. All Parse* return ok=false on a
// short buffer, mirroring the codec's drop-don't-throw discipline.

// SessionInfo is the reply payload of ReadSessionInfo.
type SessionInfo struct {
	Serial       uint32
	SessionID    uint32
	SamplePeriod uint16 // milliseconds between log records
}

func ParseSessionInfo(b []byte) (SessionInfo, bool) {
	if len(b) < 10 {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Serial:       binary.LittleEndian.Uint32(b[0:]),
		SessionID:    binary.LittleEndian.Uint32(b[4:]),
		SamplePeriod: binary.LittleEndian.Uint16(b[8:]),
	}, true
}

func (si SessionInfo) Append(b []byte) []byte {
	b = appendU32(b, si.Serial)
	b = appendU32(b, si.SessionID)
	return append(b, byte(si.SamplePeriod), byte(si.SamplePeriod>>8))
}

// LogRecord is the reply payload of ReadLogs, one record per response.
type LogRecord struct {
	Serial   uint32
	Sequence uint32
	Raw      []byte // packed sensor block, opaque to this core
}

func ParseLogRecord(b []byte) (LogRecord, bool) {
	if len(b) < 8 {
		return LogRecord{}, false
	}
	return LogRecord{
		Serial:   binary.LittleEndian.Uint32(b[0:]),
		Sequence: binary.LittleEndian.Uint32(b[4:]),
		Raw:      b[8:],
	}, true
}

func (lr LogRecord) Append(b []byte) []byte {
	b = appendU32(b, lr.Serial)
	b = appendU32(b, lr.Sequence)
	return append(b, lr.Raw...)
}

// ProbeStatus is the unsolicited node broadcast carrying current probe
// telemetry over the mesh. Request-shaped on the wire, never replied to.
type ProbeStatus struct {
	Serial    uint32
	HopCount  uint8
	SessionID uint32
	MinSeq    uint32
	MaxSeq    uint32
	Mode      uint8 // 0=normal, 1=instant-read
	Raw       []byte
}

const (
	StatusModeNormal      = 0
	StatusModeInstantRead = 1
)

func ParseProbeStatus(b []byte) (ProbeStatus, bool) {
	if len(b) < 18 {
		return ProbeStatus{}, false
	}
	return ProbeStatus{
		Serial:    binary.LittleEndian.Uint32(b[0:]),
		HopCount:  b[4],
		SessionID: binary.LittleEndian.Uint32(b[5:]),
		MinSeq:    binary.LittleEndian.Uint32(b[9:]),
		MaxSeq:    binary.LittleEndian.Uint32(b[13:]),
		Mode:      b[17],
		Raw:       b[18:],
	}, true
}

func (ps ProbeStatus) Append(b []byte) []byte {
	b = appendU32(b, ps.Serial)
	b = append(b, ps.HopCount)
	b = appendU32(b, ps.SessionID)
	b = appendU32(b, ps.MinSeq)
	b = appendU32(b, ps.MaxSeq)
	b = append(b, ps.Mode)
	return append(b, ps.Raw...)
}

// Heartbeat is the periodic mesh node liveness broadcast.
type Heartbeat struct {
	NodeSerial uint32
	HopCount   uint8
	Inbound    bool
}

func ParseHeartbeat(b []byte) (Heartbeat, bool) {
	if len(b) < 6 {
		return Heartbeat{}, false
	}
	return Heartbeat{
		NodeSerial: binary.LittleEndian.Uint32(b[0:]),
		HopCount:   b[4],
		Inbound:    b[5] == 1,
	}, true
}

func (hb Heartbeat) Append(b []byte) []byte {
	b = appendU32(b, hb.NodeSerial)
	b = append(b, hb.HopCount)
	if hb.Inbound {
		return append(b, 1)
	}
	return append(b, 0)
}

// Request payload builders. Probe-scoped requests start with the target
// serial so a mesh node can route them.

func AppendSetProbeID(b []byte, serial uint32, id uint8) []byte {
	return append(appendU32(b, serial), id)
}

func AppendSetProbeColor(b []byte, serial uint32, color uint8) []byte {
	return append(appendU32(b, serial), color)
}

func AppendReadSessionInfo(b []byte, serial uint32) []byte {
	return appendU32(b, serial)
}

func AppendReadLogs(b []byte, serial, startSeq, endSeq uint32) []byte {
	b = appendU32(b, serial)
	b = appendU32(b, startSeq)
	return appendU32(b, endSeq)
}

func AppendReadOverTemperature(b []byte, serial uint32) []byte {
	return appendU32(b, serial)
}

func AppendSetPrediction(b []byte, serial uint32, setPoint uint16) []byte {
	b = appendU32(b, serial)
	return append(b, byte(setPoint), byte(setPoint>>8))
}

// PayloadSerial extracts the leading target serial common to all
// probe-scoped payloads. 0 when the payload is too short.
func PayloadSerial(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
