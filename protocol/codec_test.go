package protocol

import (
	"encoding/hex"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec() *Codec { return NewCodec() }

func sampleRequests() []Request {
	return []Request{
		{Type: TypeReadSessionInfo, RequestID: 0x01020304, Payload: AppendReadSessionInfo(nil, 0xdeadbeef)},
		{Type: TypeSetProbeID, RequestID: 7, Payload: AppendSetProbeID(nil, 0x10000001, 3)},
		{Type: TypeSetProbeColor, RequestID: 0xffffffff, Payload: AppendSetProbeColor(nil, 1, 0)},
		{Type: TypeReadLogs, RequestID: 42, Payload: AppendReadLogs(nil, 5, 0, 1000)},
		{Type: TypeSetPrediction, RequestID: 43, Payload: AppendSetPrediction(nil, 5, 6300)},
		{Type: TypeProbeStatus, RequestID: 44, Payload: ProbeStatus{
			Serial: 0xcafe0001, HopCount: 2, SessionID: 9, MinSeq: 1, MaxSeq: 17,
			Mode: StatusModeNormal, Raw: []byte{0xaa, 0xbb},
		}.Append(nil)},
		{Type: TypeHeartbeat, RequestID: 45, Payload: Heartbeat{NodeSerial: 0x22334455, HopCount: 1, Inbound: true}.Append(nil)},
	}
}

func sampleResponses() []Response {
	return []Response{
		{Type: TypeReadSessionInfo, RequestID: 0x01020304, ResponseID: 0xa1a2a3a4, Success: true,
			Payload: SessionInfo{Serial: 0xdeadbeef, SessionID: 77, SamplePeriod: 5000}.Append(nil)},
		{Type: TypeReadLogs, RequestID: 42, ResponseID: 1, Success: true,
			Payload: LogRecord{Serial: 5, Sequence: 13, Raw: []byte{1, 2, 3}}.Append(nil)},
		{Type: TypeSetProbeID, RequestID: 7, ResponseID: 2, Success: false,
			Payload: appendU32(nil, 0x10000001)},
		{Type: TypeReadOverTemperature, RequestID: 8, ResponseID: 3, Success: true,
			Payload: append(appendU32(nil, 9), 1)},
	}
}

func TestRoundTripRequest(t *testing.T) {
	t.Parallel()
	c := testCodec()
	for _, req := range sampleRequests() {
		req := req
		t.Run(req.Type.String(), func(t *testing.T) {
			b := EncodeRequest(&req)
			m, n := c.Decode(b)
			require.NotNil(t, m, "encode=%s", hex.EncodeToString(b))
			assert.Equal(t, len(b), n)
			back, ok := m.(*Request)
			require.True(t, ok)
			assert.Equal(t, req, *back)
		})
	}
}

func TestRoundTripResponse(t *testing.T) {
	t.Parallel()
	c := testCodec()
	for _, resp := range sampleResponses() {
		resp := resp
		t.Run(resp.Type.String(), func(t *testing.T) {
			b := EncodeResponse(&resp)
			m, n := c.Decode(b)
			require.NotNil(t, m, "encode=%s", hex.EncodeToString(b))
			assert.Equal(t, len(b), n)
			back, ok := m.(*Response)
			require.True(t, ok)
			assert.Equal(t, resp, *back)
		})
	}
}

// Flipping any byte after the CRC field must make decode return nothing.
func TestCRCSensitivity(t *testing.T) {
	t.Parallel()
	c := testCodec()
	req := sampleRequests()[0]
	resp := sampleResponses()[0]
	for name, b := range map[string][]byte{
		"request":  EncodeRequest(&req),
		"response": EncodeResponse(&resp),
	} {
		b := b
		t.Run(name, func(t *testing.T) {
			for i := 4; i < len(b); i++ {
				mut := append([]byte(nil), b...)
				mut[i] ^= 0x01
				m, _ := c.Decode(mut)
				assert.Nil(t, m, "flip offset=%d frame=%s", i, hex.EncodeToString(mut))
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	c := testCodec()
	good := EncodeRequest(&Request{Type: TypeReadSessionInfo, RequestID: 1, Payload: appendU32(nil, 2)})

	type Case struct {
		name   string
		mutate func([]byte) []byte
	}
	cases := []Case{
		{"empty", func(b []byte) []byte { return nil }},
		{"short-header", func(b []byte) []byte { return b[:RequestHeaderLen-1] }},
		{"bad-sync-0", func(b []byte) []byte { b[0] = 0xcb; return b }},
		{"bad-sync-1", func(b []byte) []byte { b[1] = 0xff; return b }},
		{"unknown-type", func(b []byte) []byte { b[4] = byte(CustomTypeMax); return b }},
		{"truncated-payload", func(b []byte) []byte { return b[:len(b)-1] }},
		{"length-overclaim", func(b []byte) []byte { b[9] = 0xf0; return b }},
		{"below-min-payload", func(b []byte) []byte { b[9] = 1; return b[:RequestHeaderLen+1] }},
	}
	rand.New(rand.NewSource(time.Now().UnixNano())).Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := tc.mutate(append([]byte(nil), good...))
			m, n := c.Decode(b)
			assert.Nil(t, m)
			assert.Equal(t, 0, n)
		})
	}
}

func TestDecodeAll(t *testing.T) {
	t.Parallel()
	c := testCodec()

	var buf []byte
	reqs := sampleRequests()[:3]
	for i := range reqs {
		buf = append(buf, EncodeRequest(&reqs[i])...)
	}
	resp := sampleResponses()[0]
	buf = append(buf, EncodeResponse(&resp)...)

	t.Run("clean", func(t *testing.T) {
		msgs, discarded := c.DecodeAll(buf)
		require.Len(t, msgs, 4)
		assert.Equal(t, 0, discarded)
		for i := range reqs {
			assert.Equal(t, reqs[i], *msgs[i].(*Request))
		}
		assert.Equal(t, resp, *msgs[3].(*Response))
	})

	t.Run("truncated-tail", func(t *testing.T) {
		trunc := EncodeRequest(&reqs[0])
		trunc = trunc[:len(trunc)-2]
		msgs, discarded := c.DecodeAll(append(append([]byte(nil), buf...), trunc...))
		assert.Len(t, msgs, 4)
		assert.Equal(t, len(trunc), discarded)
	})

	t.Run("garbage-stops-parse", func(t *testing.T) {
		garbled := append([]byte{0x00, 0x01, 0x02}, buf...)
		msgs, discarded := c.DecodeAll(garbled)
		assert.Len(t, msgs, 0)
		assert.Equal(t, len(garbled), discarded)
	})

	t.Run("resync-recovers", func(t *testing.T) {
		rc := testCodec()
		rc.Resync = true
		garbled := append([]byte{0x00, 0x01, 0x02}, buf...)
		msgs, discarded := rc.DecodeAll(garbled)
		assert.Len(t, msgs, 4)
		assert.Equal(t, 3, discarded)
	})
}

func TestRegistryCustom(t *testing.T) {
	t.Parallel()
	c := testCodec()
	const custom = CustomTypeMin + 2

	req := Request{Type: custom, RequestID: 99, Payload: []byte{0xbe, 0xeb, 0xee}}
	b := EncodeRequest(&req)

	m, _ := c.Decode(b)
	assert.Nil(t, m, "unregistered custom type must be dropped")

	require.NoError(t, c.Registry.Register(PayloadSpec{Type: custom, MinRequest: 3}))
	m, _ = c.Decode(b)
	require.NotNil(t, m)
	assert.Equal(t, req, *m.(*Request))

	assert.Error(t, c.Registry.Register(PayloadSpec{Type: custom}), "duplicate")
	assert.Error(t, c.Registry.Register(PayloadSpec{Type: TypeReadLogs}), "built-in range")
}

func TestRegistryFallback(t *testing.T) {
	t.Parallel()
	c := testCodec()
	const custom = CustomTypeMax

	req := Request{Type: custom, RequestID: 100, Payload: []byte{0x01}}
	b := EncodeRequest(&req)
	m, _ := c.Decode(b)
	assert.Nil(t, m)

	c.Registry.SetFallback(func(t MessageType) (PayloadSpec, bool) {
		if t == custom {
			return PayloadSpec{Type: t, MinRequest: 1}, true
		}
		return PayloadSpec{}, false
	})
	m, _ = c.Decode(b)
	require.NotNil(t, m)
	assert.Equal(t, req, *m.(*Request))
}

func TestNextRequestID(t *testing.T) {
	t.Parallel()
	seen := make(map[uint32]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
