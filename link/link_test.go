package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/transport"
)

const testAddr transport.Addr = "aa:bb:cc:dd:ee:ff"

func testLink(t testing.TB, opt Options) (*Link, *transport.MockConn) {
	conn := transport.NewMockConn(testAddr)
	opt.Log = log2.NewTest(t, log2.LDebug)
	l := New(conn, opt)
	l.Start()
	t.Cleanup(l.Close)
	return l, conn
}

func waitState(t *testing.T, l *Link, want State) {
	deadline := time.After(2 * time.Second)
	for {
		if l.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state=%s want=%s", l.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSightingDrivesAdvertisingStates(t *testing.T) {
	t.Parallel()
	l, _ := testLink(t, Options{})

	assert.Equal(t, StateOutOfRange, l.State())
	assert.True(t, l.Sighting(transport.Advertisement{Address: testAddr, RSSI: -50, Connectable: true, HopCount: 2, Serial: 7}))
	assert.Equal(t, StateAdvertisingConnectable, l.State())
	assert.Equal(t, uint8(2), l.HopCount())
	assert.Equal(t, uint32(7), l.Serial())

	assert.True(t, l.Sighting(transport.Advertisement{Address: testAddr, RSSI: -50, Connectable: false}))
	assert.Equal(t, StateAdvertisingNotConnectable, l.State())
}

func TestSightingNoopWhileActive(t *testing.T) {
	t.Parallel()
	l, conn := testLink(t, Options{})

	conn.PushEvent(transport.EventConnected)
	waitState(t, l, StateConnected)

	assert.False(t, l.Sighting(transport.Advertisement{Address: testAddr, Connectable: true}),
		"advertising must not override an active connection")
	assert.Equal(t, StateConnected, l.State())

	conn.PushEvent(transport.EventDisconnected)
	waitState(t, l, StateDisconnected)

	// disconnected is not active, sighting recovers
	assert.True(t, l.Sighting(transport.Advertisement{Address: testAddr, Connectable: true}))
	assert.Equal(t, StateAdvertisingConnectable, l.State())
}

func TestWatchdogOutOfRange(t *testing.T) {
	t.Parallel()
	l, _ := testLink(t, Options{
		IdleTimeout: 20 * time.Millisecond,
		WatchPeriod: 5 * time.Millisecond,
	})

	require.True(t, l.Sighting(transport.Advertisement{Address: testAddr, RSSI: -50, Connectable: true}))
	waitState(t, l, StateOutOfRange)

	select {
	case <-l.IdleNotify():
	case <-time.After(time.Second):
		t.Fatal("expected idle notification")
	}
	_, ok := l.RSSI()
	assert.False(t, ok, "idle trip resets smoothed RSSI")

	// any fresh sighting recovers from OutOfRange
	assert.True(t, l.Sighting(transport.Advertisement{Address: testAddr, RSSI: -50, Connectable: true}))
	assert.Equal(t, StateAdvertisingConnectable, l.State())
}

func TestConnectFireAndForget(t *testing.T) {
	t.Parallel()
	l, conn := testLink(t, Options{})

	l.Connect(0)
	waitState(t, l, StateConnecting)
	conn.PushEvent(transport.EventConnected)
	waitState(t, l, StateConnected)
	assert.Equal(t, 1, conn.ConnectCalls())
}

func TestConnectBoundedRetries(t *testing.T) {
	t.Parallel()
	conn := transport.NewMockConn(testAddr)
	conn.ConnectErr = assert.AnError
	l := New(conn, Options{Log: log2.NewTest(t, log2.LDebug)})
	l.Start()
	defer l.Close()

	l.Connect(2)
	waitState(t, l, StateDisconnected)
	assert.Equal(t, 3, conn.ConnectCalls(), "initial try plus two retries")
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()
	l, conn := testLink(t, Options{})

	req := protocol.NewRequest(protocol.TypeReadSessionInfo, protocol.AppendReadSessionInfo(nil, 42))
	resCh := make(chan *protocol.Response, 1)
	require.NoError(t, l.Request(req, 42, time.Second, func(ok bool, resp *protocol.Response) {
		assert.True(t, ok)
		resCh <- resp
	}))

	written := conn.Written()
	require.Len(t, written, 1)
	m, _ := l.codec.Decode(written[0])
	require.NotNil(t, m)
	assert.Equal(t, req, *m.(*protocol.Request))

	resp := protocol.NewResponse(&req, true, protocol.SessionInfo{Serial: 42, SessionID: 1, SamplePeriod: 1000}.Append(nil))
	conn.PushInbound(protocol.EncodeResponse(&resp))

	select {
	case got := <-resCh:
		assert.Equal(t, resp, *got)
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}
}

func TestResponseSerialMismatchGoesUnsolicited(t *testing.T) {
	t.Parallel()
	l, conn := testLink(t, Options{})

	req := protocol.NewRequest(protocol.TypeReadSessionInfo, protocol.AppendReadSessionInfo(nil, 42))
	called := make(chan bool, 1)
	require.NoError(t, l.Request(req, 42, time.Second, func(ok bool, _ *protocol.Response) { called <- ok }))

	// response for another probe on the same mesh link
	other := protocol.NewResponse(&req, true, protocol.SessionInfo{Serial: 99, SessionID: 1, SamplePeriod: 1000}.Append(nil))
	conn.PushInbound(protocol.EncodeResponse(&other))

	select {
	case m := <-l.Unsolicited():
		assert.Equal(t, protocol.TypeReadSessionInfo, m.MessageType())
	case <-time.After(time.Second):
		t.Fatal("mismatched response must surface as unsolicited")
	}
	select {
	case <-called:
		t.Fatal("pending wait must survive a serial mismatch")
	default:
	}
}

func TestUnsolicitedBroadcast(t *testing.T) {
	t.Parallel()
	l, conn := testLink(t, Options{})

	status := protocol.ProbeStatus{Serial: 5, HopCount: 1, SessionID: 2, MinSeq: 0, MaxSeq: 9, Mode: protocol.StatusModeNormal}
	req := protocol.NewRequest(protocol.TypeProbeStatus, status.Append(nil))
	conn.PushInbound(protocol.EncodeRequest(&req))

	select {
	case m := <-l.Unsolicited():
		got, ok := protocol.ParseProbeStatus(m.(*protocol.Request).Payload)
		require.True(t, ok)
		assert.Equal(t, status.Serial, got.Serial)
		assert.Equal(t, status.MaxSeq, got.MaxSeq)
	case <-time.After(time.Second):
		t.Fatal("probe status not delivered")
	}
}

func TestCloseFailsPending(t *testing.T) {
	t.Parallel()
	conn := transport.NewMockConn(testAddr)
	l := New(conn, Options{Log: log2.NewTest(t, log2.LDebug)})
	l.Start()

	req := protocol.NewRequest(protocol.TypeReadLogs, protocol.AppendReadLogs(nil, 1, 0, 10))
	resCh := make(chan bool, 1)
	require.NoError(t, l.Request(req, 1, time.Hour, func(ok bool, _ *protocol.Response) { resCh <- ok }))

	l.Close()
	select {
	case ok := <-resCh:
		assert.False(t, ok, "teardown resolves pending requests as failures")
	case <-time.After(time.Second):
		t.Fatal("pending request not resolved on close")
	}

	select {
	case <-l.Closed():
	default:
		t.Fatal("Closed must signal after Close so stream consumers exit")
	}
}

func TestInfoCache(t *testing.T) {
	t.Parallel()
	conn := transport.NewMockConn(testAddr)
	conn.SetInfo(transport.InfoFirmwareRevision, "1.2.3")
	l := New(conn, Options{Log: log2.NewTest(t, log2.LDebug), Caps: CapDeviceInfo})
	l.Start()
	defer l.Close()

	s, err := l.Info(transport.InfoFirmwareRevision)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", s)

	conn.SetInfo(transport.InfoFirmwareRevision, "9.9.9")
	s, err = l.Info(transport.InfoFirmwareRevision)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", s, "second read must come from cache")

	_, err = l.Info(transport.InfoModelNumber)
	assert.Error(t, err)

	plain := New(transport.NewMockConn("00:00:00:00:00:01"), Options{Log: log2.NewTest(t, log2.LDebug)})
	_, err = plain.Info(transport.InfoFirmwareRevision)
	assert.Error(t, err, "device-info capability not selected")
}
