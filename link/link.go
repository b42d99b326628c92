// Package link owns one physical radio relationship: its connection
// state machine, idle watchdog, RSSI smoothing, device-info cache and
// request correlation slots.
package link

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/meatnet/probe/helpers"
	"github.com/meatnet/probe/helpers/msync"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/transport"
)

// Capability selects link behavior at construction instead of subclassing.
type Capability uint8

const (
	CapDeviceInfo Capability = 1 << iota
	CapStatus
	CapMeshRoute
)

func (c Capability) Has(x Capability) bool { return c&x != 0 }

const (
	DefaultIdleTimeout    = 15 * time.Second
	DefaultWatchPeriod    = 1 * time.Second
	DefaultDFUWatchPeriod = 5 * time.Second

	streamBuffer = 16
)

type Options struct {
	Log      *log2.Log
	Codec    *protocol.Codec
	Caps     Capability
	HopCount uint8
	Serial   uint32

	IdleTimeout    time.Duration // generic range-loss threshold
	WatchPeriod    time.Duration // watchdog poll granularity
	DFUWatchPeriod time.Duration // coarse granularity near firmware updates

	RSSIAlpha float32
}

type Link struct {
	conn  transport.Conn
	log   *log2.Log
	codec *protocol.Codec
	alive *alive.Alive
	opt   Options

	mu     sync.Mutex
	state  State
	hop    uint8
	serial uint32
	info   map[transport.InfoKey]string

	dfuAdjacent uint32 // atomic flag, switches watchdog granularity
	bootloader  uint32 // atomic flag, last sighting was bootloader-mode

	lastActivity atomic_clock.Clock
	rssi         SmoothedRSSI

	trackmu  sync.Mutex
	trackers map[protocol.MessageType]*protocol.Tracker

	stateCh     chan State
	rssiCh      chan float32
	idle        msync.Signal
	unsolicited chan protocol.Message
}

func New(conn transport.Conn, opt Options) *Link {
	if opt.Codec == nil {
		opt.Codec = protocol.NewCodec()
	}
	if opt.IdleTimeout == 0 {
		opt.IdleTimeout = DefaultIdleTimeout
	}
	if opt.WatchPeriod == 0 {
		opt.WatchPeriod = DefaultWatchPeriod
	}
	if opt.DFUWatchPeriod == 0 {
		opt.DFUWatchPeriod = DefaultDFUWatchPeriod
	}
	l := &Link{
		conn:        conn,
		log:         opt.Log,
		codec:       opt.Codec,
		alive:       alive.NewAlive(),
		opt:         opt,
		state:       StateOutOfRange,
		hop:         opt.HopCount,
		serial:      opt.Serial,
		info:        make(map[transport.InfoKey]string),
		trackers:    make(map[protocol.MessageType]*protocol.Tracker),
		stateCh:     make(chan State, streamBuffer),
		rssiCh:      make(chan float32, streamBuffer),
		idle:        msync.NewSignal(),
		unsolicited: make(chan protocol.Message, streamBuffer),
	}
	l.rssi.Alpha = opt.RSSIAlpha
	l.lastActivity.SetNow()
	return l
}

// Start launches the transport-event, inbound-frame and watchdog workers.
func (l *Link) Start() {
	if !l.alive.Add(3) {
		return
	}
	go l.eventLoop()
	go l.readLoop()
	go l.watchdog()
}

// Close tears the link down: stops workers and resolves every pending
// request as failure. Never blocks on stream consumers.
func (l *Link) Close() {
	l.alive.Stop()
	l.alive.Wait()
	l.trackmu.Lock()
	for _, tr := range l.trackers {
		tr.Cancel()
	}
	l.trackmu.Unlock()
}

// Closed signals teardown; stream consumers stop draining on it,
// the stream channels themselves never close.
func (l *Link) Closed() <-chan struct{} { return l.alive.StopChan() }

func (l *Link) Address() transport.Addr { return l.conn.Address() }
func (l *Link) Caps() Capability        { return l.opt.Caps }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) HopCount() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hop
}

func (l *Link) Serial() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serial
}

func (l *Link) Direct() bool { return l.HopCount() == 0 }

func (l *Link) RSSI() (float32, bool) { return l.rssi.Load() }

func (l *Link) IdleFor() time.Duration { return atomic_clock.Since(&l.lastActivity) }

func (l *Link) Bootloader() bool { return atomic.LoadUint32(&l.bootloader) == 1 }

// SetDFUAdjacent switches the watchdog to the coarse DFU-range period.
func (l *Link) SetDFUAdjacent(b bool) {
	v := uint32(0)
	if b {
		v = 1
	}
	atomic.StoreUint32(&l.dfuAdjacent, v)
}

// Streams. Slow consumers lose items, the link never blocks on them.

func (l *Link) States() <-chan State { return l.stateCh }
func (l *Link) RSSIStream() <-chan float32 { return l.rssiCh }
func (l *Link) IdleNotify() <-chan msync.Nothing { return l.idle }
func (l *Link) Unsolicited() <-chan protocol.Message { return l.unsolicited }

// Sighting feeds one advertising packet for this link's address.
// Authoritative only while not actively connected; a no-op otherwise.
// Returns whether the sighting was accepted.
func (l *Link) Sighting(adv transport.Advertisement) bool {
	l.mu.Lock()
	if l.state.Active() {
		l.mu.Unlock()
		return false
	}
	l.hop = adv.HopCount
	if adv.Serial != 0 {
		l.serial = adv.Serial
	}
	next := StateAdvertisingNotConnectable
	if adv.Connectable {
		next = StateAdvertisingConnectable
	}
	l.setStateLocked(next)
	l.mu.Unlock()

	if adv.Bootloader {
		atomic.StoreUint32(&l.bootloader, 1)
	} else {
		atomic.StoreUint32(&l.bootloader, 0)
	}
	l.touch()
	if v, ok := l.rssi.Update(adv.RSSI); ok {
		select {
		case l.rssiCh <- v:
		default:
		}
	}
	return true
}

// Connect starts a fire-and-forget connection attempt with up to retries
// extra tries on transport error. Outcome is observable only through the
// state stream.
func (l *Link) Connect(retries int) {
	if !l.alive.Add(1) {
		return
	}
	go func() {
		defer l.alive.Done()
		l.setState(StateConnecting)
		bo := helpers.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, K: 2}
		for try := 0; ; try++ {
			err := l.conn.Connect()
			if err == nil {
				return
			}
			l.log.Debugf("link connect address=%s try=%d err=%v", l.conn.Address(), try, err)
			if try >= retries {
				l.setState(StateDisconnected)
				return
			}
			select {
			case <-time.After(bo.DelayAfter(false)):
			case <-l.alive.StopChan():
				return
			}
		}
	}()
}

func (l *Link) Disconnect() {
	l.setState(StateDisconnecting)
	if err := l.conn.Disconnect(); err != nil {
		l.log.Debugf("link disconnect address=%s err=%v", l.conn.Address(), err)
	}
}

// SetNoRoute marks a relayed link whose node lost the path to the probe.
// Ignored while a transport connection is in flight.
func (l *Link) SetNoRoute() {
	l.mu.Lock()
	if !l.state.Active() {
		l.setStateLocked(StateNoRoute)
	}
	l.mu.Unlock()
}

// Send encodes and writes one request without waiting for a response.
func (l *Link) Send(req protocol.Request) error {
	if len(req.Payload) > protocol.MaxPayloadLen {
		return errors.NotValidf("payload length=%d", len(req.Payload))
	}
	return l.conn.Write(protocol.EncodeRequest(&req))
}

// Request arms the correlation slot for req's type, then writes the
// frame. ErrTrackerBusy surfaces synchronously; transport write errors
// are swallowed and resolve the request as failure through cb.
func (l *Link) Request(req protocol.Request, target uint32, timeout time.Duration, cb protocol.TrackerCallback) error {
	tr := l.tracker(req.Type.Base())
	if err := tr.Wait(target, timeout, cb); err != nil {
		return err
	}
	if err := l.Send(req); err != nil {
		l.log.Debugf("link request address=%s type=%s err=%v", l.conn.Address(), req.Type, err)
		tr.Cancel()
	}
	return nil
}

// Info returns a cached static device-info string, reading through on miss.
func (l *Link) Info(key transport.InfoKey) (string, error) {
	if !l.opt.Caps.Has(CapDeviceInfo) {
		return "", errors.NotSupportedf("link address=%s device info", l.conn.Address())
	}
	l.mu.Lock()
	if s, ok := l.info[key]; ok {
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	s, err := l.conn.ReadInfo(key)
	if err != nil {
		return "", errors.Annotatef(err, "link address=%s info key=%d", l.conn.Address(), key)
	}
	l.mu.Lock()
	l.info[key] = s
	l.mu.Unlock()
	l.touch()
	return s, nil
}

func (l *Link) touch() { l.lastActivity.SetNow() }

func (l *Link) tracker(t protocol.MessageType) *protocol.Tracker {
	l.trackmu.Lock()
	defer l.trackmu.Unlock()
	tr, ok := l.trackers[t]
	if !ok {
		tr = &protocol.Tracker{}
		l.trackers[t] = tr
	}
	return tr
}

func (l *Link) setState(next State) {
	l.mu.Lock()
	l.setStateLocked(next)
	l.mu.Unlock()
}

func (l *Link) setStateLocked(next State) {
	if l.state == next {
		return
	}
	l.log.Debugf("link address=%s state %s -> %s", l.conn.Address(), l.state, next)
	l.state = next
	select {
	case l.stateCh <- next:
	default:
		l.log.Debugf("link address=%s state stream full", l.conn.Address())
	}
}

func (l *Link) eventLoop() {
	defer l.alive.Done()
	events := l.conn.Events()
	stopch := l.alive.StopChan()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			l.touch()
			switch e.Kind {
			case transport.EventConnected:
				l.setState(StateConnected)
			case transport.EventDisconnected:
				l.mu.Lock()
				if l.state.Active() {
					l.setStateLocked(StateDisconnected)
				}
				l.mu.Unlock()
			}
		case <-stopch:
			return
		}
	}
}

func (l *Link) readLoop() {
	defer l.alive.Done()
	inbound := l.conn.Inbound()
	stopch := l.alive.StopChan()
	for {
		select {
		case buf, ok := <-inbound:
			if !ok {
				return
			}
			l.touch()
			msgs, discarded := l.codec.DecodeAll(buf)
			if discarded > 0 {
				l.log.Debugf("link address=%s inbound discarded=%d", l.conn.Address(), discarded)
			}
			for _, m := range msgs {
				l.dispatch(m)
			}
		case <-stopch:
			return
		}
	}
}

func (l *Link) dispatch(m protocol.Message) {
	if resp, ok := m.(*protocol.Response); ok {
		serial := protocol.PayloadSerial(resp.Payload)
		if l.tracker(resp.Type.Base()).Handled(resp.Success, resp, serial) {
			return
		}
	}
	select {
	case l.unsolicited <- m:
	default:
		l.log.Debugf("link address=%s unsolicited stream full, drop type=%s", l.conn.Address(), m.MessageType())
	}
}

func (l *Link) watchdog() {
	defer l.alive.Done()
	stopch := l.alive.StopChan()
	for {
		period := l.opt.WatchPeriod
		if atomic.LoadUint32(&l.dfuAdjacent) == 1 {
			period = l.opt.DFUWatchPeriod
		}
		select {
		case <-time.After(period):
		case <-stopch:
			return
		}
		if atomic_clock.Since(&l.lastActivity) < l.opt.IdleTimeout {
			continue
		}
		l.idle.Set()
		l.mu.Lock()
		if !l.state.Active() {
			l.setStateLocked(StateOutOfRange)
		}
		l.mu.Unlock()
		l.rssi.Reset()
	}
}
