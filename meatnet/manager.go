// Package meatnet ties the stack together: it consumes the shared
// advertising broadcast, materializes links and logical targets, runs
// the per-target arbiters and exposes probe commands.
package meatnet

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/meatnet/probe/arbiter"
	"github.com/meatnet/probe/helpers"
	"github.com/meatnet/probe/link"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/tele"
	"github.com/meatnet/probe/transport"
)

const (
	DefaultConnectRetries = 2
	DefaultRequestTimeout = 3 * time.Second

	subscribeBuffer = 64
)

type Config struct {
	MeshEnabled  bool
	Scheme       arbiter.Scheme
	SettleWindow time.Duration
	NormalIdle   time.Duration // advert/status arbitration idle, normal channel
	InstantIdle  time.Duration // same, instant-read channel

	ConnectRetries int
	RequestTimeout time.Duration

	Link link.Options // baseline for every link (timeouts, rssi alpha)
}

type EventKind uint8

const (
	EventDeviceDiscovered EventKind = iota + 1
	EventDevicesCleared
)

// Event is one system-level occurrence on the manager's event stream.
type Event struct {
	Kind    EventKind
	Serial  uint32
	Address transport.Addr
}

type Options struct {
	Log       *log2.Log
	Dialer    transport.Dialer
	Broadcast *transport.Broadcast
	Tele      tele.Teler
	Codec     *protocol.Codec
	Config    Config
}

// linkEvent multiplexes all per-link streams into the manager loop.
type linkEvent struct {
	l     *link.Link
	state *link.State
	rssi  *float32
	msg   protocol.Message
	idle  bool
}

type Manager struct {
	log    *log2.Log
	cfg    Config
	dialer transport.Dialer
	bcast  *transport.Broadcast
	tele   tele.Teler
	codec  *protocol.Codec
	alive  *alive.Alive

	mu       sync.Mutex
	links    map[transport.Addr]*link.Link
	targets  map[uint32]*Target
	disabled map[uint32]bool

	events      chan Event
	bootloaders chan transport.Advertisement
	linkEvents  chan linkEvent
	sub         chan transport.Advertisement
}

func NewManager(opt Options) *Manager {
	cfg := opt.Config
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if opt.Codec == nil {
		opt.Codec = protocol.NewCodec()
	}
	if opt.Tele == nil {
		opt.Tele = tele.Noop{}
	}
	return &Manager{
		log:         opt.Log,
		cfg:         cfg,
		dialer:      opt.Dialer,
		bcast:       opt.Broadcast,
		tele:        opt.Tele,
		codec:       opt.Codec,
		alive:       alive.NewAlive(),
		links:       make(map[transport.Addr]*link.Link),
		targets:     make(map[uint32]*Target),
		disabled:    make(map[uint32]bool),
		events:      make(chan Event, subscribeBuffer),
		bootloaders: make(chan transport.Advertisement, subscribeBuffer),
		linkEvents:  make(chan linkEvent, subscribeBuffer),
	}
}

func (m *Manager) Start() {
	if !m.alive.Add(1) {
		return
	}
	m.sub = m.bcast.Subscribe(subscribeBuffer)
	go m.loop()
}

func (m *Manager) Stop() {
	m.alive.Stop()
	m.alive.Wait()
	if m.sub != nil {
		m.bcast.Unsubscribe(m.sub)
	}
	m.mu.Lock()
	links := m.links
	m.links = make(map[transport.Addr]*link.Link)
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// Events carries device-discovered / devices-cleared notifications.
func (m *Manager) Events() <-chan Event { return m.events }

// Bootloaders streams bootloader-identity sightings for the firmware
// update orchestrator.
func (m *Manager) Bootloaders() <-chan transport.Advertisement { return m.bootloaders }

// Target returns the logical probe for serial, nil if never discovered.
func (m *Manager) Target(serial uint32) (t *Target) {
	helpers.WithLock(&m.mu, func() { t = m.targets[serial] })
	return t
}

// Serials snapshots every discovered probe serial.
func (m *Manager) Serials() (out []uint32) {
	helpers.WithLock(&m.mu, func() {
		out = make([]uint32, 0, len(m.targets))
		for s := range m.targets {
			out = append(out, s)
		}
	})
	return out
}

// SetEnabled gates connection maintenance for one probe. Disabling
// tears its links down; used by the firmware updater to quiesce the
// fleet around an update session.
func (m *Manager) SetEnabled(serial uint32, on bool) {
	m.mu.Lock()
	if on {
		delete(m.disabled, serial)
	} else {
		m.disabled[serial] = true
	}
	t := m.targets[serial]
	m.mu.Unlock()
	if on || t == nil {
		return
	}
	for _, l := range t.Links() {
		if l.State().Connected() {
			l.Disconnect()
		}
	}
}

// SetDFUAdjacent switches every link watchdog to the coarse period
// while a firmware update is in flight anywhere nearby.
func (m *Manager) SetDFUAdjacent(on bool) {
	helpers.WithLock(&m.mu, func() {
		for _, l := range m.links {
			l.SetDFUAdjacent(on)
		}
	})
}

// Clear forgets every discovered device and tears all links down.
func (m *Manager) Clear() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[transport.Addr]*link.Link)
	m.targets = make(map[uint32]*Target)
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
	m.emit(Event{Kind: EventDevicesCleared})
	m.tele.Event(tele.Event{Kind: tele.EventDevicesCleared})
}

// Probe commands. All are asynchronous: cb resolves with the device
// response or failure (timeout, teardown). The returned error covers
// only immediate routing/slot problems.

func (m *Manager) SetProbeID(serial uint32, id uint8, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeSetProbeID, protocol.AppendSetProbeID(nil, serial, id))
	return m.request(serial, req, cb)
}

func (m *Manager) SetProbeColor(serial uint32, color uint8, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeSetProbeColor, protocol.AppendSetProbeColor(nil, serial, color))
	return m.request(serial, req, cb)
}

func (m *Manager) SetPrediction(serial uint32, setPoint uint16, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeSetPrediction, protocol.AppendSetPrediction(nil, serial, setPoint))
	return m.request(serial, req, cb)
}

func (m *Manager) ReadSessionInfo(serial uint32, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeReadSessionInfo, protocol.AppendReadSessionInfo(nil, serial))
	return m.request(serial, req, cb)
}

func (m *Manager) ReadLogs(serial, startSeq, endSeq uint32, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeReadLogs, protocol.AppendReadLogs(nil, serial, startSeq, endSeq))
	return m.request(serial, req, cb)
}

func (m *Manager) ReadOverTemperature(serial uint32, cb protocol.TrackerCallback) error {
	req := protocol.NewRequest(protocol.TypeReadOverTemperature, protocol.AppendReadOverTemperature(nil, serial))
	return m.request(serial, req, cb)
}

func (m *Manager) request(serial uint32, req protocol.Request, cb protocol.TrackerCallback) error {
	t := m.Target(serial)
	if t == nil {
		return errors.NotFoundf("probe serial=%08x", serial)
	}
	l := t.Preferred()
	if l == nil {
		return errors.NotFoundf("route to probe serial=%08x", serial)
	}
	return l.Request(req, serial, m.cfg.RequestTimeout, cb)
}

func (m *Manager) loop() {
	defer m.alive.Done()
	stopch := m.alive.StopChan()
	for {
		select {
		case adv, ok := <-m.sub:
			if !ok {
				return
			}
			m.onAdvert(adv)
		case le := <-m.linkEvents:
			m.onLinkEvent(le)
		case <-stopch:
			return
		}
	}
}

func (m *Manager) onAdvert(adv transport.Advertisement) {
	if !adv.Address.Valid() {
		m.log.Debugf("manager drop advert invalid address=%s", adv.Address)
		return
	}
	if adv.Bootloader {
		select {
		case m.bootloaders <- adv:
		default:
			m.log.Debugf("manager bootloader stream full address=%s", adv.Address)
		}
	}

	l := m.ensureLink(adv)
	if l == nil {
		return
	}
	l.Sighting(adv)

	serial := adv.Serial
	if serial == 0 {
		serial = l.Serial()
	}
	if serial == 0 {
		return // node infrastructure with no probe attached yet
	}
	t := m.ensureTarget(serial, adv.Address)
	t.attach(l, adv.HopCount)

	ch := arbiter.ChannelNormal
	if adv.Mode == protocol.StatusModeInstantRead {
		ch = arbiter.ChannelInstantRead
	}
	if t.advert.ShouldPublish(ch, l, adv.HopCount) {
		pushAdvert(t.advertCh, adv)
		if v, ok := l.RSSI(); ok {
			pushRSSI(t.rssiCh, v)
		}
	}

	m.mu.Lock()
	disabled := m.disabled[serial]
	m.mu.Unlock()
	if !disabled && t.route.ShouldConnect(l) {
		l.Connect(m.cfg.ConnectRetries)
	}
}

func (m *Manager) onLinkEvent(le linkEvent) {
	t := m.targetOf(le.l)
	switch {
	case le.state != nil:
		if t != nil {
			pushState(t.stateCh, *le.state)
			if *le.state == link.StateOutOfRange {
				t.detach(le.l)
				if len(t.Links()) == 0 {
					m.tele.Event(tele.Event{Kind: tele.EventDeviceLost, Serial: t.serial, Address: string(le.l.Address())})
				}
			}
		}
	case le.rssi != nil:
		if t != nil {
			pushRSSI(t.rssiCh, *le.rssi)
		}
	case le.msg != nil:
		m.onMessage(le.l, t, le.msg)
	case le.idle:
		if t != nil && le.l.State().Connected() && t.route.ShouldTeardown(le.l) {
			m.log.Debugf("manager idle disconnect address=%s", le.l.Address())
			le.l.Disconnect()
		}
	}
}

func (m *Manager) onMessage(l *link.Link, t *Target, msg protocol.Message) {
	req, ok := msg.(*protocol.Request)
	if !ok {
		m.log.Debugf("manager unmatched response address=%s type=%s", l.Address(), msg.MessageType())
		return
	}
	switch req.Type.Base() {
	case protocol.TypeProbeStatus:
		st, ok := protocol.ParseProbeStatus(req.Payload)
		if !ok {
			m.log.Debugf("manager short status address=%s len=%d", l.Address(), len(req.Payload))
			return
		}
		target := t
		if target == nil || target.serial != st.Serial {
			target = m.ensureTarget(st.Serial, l.Address())
			target.attach(l, st.HopCount)
		}
		if target.route.AcceptStatus(l, st) {
			pushStatus(target.statusCh, st)
		}
	case protocol.TypeHeartbeat:
		if hb, ok := protocol.ParseHeartbeat(req.Payload); ok {
			m.log.Debugf("manager heartbeat node=%08x hop=%d inbound=%t", hb.NodeSerial, hb.HopCount, hb.Inbound)
		}
	default:
		m.log.Debugf("manager unsolicited address=%s type=%s", l.Address(), req.Type)
	}
}

func (m *Manager) ensureLink(adv transport.Advertisement) *link.Link {
	m.mu.Lock()
	if l, ok := m.links[adv.Address]; ok {
		m.mu.Unlock()
		return l
	}
	m.mu.Unlock()

	conn, err := m.dialer.Dial(adv.Address)
	if err != nil {
		m.log.Errorf("manager dial address=%s err=%v", adv.Address, err)
		return nil
	}
	opt := m.cfg.Link
	opt.Log = m.log
	opt.Codec = m.codec
	opt.Caps = capsFor(adv.Product)
	opt.HopCount = adv.HopCount
	opt.Serial = adv.Serial
	l := link.New(conn, opt)

	m.mu.Lock()
	if prev, ok := m.links[adv.Address]; ok { // lost the race
		m.mu.Unlock()
		return prev
	}
	m.links[adv.Address] = l
	m.mu.Unlock()

	l.Start()
	if m.alive.Add(1) {
		go m.pumpLink(l)
	}
	return l
}

func (m *Manager) ensureTarget(serial uint32, addr transport.Addr) *Target {
	m.mu.Lock()
	t, ok := m.targets[serial]
	if !ok {
		t = newTarget(m.log, serial, m.cfg)
		m.targets[serial] = t
	}
	m.mu.Unlock()
	if !ok {
		m.log.Infof("manager discovered probe serial=%08x address=%s", serial, addr)
		m.emit(Event{Kind: EventDeviceDiscovered, Serial: serial, Address: addr})
		m.tele.Event(tele.Event{Kind: tele.EventDeviceDiscovered, Serial: serial, Address: string(addr)})
	}
	return t
}

func (m *Manager) targetOf(l *link.Link) *Target {
	if serial := l.Serial(); serial != 0 {
		if t := m.Target(serial); t != nil {
			return t
		}
	}
	// links attached before the serial was known
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets {
		if t.owns(l) {
			return t
		}
	}
	return nil
}

// pumpLink multiplexes one link's streams into the manager loop.
// Exits on manager stop or when the link itself is closed, e.g. by Clear.
func (m *Manager) pumpLink(l *link.Link) {
	defer m.alive.Done()
	stopch := m.alive.StopChan()
	closed := l.Closed()
	for {
		var le linkEvent
		select {
		case <-closed:
			return
		case st, ok := <-l.States():
			if !ok {
				return
			}
			le = linkEvent{l: l, state: &st}
		case v, ok := <-l.RSSIStream():
			if !ok {
				return
			}
			le = linkEvent{l: l, rssi: &v}
		case msg, ok := <-l.Unsolicited():
			if !ok {
				return
			}
			le = linkEvent{l: l, msg: msg}
		case _, ok := <-l.IdleNotify():
			if !ok {
				return
			}
			le = linkEvent{l: l, idle: true}
		case <-stopch:
			return
		}
		select {
		case m.linkEvents <- le:
		case <-closed:
			return
		case <-stopch:
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debugf("manager event stream full, drop kind=%d", ev.Kind)
	}
}

func capsFor(p transport.ProductType) link.Capability {
	switch p {
	case transport.ProductProbe:
		return link.CapDeviceInfo | link.CapStatus
	case transport.ProductNode:
		return link.CapStatus | link.CapMeshRoute
	case transport.ProductDisplay, transport.ProductCharger:
		return link.CapDeviceInfo | link.CapStatus | link.CapMeshRoute
	}
	return link.CapStatus
}
