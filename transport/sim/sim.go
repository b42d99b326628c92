// Package sim is a software radio: a configurable set of simulated
// probes behind the regular transport interfaces. It backs development
// runs of the daemon and the protocol workbench when no hardware
// bridge is attached.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/meatnet/probe/dfu"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/transport"
)

const (
	DefaultAdvertPeriod = 500 * time.Millisecond
	DefaultBaseSerial   = 0x10001000

	connDelay = 10 * time.Millisecond
)

type Config struct {
	Probes       int
	AdvertPeriod time.Duration
	BaseSerial   uint32
}

type Radio struct {
	log   *log2.Log
	cfg   Config
	codec *protocol.Codec
	alive *alive.Alive

	adverts chan transport.Advertisement

	mu     sync.Mutex
	probes map[transport.Addr]*simProbe
}

func New(log *log2.Log, cfg Config) *Radio {
	if cfg.Probes == 0 {
		cfg.Probes = 1
	}
	if cfg.AdvertPeriod == 0 {
		cfg.AdvertPeriod = DefaultAdvertPeriod
	}
	if cfg.BaseSerial == 0 {
		cfg.BaseSerial = DefaultBaseSerial
	}
	r := &Radio{
		log:     log,
		cfg:     cfg,
		codec:   protocol.NewCodec(),
		alive:   alive.NewAlive(),
		adverts: make(chan transport.Advertisement, 64),
		probes:  make(map[transport.Addr]*simProbe),
	}
	for i := 0; i < cfg.Probes; i++ {
		p := &simProbe{
			radio:     r,
			serial:    cfg.BaseSerial + uint32(i),
			addr:      transport.AddrFromOctets([6]byte{0xaa, 0x00, 0x00, 0x00, 0x00, byte(2*i + 1)}),
			sessionID: 1,
		}
		r.probes[p.addr] = p
	}
	return r
}

func (r *Radio) Adverts() <-chan transport.Advertisement { return r.adverts }

// Dial implements transport.Dialer.
func (r *Radio) Dial(addr transport.Addr) (transport.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.probes[addr]
	if !ok {
		return nil, errors.NotFoundf("sim device address=%s", addr)
	}
	if p.conn == nil {
		p.conn = &simConn{
			p:       p,
			events:  make(chan transport.Event, 16),
			inbound: make(chan []byte, 16),
		}
	}
	return p.conn, nil
}

func (r *Radio) Start() {
	if !r.alive.Add(1) {
		return
	}
	go r.run()
}

func (r *Radio) Stop() {
	r.alive.Stop()
	r.alive.Wait()
}

func (r *Radio) run() {
	defer r.alive.Done()
	stopch := r.alive.StopChan()
	tick := time.NewTicker(r.cfg.AdvertPeriod)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-stopch:
			return
		}
		r.mu.Lock()
		for _, p := range r.probes {
			select {
			case r.adverts <- p.advert():
			default:
			}
			if p.connected {
				p.maxSeq++
				p.pushStatus()
			}
		}
		r.mu.Unlock()
	}
}

type simProbe struct {
	radio     *Radio
	serial    uint32
	addr      transport.Addr
	probeID   uint8
	color     uint8
	sessionID uint32
	maxSeq    uint32
	connected bool
	conn      *simConn
}

func (p *simProbe) advert() transport.Advertisement {
	return transport.Advertisement{
		Address:     p.addr,
		Name:        "SimProbe",
		RSSI:        -50,
		Connectable: !p.connected,
		Product:     transport.ProductProbe,
		Serial:      p.serial,
	}
}

// pushStatus requires radio.mu held.
func (p *simProbe) pushStatus() {
	st := protocol.ProbeStatus{
		Serial:    p.serial,
		SessionID: p.sessionID,
		MaxSeq:    p.maxSeq,
		Mode:      protocol.StatusModeNormal,
	}
	req := protocol.NewRequest(protocol.TypeProbeStatus, st.Append(nil))
	p.conn.push(protocol.EncodeRequest(&req))
}

type simConn struct {
	p       *simProbe
	events  chan transport.Event
	inbound chan []byte
}

func (c *simConn) Address() transport.Addr { return c.p.addr }

func (c *simConn) Connect() error {
	go func() {
		time.Sleep(connDelay)
		c.p.radio.mu.Lock()
		c.p.connected = true
		c.p.radio.mu.Unlock()
		c.events <- transport.Event{Address: c.p.addr, Kind: transport.EventConnected}
	}()
	return nil
}

func (c *simConn) Disconnect() error {
	c.p.radio.mu.Lock()
	c.p.connected = false
	c.p.radio.mu.Unlock()
	c.events <- transport.Event{Address: c.p.addr, Kind: transport.EventDisconnected}
	return nil
}

func (c *simConn) Events() <-chan transport.Event { return c.events }
func (c *simConn) Inbound() <-chan []byte         { return c.inbound }

func (c *simConn) ReadInfo(key transport.InfoKey) (string, error) {
	switch key {
	case transport.InfoSerialNumber:
		return string(c.p.addr), nil
	case transport.InfoFirmwareRevision:
		return "sim-1.0.0", nil
	case transport.InfoHardwareRevision:
		return "sim", nil
	case transport.InfoModelNumber:
		return "SimProbe", nil
	case transport.InfoManufacturer:
		return "meatnet", nil
	}
	return "", errors.NotFoundf("sim device info key=%d", key)
}

func (c *simConn) Write(b []byte) error {
	msgs, discarded := c.p.radio.codec.DecodeAll(b)
	if discarded > 0 {
		return errors.NotValidf("sim write discarded=%d", discarded)
	}
	for _, m := range msgs {
		req, ok := m.(*protocol.Request)
		if !ok {
			continue
		}
		c.handle(req)
	}
	return nil
}

func (c *simConn) handle(req *protocol.Request) {
	p := c.p
	p.radio.mu.Lock()
	defer p.radio.mu.Unlock()
	echo := echoSerial(req.Payload)
	if protocol.PayloadSerial(req.Payload) != p.serial {
		resp := protocol.NewResponse(req, false, echo)
		c.push(protocol.EncodeResponse(&resp))
		return
	}

	var payload []byte
	switch req.Type.Base() {
	case protocol.TypeSetProbeID:
		p.probeID = req.Payload[4]
		payload = echo
	case protocol.TypeSetProbeColor:
		p.color = req.Payload[4]
		payload = echo
	case protocol.TypeReadSessionInfo:
		si := protocol.SessionInfo{Serial: p.serial, SessionID: p.sessionID, SamplePeriod: 1000}
		payload = si.Append(nil)
	case protocol.TypeReadLogs:
		lr := protocol.LogRecord{Serial: p.serial, Sequence: p.maxSeq}
		payload = lr.Append(nil)
	case protocol.TypeSetPrediction, protocol.TypeReadOverTemperature:
		payload = echo
	default:
		resp := protocol.NewResponse(req, false, echo)
		c.push(protocol.EncodeResponse(&resp))
		return
	}
	resp := protocol.NewResponse(req, true, payload)
	c.push(protocol.EncodeResponse(&resp))
}

func echoSerial(payload []byte) []byte {
	if len(payload) >= 4 {
		return payload[:4]
	}
	return payload
}

func (c *simConn) push(b []byte) {
	select {
	case c.inbound <- b:
	default:
		c.p.radio.log.Debugf("sim inbound full address=%s", c.p.addr)
	}
}

// Flasher pretends to transfer firmware, reporting progress in steps.
type Flasher struct {
	StepDelay time.Duration
}

func (f Flasher) Flash(ctx context.Context, addr transport.Addr, img dfu.Image, progress func(percent float32)) error {
	delay := f.StepDelay
	if delay == 0 {
		delay = 100 * time.Millisecond
	}
	for pct := 10; pct <= 100; pct += 10 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "sim flash address=%s", addr)
		}
		progress(float32(pct))
	}
	return nil
}
