// Package dfu orchestrates firmware updates across the fleet: one
// session at a time, with stuck-bootloader recovery for devices that
// lost power mid-update and reboot into the bootloader forever.
package dfu

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/transport"
)

const (
	DefaultStuckThreshold = 10 * time.Second
	DefaultPollPeriod     = 1 * time.Second

	progressBuffer = 16
)

type ProductFamily uint8

const (
	FamilyUnknown ProductFamily = iota
	FamilyProbe
	FamilyNode
	FamilyDisplay
	FamilyCharger
)

func (f ProductFamily) String() string {
	switch f {
	case FamilyProbe:
		return "probe"
	case FamilyNode:
		return "node"
	case FamilyDisplay:
		return "display"
	case FamilyCharger:
		return "charger"
	}
	return "unknown"
}

// Image is one firmware payload for a product family.
type Image struct {
	Family  ProductFamily
	Version string
	Data    []byte
}

// Flasher performs the actual byte transfer to a bootloader-mode
// device. Implementations wrap the platform update service.
type Flasher interface {
	Flash(ctx context.Context, addr transport.Addr, img Image, progress func(percent float32)) error
}

// Fleet is what the orchestrator needs from the device manager to
// quiesce everything else around an update session.
type Fleet interface {
	Serials() []uint32
	SetEnabled(serial uint32, on bool)
	SetDFUAdjacent(on bool)
}

type State uint8

const (
	StateWaitingBootloader State = iota + 1
	StateFlashing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaitingBootloader:
		return "waiting-bootloader"
	case StateFlashing:
		return "flashing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

// Progress is one update on the orchestrator's state stream. Failed and
// Complete are terminal for their session; the orchestrator itself
// keeps running.
type Progress struct {
	Serial  uint32 // 0 for stuck-recovery sessions of unknown devices
	Address transport.Addr
	State   State
	Percent float32
	Family  ProductFamily
	Retry   int
	Err     error
}

type Config struct {
	StuckThreshold time.Duration
	PollPeriod     time.Duration
	RetryLimit     int // stuck-recovery attempts per device, 0 = unbounded
}

type Options struct {
	Log     *log2.Log
	Fleet   Fleet
	Flasher Flasher
	// Sightings delivers bootloader-identity advertisements, normally
	// the manager's Bootloaders() stream.
	Sightings <-chan transport.Advertisement
	// Reset commands a normal-mode device into its bootloader. Nil when
	// devices reboot into DFU on their own.
	Reset  func(serial uint32) error
	Config Config
}

type bootEntry struct {
	name      string
	firstSeen atomic_clock.Clock
	lastSeen  atomic_clock.Clock
	retries   int
	exhausted bool
}

type session struct {
	serial uint32
	addr   transport.Addr // normal-mode address
	// bootAddr is empty until the device is sighted under its bootloader
	// identity; stuck-recovery sessions start from one and set it up front.
	bootAddr transport.Addr
	family   ProductFamily
	img      Image
	retry    int
	flashing bool
	done     func(error)
}

type Orchestrator struct {
	log     *log2.Log
	cfg     Config
	fleet   Fleet
	flasher Flasher
	reset   func(serial uint32) error
	in      <-chan transport.Advertisement
	alive   *alive.Alive

	mu      sync.Mutex
	session *session
	boot    map[transport.Addr]*bootEntry
	images  map[ProductFamily]Image

	progressCh chan Progress
}

func New(opt Options) *Orchestrator {
	cfg := opt.Config
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = DefaultPollPeriod
	}
	return &Orchestrator{
		log:        opt.Log,
		cfg:        cfg,
		fleet:      opt.Fleet,
		flasher:    opt.Flasher,
		reset:      opt.Reset,
		in:         opt.Sightings,
		alive:      alive.NewAlive(),
		boot:       make(map[transport.Addr]*bootEntry),
		images:     make(map[ProductFamily]Image),
		progressCh: make(chan Progress, progressBuffer),
	}
}

// SetImage registers the firmware used for stuck-bootloader recovery of
// one product family.
func (o *Orchestrator) SetImage(img Image) {
	o.mu.Lock()
	o.images[img.Family] = img
	o.mu.Unlock()
}

// Progress is the orchestrator's state stream. Slow consumers lose
// updates, never block a flash.
func (o *Orchestrator) Progress() <-chan Progress { return o.progressCh }

func (o *Orchestrator) Start() {
	if !o.alive.Add(1) {
		return
	}
	go o.loop()
}

func (o *Orchestrator) Stop() {
	o.alive.Stop()
	o.alive.Wait()
}

// Busy reports whether an update session is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}

// Begin starts an operator-requested update of a known device. The
// fleet quiesces until the session resolves; done (optional) fires once
// with the terminal outcome.
func (o *Orchestrator) Begin(serial uint32, addr transport.Addr, img Image, done func(error)) error {
	o.mu.Lock()
	if o.session != nil {
		busy := o.session.serial
		o.mu.Unlock()
		return errors.AlreadyExistsf("firmware session serial=%08x", busy)
	}
	s := &session{
		serial: serial,
		addr:   addr,
		family: img.Family,
		img:    img,
		done:   done,
	}
	o.session = s
	o.mu.Unlock()

	o.log.Infof("dfu begin serial=%08x address=%s family=%s version=%s",
		serial, addr, img.Family, img.Version)
	o.quiesce(serial)
	if o.reset != nil {
		if err := o.reset(serial); err != nil {
			o.finish(s, errors.Annotatef(err, "dfu reset serial=%08x", serial))
			return nil
		}
	}
	o.emit(Progress{Serial: serial, Address: addr, State: StateWaitingBootloader, Family: img.Family})
	return nil
}

func (o *Orchestrator) loop() {
	defer o.alive.Done()
	stopch := o.alive.StopChan()
	tick := time.NewTicker(o.cfg.PollPeriod)
	defer tick.Stop()
	for {
		select {
		case adv, ok := <-o.in:
			if !ok {
				return
			}
			o.onSighting(adv)
		case <-tick.C:
			o.pollStuck()
		case <-stopch:
			return
		}
	}
}

func (o *Orchestrator) onSighting(adv transport.Advertisement) {
	if !adv.Bootloader {
		return
	}
	o.mu.Lock()
	e, ok := o.boot[adv.Address]
	if !ok {
		e = &bootEntry{name: adv.Name}
		e.firstSeen.SetNow()
		o.boot[adv.Address] = e
		o.log.Debugf("dfu bootloader sighted address=%s name=%q", adv.Address, adv.Name)
	}
	e.lastSeen.SetNow()
	if adv.Name != "" {
		e.name = adv.Name
	}

	// the sighted identity decrements back to the session's device
	s := o.session
	launch := s != nil && !s.flashing &&
		(adv.Address == s.bootAddr || (s.bootAddr == "" && DeviceAddr(adv.Address) == s.addr))
	if launch {
		s.bootAddr = adv.Address
		s.flashing = true
	}
	o.mu.Unlock()

	if launch {
		o.startFlash(s)
	}
}

// pollStuck scans for devices stranded in bootloader mode with no
// session running and starts a recovery flash for them.
func (o *Orchestrator) pollStuck() {
	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		return
	}
	var rec *session
	for addr, e := range o.boot {
		if atomic_clock.Since(&e.lastSeen) > o.cfg.StuckThreshold {
			// gone, probably rebooted into application firmware
			delete(o.boot, addr)
			continue
		}
		if e.exhausted || atomic_clock.Since(&e.firstSeen) < o.cfg.StuckThreshold {
			continue
		}
		if o.cfg.RetryLimit > 0 && e.retries >= o.cfg.RetryLimit {
			e.exhausted = true
			o.log.Errorf("dfu recovery exhausted address=%s retries=%d", addr, e.retries)
			o.emit(Progress{
				Address: addr,
				State:   StateFailed,
				Retry:   e.retries,
				Err:     errors.Errorf("recovery retries exhausted address=%s", addr),
			})
			continue
		}
		family := guessFamily(e.name, e.retries)
		img, ok := o.images[family]
		if !ok {
			o.log.Debugf("dfu no image for family=%s address=%s", family, addr)
			continue
		}
		e.retries++
		e.firstSeen.SetNow()
		rec = &session{
			addr:     addr,
			bootAddr: addr,
			family:   family,
			img:      img,
			retry:    e.retries,
			flashing: true,
		}
		o.session = rec
		break
	}
	o.mu.Unlock()

	if rec != nil {
		o.log.Infof("dfu stuck recovery address=%s family=%s retry=%d",
			rec.addr, rec.family, rec.retry)
		o.quiesce(0)
		o.startFlash(rec)
	}
}

func (o *Orchestrator) startFlash(s *session) {
	if !o.alive.Add(1) {
		return
	}
	go func() {
		defer o.alive.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-o.alive.StopChan():
				cancel()
			case <-ctx.Done():
			}
		}()
		o.emit(Progress{Serial: s.serial, Address: s.bootAddr, State: StateFlashing, Family: s.family, Retry: s.retry})
		err := o.flasher.Flash(ctx, s.bootAddr, s.img, func(percent float32) {
			o.emit(Progress{
				Serial: s.serial, Address: s.bootAddr,
				State: StateFlashing, Percent: percent,
				Family: s.family, Retry: s.retry,
			})
		})
		o.finish(s, err)
	}()
}

// finish resolves the session, re-enables the fleet and emits the
// terminal progress state.
func (o *Orchestrator) finish(s *session, err error) {
	addr := s.bootAddr
	if addr == "" { // never reached the bootloader
		addr = s.addr
	}
	o.mu.Lock()
	if o.session == s {
		o.session = nil
	}
	if err == nil {
		delete(o.boot, s.bootAddr)
	}
	o.mu.Unlock()

	o.unquiesce()

	p := Progress{Serial: s.serial, Address: addr, State: StateComplete, Percent: 100, Family: s.family, Retry: s.retry}
	if err != nil {
		p.State = StateFailed
		p.Percent = 0
		p.Err = err
		o.log.Errorf("dfu failed address=%s err=%v", addr, err)
	} else {
		o.log.Infof("dfu complete address=%s family=%s version=%s", addr, s.family, s.img.Version)
	}
	o.emit(p)
	if s.done != nil {
		s.done(err)
	}
}

// quiesce disables every fleet device except the update target and
// switches link watchdogs to the coarse period.
func (o *Orchestrator) quiesce(except uint32) {
	for _, serial := range o.fleet.Serials() {
		if serial != except {
			o.fleet.SetEnabled(serial, false)
		}
	}
	o.fleet.SetDFUAdjacent(true)
}

func (o *Orchestrator) unquiesce() {
	for _, serial := range o.fleet.Serials() {
		o.fleet.SetEnabled(serial, true)
	}
	o.fleet.SetDFUAdjacent(false)
}

func (o *Orchestrator) emit(p Progress) {
	select {
	case o.progressCh <- p:
	default:
		o.log.Debugf("dfu progress stream full, drop state=%s", p.State)
	}
}

// guessFamily infers the product family from a bootloader advertising
// name. Legacy display and charger bootloaders share one name, so the
// guess alternates between them on successive recovery attempts.
func guessFamily(name string, retry int) ProductFamily {
	ln := strings.ToLower(name)
	switch {
	case strings.Contains(ln, "probe"):
		return FamilyProbe
	case strings.Contains(ln, "node"), strings.Contains(ln, "repeater"):
		return FamilyNode
	case strings.Contains(ln, "display"):
		return FamilyDisplay
	case strings.Contains(ln, "charger"):
		return FamilyCharger
	}
	if retry%2 == 0 {
		return FamilyDisplay
	}
	return FamilyCharger
}
