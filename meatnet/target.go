package meatnet

import (
	"sync"

	"github.com/meatnet/probe/arbiter"
	"github.com/meatnet/probe/link"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/transport"
)

const targetStreamBuffer = 16

// Target is one logical probe, keyed by serial. The same probe may be
// reachable over a direct link and any number of mesh relays at once;
// Target aggregates them and publishes de-duplicated streams.
type Target struct {
	serial uint32
	route  *arbiter.Route
	advert *arbiter.Adverts

	mu      sync.Mutex
	direct  *link.Link
	relayed map[transport.Addr]*link.Link

	statusCh chan protocol.ProbeStatus
	advertCh chan transport.Advertisement
	stateCh  chan link.State
	rssiCh   chan float32
}

func newTarget(log *log2.Log, serial uint32, cfg Config) *Target {
	return &Target{
		serial: serial,
		route: arbiter.NewRoute(log, arbiter.RouteConfig{
			MeshEnabled:  cfg.MeshEnabled,
			Scheme:       cfg.Scheme,
			SettleWindow: cfg.SettleWindow,
			NormalIdle:   cfg.NormalIdle,
			InstantIdle:  cfg.InstantIdle,
		}),
		advert:   arbiter.NewAdverts(log, cfg.NormalIdle, cfg.InstantIdle),
		relayed:  make(map[transport.Addr]*link.Link),
		statusCh: make(chan protocol.ProbeStatus, targetStreamBuffer),
		advertCh: make(chan transport.Advertisement, targetStreamBuffer),
		stateCh:  make(chan link.State, targetStreamBuffer),
		rssiCh:   make(chan float32, targetStreamBuffer),
	}
}

func (t *Target) Serial() uint32 { return t.serial }

// Streams. Slow consumers lose items, the manager never blocks on them.

func (t *Target) Status() <-chan protocol.ProbeStatus { return t.statusCh }
func (t *Target) Adverts() <-chan transport.Advertisement { return t.advertCh }
func (t *Target) States() <-chan link.State { return t.stateCh }
func (t *Target) RSSI() <-chan float32 { return t.rssiCh }

// Preferred returns the link commands should take right now, nil when
// the probe is unreachable.
func (t *Target) Preferred() *link.Link {
	t.mu.Lock()
	direct := t.direct
	relayed := make([]*link.Link, 0, len(t.relayed))
	for _, l := range t.relayed {
		relayed = append(relayed, l)
	}
	t.mu.Unlock()
	if direct != nil && !direct.State().Connected() {
		direct = nil
	}
	return t.route.Preferred(direct, relayed)
}

// Links returns a snapshot of every link attached to this target.
func (t *Target) Links() []*link.Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*link.Link, 0, len(t.relayed)+1)
	if t.direct != nil {
		out = append(out, t.direct)
	}
	for _, l := range t.relayed {
		out = append(out, l)
	}
	return out
}

func (t *Target) attach(l *link.Link, hop uint8) {
	t.mu.Lock()
	if hop == 0 {
		t.direct = l
		delete(t.relayed, l.Address())
	} else if t.direct != l {
		t.relayed[l.Address()] = l
	}
	t.mu.Unlock()
}

func (t *Target) detach(l *link.Link) {
	t.mu.Lock()
	if t.direct == l {
		t.direct = nil
	}
	delete(t.relayed, l.Address())
	t.mu.Unlock()
	t.route.Forget(l)
	t.advert.Drop(l)
}

func (t *Target) owns(l *link.Link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.direct == l {
		return true
	}
	_, ok := t.relayed[l.Address()]
	return ok
}

func pushStatus(ch chan protocol.ProbeStatus, v protocol.ProbeStatus) {
	select {
	case ch <- v:
	default:
	}
}

func pushAdvert(ch chan transport.Advertisement, v transport.Advertisement) {
	select {
	case ch <- v:
	default:
	}
}

func pushState(ch chan link.State, v link.State) {
	select {
	case ch <- v:
	default:
	}
}

func pushRSSI(ch chan float32, v float32) {
	select {
	case ch <- v:
	default:
	}
}
