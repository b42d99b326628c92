package arbiter

import (
	"time"

	"github.com/temoto/atomic_clock"

	"github.com/meatnet/probe/link"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/protocol"
	"github.com/meatnet/probe/transport"
)

type Scheme uint8

const (
	// SchemeConnectAll connects every connectable, not-yet-connected,
	// non-bootloader link as soon as it is seen.
	SchemeConnectAll Scheme = iota
	// SchemeSettling delays the direct connection attempt for a fixed
	// window after first discovery, giving the mesh a chance to supply a
	// route first and avoiding redundant direct+mesh connections.
	SchemeSettling
)

const DefaultSettleWindow = 3 * time.Second

type RouteConfig struct {
	MeshEnabled  bool
	Scheme       Scheme
	SettleWindow time.Duration
	NormalIdle   time.Duration
	InstantIdle  time.Duration
}

// Route picks the preferred Link for connection/command routing of one
// logical target and de-duplicates status updates across its links.
// Single-writer: callers serialize per logical target.
type Route struct {
	log *log2.Log
	cfg RouteConfig

	dedup *Adverts

	firstSeen map[transport.Addr]*atomic_clock.Clock

	haveStatus    bool
	lastSessionID uint32
	lastMaxSeq    uint32
}

func NewRoute(log *log2.Log, cfg RouteConfig) *Route {
	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = DefaultSettleWindow
	}
	return &Route{
		log:       log,
		cfg:       cfg,
		dedup:     NewAdverts(log, cfg.NormalIdle, cfg.InstantIdle),
		firstSeen: make(map[transport.Addr]*atomic_clock.Clock),
	}
}

// Preferred selects the link for commands: the direct link wins outright
// while mesh routing is enabled and present; otherwise the connected
// relayed link with the lowest hop count not in NoRoute, ties broken by
// address order. Mesh disabled means always the direct link.
func (r *Route) Preferred(direct *link.Link, relayed []*link.Link) *link.Link {
	if !r.cfg.MeshEnabled {
		return direct
	}
	if direct != nil {
		return direct
	}
	var best *link.Link
	for _, l := range relayed {
		st := l.State()
		if !st.Connected() || st == link.StateNoRoute {
			continue
		}
		if best == nil ||
			l.HopCount() < best.HopCount() ||
			(l.HopCount() == best.HopCount() && l.Address() < best.Address()) {
			best = l
		}
	}
	return best
}

// ShouldConnect implements the connect policy for one candidate link.
func (r *Route) ShouldConnect(l *link.Link) bool {
	if !l.State().Connectable() || l.Bootloader() {
		return false
	}
	if r.cfg.Scheme == SchemeSettling && l.Direct() {
		seen := r.discovered(l)
		if atomic_clock.Since(seen) < r.cfg.SettleWindow {
			return false
		}
	}
	return true
}

// ShouldTeardown reports whether routine housekeeping may disconnect l.
// Relayed links stay up as routing infrastructure while mesh is enabled.
func (r *Route) ShouldTeardown(l *link.Link) bool {
	if r.cfg.MeshEnabled && !l.Direct() {
		return false
	}
	return true
}

// AcceptStatus applies hop-count/idle preference plus, for normal-mode
// telemetry, the monotonic rule: accept on session change or on a
// maxSequence advance; otherwise the update is a stale duplicate.
func (r *Route) AcceptStatus(l *link.Link, st protocol.ProbeStatus) bool {
	ch := ChannelNormal
	if st.Mode == protocol.StatusModeInstantRead {
		ch = ChannelInstantRead
	}
	if !r.dedup.ShouldPublish(ch, l, st.HopCount) {
		return false
	}
	if st.Mode != protocol.StatusModeNormal {
		return true
	}
	if r.haveStatus && st.SessionID == r.lastSessionID && st.MaxSeq <= r.lastMaxSeq {
		return false
	}
	r.haveStatus = true
	r.lastSessionID = st.SessionID
	r.lastMaxSeq = st.MaxSeq
	return true
}

// Forget drops per-link state on teardown.
func (r *Route) Forget(l *link.Link) {
	r.dedup.Drop(l)
	delete(r.firstSeen, l.Address())
}

func (r *Route) discovered(l *link.Link) *atomic_clock.Clock {
	if c, ok := r.firstSeen[l.Address()]; ok {
		return c
	}
	c := atomic_clock.Now()
	r.firstSeen[l.Address()] = c
	return c
}
