// Package arbiter selects one authoritative source per logical target
// when multiple links report the same probe. Repeaters rebroadcast the
// same reading: naive acceptance duplicates and misorders updates, so a
// preferred source holds the channel until a better or fresher one shows.
//
// Arbitration state is single-writer: callers serialize per logical target.
package arbiter

import (
	"time"

	"github.com/temoto/atomic_clock"

	"github.com/meatnet/probe/link"
	"github.com/meatnet/probe/log2"
)

type Channel uint8

const (
	ChannelNormal Channel = iota
	ChannelInstantRead
	channelCount
)

func (c Channel) String() string {
	switch c {
	case ChannelNormal:
		return "normal"
	case ChannelInstantRead:
		return "instant-read"
	}
	return "invalid"
}

const (
	DefaultNormalIdle      = 5000 * time.Millisecond
	DefaultInstantReadIdle = 3000 * time.Millisecond
)

type preferred struct {
	link    *link.Link
	hop     uint8
	updated atomic_clock.Clock
}

// Adverts holds one preferred-source reference per arbitration channel.
type Adverts struct {
	log  *log2.Log
	idle [channelCount]time.Duration
	pref [channelCount]*preferred
}

func NewAdverts(log *log2.Log, normalIdle, instantIdle time.Duration) *Adverts {
	if normalIdle == 0 {
		normalIdle = DefaultNormalIdle
	}
	if instantIdle == 0 {
		instantIdle = DefaultInstantReadIdle
	}
	a := &Adverts{log: log}
	a.idle[ChannelNormal] = normalIdle
	a.idle[ChannelInstantRead] = instantIdle
	return a
}

// ShouldPublish decides whether a candidate packet from l (seen with the
// given hop count) becomes the channel's published update.
// Rules, in order: first source wins; lower hop count wins; the current
// preferred source refreshes itself; an idle preferred source yields;
// otherwise the candidate is suppressed.
func (a *Adverts) ShouldPublish(ch Channel, l *link.Link, hop uint8) bool {
	p := a.pref[ch]
	switch {
	case p == nil:
		a.promote(ch, l, hop)
		return true
	case p.link == l:
		p.hop = hop
		p.updated.SetNow()
		return true
	case hop < p.hop:
		a.log.Debugf("arbiter channel=%s promote address=%s hop=%d over hop=%d",
			ch, l.Address(), hop, p.hop)
		a.promote(ch, l, hop)
		return true
	case atomic_clock.Since(&p.updated) > a.idle[ch]:
		a.log.Debugf("arbiter channel=%s idle failover to address=%s", ch, l.Address())
		a.promote(ch, l, hop)
		return true
	}
	return false
}

// Preferred returns the channel's current source, nil before first packet.
func (a *Adverts) Preferred(ch Channel) *link.Link {
	if p := a.pref[ch]; p != nil {
		return p.link
	}
	return nil
}

// IdleFor reports how long the channel's preferred source has been quiet.
func (a *Adverts) IdleFor(ch Channel) time.Duration {
	if p := a.pref[ch]; p != nil {
		return atomic_clock.Since(&p.updated)
	}
	return 0
}

// Drop forgets l wherever it is preferred, e.g. on link teardown.
func (a *Adverts) Drop(l *link.Link) {
	for ch := range a.pref {
		if p := a.pref[ch]; p != nil && p.link == l {
			a.pref[ch] = nil
		}
	}
}

func (a *Adverts) promote(ch Channel, l *link.Link, hop uint8) {
	p := &preferred{link: l, hop: hop}
	p.updated.SetNow()
	a.pref[ch] = p
}
