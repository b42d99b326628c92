package transport

import (
	"sync"

	"github.com/temoto/alive/v2"

	"github.com/meatnet/probe/log2"
)

// Broadcast fans one advertising stream out to many subscribers.
// It replaces a process-wide singleton: construct one, pass it around,
// Start/Stop explicitly. Slow subscribers lose packets, never block the
// radio pump.
type Broadcast struct {
	log   *log2.Log
	alive *alive.Alive
	mu    sync.Mutex
	subs  map[chan Advertisement]struct{}
}

func NewBroadcast(log *log2.Log) *Broadcast {
	return &Broadcast{
		log:   log,
		alive: alive.NewAlive(),
		subs:  make(map[chan Advertisement]struct{}),
	}
}

// Start pumps source into subscribers until Stop or source close.
func (b *Broadcast) Start(source <-chan Advertisement) {
	if !b.alive.Add(1) {
		return
	}
	go func() {
		defer b.alive.Done()
		stopch := b.alive.StopChan()
		for {
			select {
			case adv, ok := <-source:
				if !ok {
					return
				}
				b.Publish(adv)
			case <-stopch:
				return
			}
		}
	}()
}

func (b *Broadcast) Stop() {
	b.alive.Stop()
	b.alive.Wait()
	b.mu.Lock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.mu.Unlock()
}

// Publish delivers adv to every subscriber, dropping on full buffers.
func (b *Broadcast) Publish(adv Advertisement) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- adv:
		default:
			b.log.Debugf("broadcast subscriber full, drop address=%s", adv.Address)
		}
	}
	b.mu.Unlock()
}

func (b *Broadcast) Subscribe(buffer int) chan Advertisement {
	ch := make(chan Advertisement, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcast) Unsubscribe(ch chan Advertisement) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
