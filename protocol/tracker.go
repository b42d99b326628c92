package protocol

import (
	"sync"
	"time"

	"github.com/juju/errors"
)

var ErrTrackerBusy = errors.New("request already pending")

// TrackerCallback receives the outcome of one tracked request.
// resp is nil on timeout or link teardown.
type TrackerCallback func(success bool, resp *Response)

// Tracker correlates one outgoing request slot with its response.
// At most one outstanding wait per slot. Timeout and a genuine response
// race to resolve the slot; the mutex picks exactly one winner.
type Tracker struct {
	mu     sync.Mutex
	target uint32 // probe serial discriminator, 0 = any
	cb     TrackerCallback
	timer  *time.Timer
	gen    uint64 // invalidates stale timers after supersede/resolve
}

// Wait arms the slot. A pending wait for a different target is
// superseded (its timer cancelled, its callback dropped); a pending wait
// for the same target, or any pending wait when either side lacks a
// discriminator, fails immediately.
func (tr *Tracker) Wait(target uint32, timeout time.Duration, cb TrackerCallback) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.cb != nil {
		if target == 0 || tr.target == 0 || target == tr.target {
			return ErrTrackerBusy
		}
		tr.clearLocked()
	}
	tr.target = target
	tr.cb = cb
	tr.gen++
	gen := tr.gen
	tr.timer = time.AfterFunc(timeout, func() { tr.expire(gen) })
	return nil
}

func (tr *Tracker) expire(gen uint64) {
	tr.mu.Lock()
	if tr.cb == nil || tr.gen != gen {
		tr.mu.Unlock()
		return // response won the race
	}
	cb := tr.clearLocked()
	tr.mu.Unlock()
	cb(false, nil)
}

// Handled offers an incoming response to the slot. A registered target
// that does not match is not consumed, so the caller may route the
// message elsewhere. A match clears the slot before invoking the
// callback: issuing a new request from inside the callback is legal.
func (tr *Tracker) Handled(success bool, resp *Response, target uint32) (consumed bool) {
	tr.mu.Lock()
	if tr.cb == nil {
		tr.mu.Unlock()
		return false
	}
	if tr.target != 0 && target != 0 && target != tr.target {
		tr.mu.Unlock()
		return false
	}
	cb := tr.clearLocked()
	tr.mu.Unlock()
	cb(success, resp)
	return true
}

// Cancel resolves a pending wait as failure, used on link teardown.
func (tr *Tracker) Cancel() {
	tr.mu.Lock()
	if tr.cb == nil {
		tr.mu.Unlock()
		return
	}
	cb := tr.clearLocked()
	tr.mu.Unlock()
	cb(false, nil)
}

func (tr *Tracker) Pending() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.cb != nil
}

func (tr *Tracker) clearLocked() TrackerCallback {
	cb := tr.cb
	tr.cb = nil
	tr.target = 0
	tr.gen++
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	return cb
}
