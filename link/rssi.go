package link

import (
	"math"
	"sync/atomic"
)

const (
	// Raw readings above 0 dBm or at/below the floor are sensor garbage.
	rssiFloor = -128

	defaultRSSIAlpha = 0.2
)

// SmoothedRSSI keeps an exponential moving average of raw dBm readings.
// Implausible readings reset the average instead of feeding it.
// Safe for concurrent use, stored as atomic float bits.
type SmoothedRSSI struct {
	bits   uint32
	seeded uint32
	Alpha  float32
}

func (s *SmoothedRSSI) alpha() float32 {
	if s.Alpha == 0 {
		return defaultRSSIAlpha
	}
	return s.Alpha
}

// Update feeds one raw reading, returns the new average and validity.
func (s *SmoothedRSSI) Update(raw int16) (float32, bool) {
	if raw > 0 || raw <= rssiFloor {
		s.Reset()
		return 0, false
	}
	r := float32(raw)
	if atomic.CompareAndSwapUint32(&s.seeded, 0, 1) {
		atomic.StoreUint32(&s.bits, math.Float32bits(r))
		return r, true
	}
	a := s.alpha()
tryAgain:
	oldbits := atomic.LoadUint32(&s.bits)
	old := math.Float32frombits(oldbits)
	new := old*(1-a) + r*a
	if !atomic.CompareAndSwapUint32(&s.bits, oldbits, math.Float32bits(new)) {
		goto tryAgain // can't inline for loop
	}
	return new, true
}

func (s *SmoothedRSSI) Load() (float32, bool) {
	if atomic.LoadUint32(&s.seeded) == 0 {
		return 0, false
	}
	return math.Float32frombits(atomic.LoadUint32(&s.bits)), true
}

func (s *SmoothedRSSI) Reset() {
	atomic.StoreUint32(&s.seeded, 0)
	atomic.StoreUint32(&s.bits, 0)
}
