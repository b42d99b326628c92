package msync

type Nothing struct{}
type Signal chan Nothing

func NewSignal() Signal { return make(chan Nothing, 1) }

func (s Signal) Closed() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}

// Set delivers a coalescing notification, never blocks.
func (s Signal) Set() {
	select {
	case s <- Nothing{}:
	default:
	}
}

func (s Signal) Wait() { <-s }
