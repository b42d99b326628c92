package dfu_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatnet/probe/dfu"
	"github.com/meatnet/probe/log2"
	"github.com/meatnet/probe/transport"
)

type mockFleet struct {
	mu       sync.Mutex
	serials  []uint32
	disabled map[uint32]bool
	dfuAdj   bool
}

func newMockFleet(serials ...uint32) *mockFleet {
	return &mockFleet{serials: serials, disabled: make(map[uint32]bool)}
}

func (f *mockFleet) Serials() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.serials...)
}

func (f *mockFleet) SetEnabled(serial uint32, on bool) {
	f.mu.Lock()
	if on {
		delete(f.disabled, serial)
	} else {
		f.disabled[serial] = true
	}
	f.mu.Unlock()
}

func (f *mockFleet) SetDFUAdjacent(on bool) {
	f.mu.Lock()
	f.dfuAdj = on
	f.mu.Unlock()
}

func (f *mockFleet) isDisabled(serial uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled[serial]
}

func (f *mockFleet) adjacent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dfuAdj
}

type flashCall struct {
	addr transport.Addr
	img  dfu.Image
}

type mockFlasher struct {
	mu    sync.Mutex
	calls []flashCall
	fn    func(addr transport.Addr, img dfu.Image, progress func(float32)) error
}

func (m *mockFlasher) Flash(ctx context.Context, addr transport.Addr, img dfu.Image, progress func(float32)) error {
	m.mu.Lock()
	m.calls = append(m.calls, flashCall{addr: addr, img: img})
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(addr, img, progress)
	}
	progress(50)
	return nil
}

func (m *mockFlasher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func waitProgress(t testing.TB, ch <-chan dfu.Progress, want dfu.State) dfu.Progress {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.State == want {
				return p
			}
		case <-deadline:
			t.Fatalf("timeout waiting for dfu state %v", want)
		}
	}
}

func TestDeviceAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   transport.Addr
		want transport.Addr
	}{
		{"decrement", "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:00"},
		{"wrap-guard", "aa:bb:cc:dd:ee:00", "aa:bb:cc:dd:ee:00"},
		{"high", "aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:fe"},
		{"invalid-passthrough", "bogus", "bogus"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, dfu.DeviceAddr(c.in))
		})
	}
}

func TestBeginFlashComplete(t *testing.T) {
	t.Parallel()
	fleet := newMockFleet(1, 2, 3)
	flasher := &mockFlasher{}
	sightings := make(chan transport.Advertisement, 8)
	o := dfu.New(dfu.Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Fleet:     fleet,
		Flasher:   flasher,
		Sightings: sightings,
		Config:    dfu.Config{PollPeriod: 10 * time.Millisecond},
	})
	o.Start()
	defer o.Stop()

	img := dfu.Image{Family: dfu.FamilyProbe, Version: "2.1.0", Data: []byte{1, 2, 3}}
	done := make(chan error, 1)
	require.NoError(t, o.Begin(2, "aa:bb:cc:dd:ee:05", img, func(err error) { done <- err }))
	assert.True(t, o.Busy())

	// everyone but the target is quiesced
	assert.True(t, fleet.isDisabled(1))
	assert.False(t, fleet.isDisabled(2))
	assert.True(t, fleet.isDisabled(3))
	assert.True(t, fleet.adjacent())

	waitProgress(t, o.Progress(), dfu.StateWaitingBootloader)

	// second session is refused while one is in flight
	assert.Error(t, o.Begin(3, "aa:bb:cc:dd:ee:07", img, nil))

	// some other device's bootloader, one octet below: not ours
	sightings <- transport.Advertisement{Address: "aa:bb:cc:dd:ee:04", Name: "Probe_DFU", Bootloader: true}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, flasher.callCount())

	// our device reboots into its bootloader identity, one octet above
	sightings <- transport.Advertisement{Address: "aa:bb:cc:dd:ee:06", Name: "Probe_DFU", Bootloader: true}

	p := waitProgress(t, o.Progress(), dfu.StateComplete)
	assert.Equal(t, uint32(2), p.Serial)
	assert.Equal(t, transport.Addr("aa:bb:cc:dd:ee:06"), p.Address)
	assert.NoError(t, <-done)

	// fleet restored
	assert.False(t, fleet.isDisabled(1))
	assert.False(t, fleet.isDisabled(3))
	assert.False(t, fleet.adjacent())
	assert.False(t, o.Busy())
	assert.Equal(t, 1, flasher.callCount())
}

func TestBeginResetFailure(t *testing.T) {
	t.Parallel()
	fleet := newMockFleet(1, 2)
	o := dfu.New(dfu.Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Fleet:     fleet,
		Flasher:   &mockFlasher{},
		Sightings: make(chan transport.Advertisement),
		Reset:     func(serial uint32) error { return errors.Errorf("device busy") },
	})
	o.Start()
	defer o.Stop()

	done := make(chan error, 1)
	require.NoError(t, o.Begin(1, "aa:bb:cc:dd:ee:05", dfu.Image{Family: dfu.FamilyProbe}, func(err error) { done <- err }))

	p := waitProgress(t, o.Progress(), dfu.StateFailed)
	assert.Error(t, p.Err)
	assert.Error(t, <-done)
	assert.False(t, o.Busy())
	assert.False(t, fleet.isDisabled(2), "fleet restored after failure")
}

func TestFlashFailureIsTerminalNotFatal(t *testing.T) {
	t.Parallel()
	fleet := newMockFleet(1)
	flasher := &mockFlasher{fn: func(transport.Addr, dfu.Image, func(float32)) error {
		return errors.Errorf("transfer aborted")
	}}
	sightings := make(chan transport.Advertisement, 8)
	o := dfu.New(dfu.Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Fleet:     fleet,
		Flasher:   flasher,
		Sightings: sightings,
	})
	o.Start()
	defer o.Stop()

	done := make(chan error, 1)
	require.NoError(t, o.Begin(1, "aa:bb:cc:dd:ee:05", dfu.Image{Family: dfu.FamilyProbe}, func(err error) { done <- err }))
	sightings <- transport.Advertisement{Address: "aa:bb:cc:dd:ee:06", Bootloader: true}

	p := waitProgress(t, o.Progress(), dfu.StateFailed)
	assert.Error(t, p.Err)
	assert.Error(t, <-done)
	assert.False(t, o.Busy(), "orchestrator accepts new sessions after a failure")
}

// A device stranded in bootloader mode gets recovered automatically,
// alternating the ambiguous legacy family guess on each retry.
func TestStuckRecoveryAlternatesFamilies(t *testing.T) {
	t.Parallel()
	fleet := newMockFleet(1)
	var families []dfu.ProductFamily
	var mu sync.Mutex
	flasher := &mockFlasher{fn: func(addr transport.Addr, img dfu.Image, progress func(float32)) error {
		mu.Lock()
		families = append(families, img.Family)
		n := len(families)
		mu.Unlock()
		if n < 3 {
			return errors.Errorf("wrong image family")
		}
		return nil
	}}
	sightings := make(chan transport.Advertisement, 64)
	o := dfu.New(dfu.Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Fleet:     fleet,
		Flasher:   flasher,
		Sightings: sightings,
		Config: dfu.Config{
			StuckThreshold: 50 * time.Millisecond,
			PollPeriod:     10 * time.Millisecond,
		},
	})
	o.SetImage(dfu.Image{Family: dfu.FamilyDisplay, Version: "1.9"})
	o.SetImage(dfu.Image{Family: dfu.FamilyCharger, Version: "1.9"})
	o.Start()
	defer o.Stop()

	// legacy bootloader name does not identify the hardware
	stuck := transport.Advertisement{Address: "aa:bb:cc:dd:ee:04", Name: "Thermo_DFU", Bootloader: true}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case sightings <- stuck:
			case <-stop:
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	p1 := waitProgress(t, o.Progress(), dfu.StateFailed)
	assert.Equal(t, dfu.FamilyDisplay, p1.Family)
	assert.Equal(t, 1, p1.Retry)

	p2 := waitProgress(t, o.Progress(), dfu.StateFailed)
	assert.Equal(t, dfu.FamilyCharger, p2.Family)
	assert.Equal(t, 2, p2.Retry)

	p3 := waitProgress(t, o.Progress(), dfu.StateComplete)
	assert.Equal(t, dfu.FamilyDisplay, p3.Family)
	assert.Equal(t, 3, p3.Retry)

	mu.Lock()
	assert.Equal(t, []dfu.ProductFamily{dfu.FamilyDisplay, dfu.FamilyCharger, dfu.FamilyDisplay}, families)
	mu.Unlock()
}

func TestStuckRecoveryRetryLimit(t *testing.T) {
	t.Parallel()
	fleet := newMockFleet()
	flasher := &mockFlasher{fn: func(transport.Addr, dfu.Image, func(float32)) error {
		return errors.Errorf("still wrong")
	}}
	sightings := make(chan transport.Advertisement, 64)
	o := dfu.New(dfu.Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Fleet:     fleet,
		Flasher:   flasher,
		Sightings: sightings,
		Config: dfu.Config{
			StuckThreshold: 50 * time.Millisecond,
			PollPeriod:     10 * time.Millisecond,
			RetryLimit:     2,
		},
	})
	o.SetImage(dfu.Image{Family: dfu.FamilyDisplay})
	o.SetImage(dfu.Image{Family: dfu.FamilyCharger})
	o.Start()
	defer o.Stop()

	stuck := transport.Advertisement{Address: "aa:bb:cc:dd:ee:04", Name: "Thermo_DFU", Bootloader: true}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case sightings <- stuck:
			case <-stop:
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	waitProgress(t, o.Progress(), dfu.StateFailed) // retry 1
	waitProgress(t, o.Progress(), dfu.StateFailed) // retry 2
	p := waitProgress(t, o.Progress(), dfu.StateFailed)
	assert.Equal(t, 2, p.Retry)
	assert.Contains(t, p.Err.Error(), "exhausted")
	assert.Equal(t, 2, flasher.callCount())
}
