package transport

// Public API to easy create transport stubs to test your code.

import (
	"sync"

	"github.com/juju/errors"
)

// MockConn is a scriptable Conn. Push events and inbound bytes from the
// test, inspect written frames.
type MockConn struct {
	addr Addr

	mu      sync.Mutex
	written [][]byte
	info    map[InfoKey]string

	ConnectErr    error
	DisconnectErr error
	WriteErr      error

	events  chan Event
	inbound chan []byte

	connectCalls    int
	disconnectCalls int
}

func NewMockConn(addr Addr) *MockConn {
	return &MockConn{
		addr:    addr,
		info:    make(map[InfoKey]string),
		events:  make(chan Event, 16),
		inbound: make(chan []byte, 16),
	}
}

func (m *MockConn) Address() Addr { return m.addr }

func (m *MockConn) Connect() error {
	m.mu.Lock()
	m.connectCalls++
	err := m.ConnectErr
	m.mu.Unlock()
	return err
}

func (m *MockConn) Disconnect() error {
	m.mu.Lock()
	m.disconnectCalls++
	err := m.DisconnectErr
	m.mu.Unlock()
	return err
}

func (m *MockConn) Write(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.written = append(m.written, append([]byte(nil), b...))
	return nil
}

func (m *MockConn) Events() <-chan Event    { return m.events }
func (m *MockConn) Inbound() <-chan []byte  { return m.inbound }

func (m *MockConn) ReadInfo(key InfoKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.info[key]; ok {
		return s, nil
	}
	return "", errors.NotFoundf("device info key=%d", key)
}

func (m *MockConn) SetInfo(key InfoKey, value string) {
	m.mu.Lock()
	m.info[key] = value
	m.mu.Unlock()
}

// Test-side controls.

func (m *MockConn) PushEvent(kind EventKind) {
	m.events <- Event{Address: m.addr, Kind: kind}
}

func (m *MockConn) PushInbound(b []byte) {
	m.inbound <- append([]byte(nil), b...)
}

func (m *MockConn) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *MockConn) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

func (m *MockConn) DisconnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCalls
}

// MockDialer hands out pre-registered MockConns.
type MockDialer struct {
	mu    sync.Mutex
	conns map[Addr]*MockConn
}

func NewMockDialer() *MockDialer {
	return &MockDialer{conns: make(map[Addr]*MockConn)}
}

func (d *MockDialer) Add(conn *MockConn) {
	d.mu.Lock()
	d.conns[conn.Address()] = conn
	d.mu.Unlock()
}

func (d *MockDialer) Dial(addr Addr) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[addr]; ok {
		return c, nil
	}
	// tests usually want implicit conns for discovered addresses
	c := NewMockConn(addr)
	d.conns[addr] = c
	return c, nil
}

// Conn fetches the mock for addr, creating it like Dial would.
func (d *MockDialer) Conn(addr Addr) *MockConn {
	c, _ := d.Dial(addr)
	return c.(*MockConn)
}
