package sidekit

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prife/gosidekit/internal/devicetest"
	"github.com/prife/gosidekit/wire"
)

const (
	testUDID       = "00008030-001A2B3C4D5E802E"
	testDeviceName = "Riley's iPhone"
	testBundleID   = "com.example.app"
)

// newPeerConnection returns a Connection to a scripted device and the device's peer.
func newPeerConnection(t *testing.T) (*Connection, *devicetest.Peer) {
	t.Helper()
	host, peer := devicetest.Pipe()
	d := NewDevice(testUDID, testDeviceName)
	d.SetState(StateConnected)
	conn := newConnection(host, d, time.Second*2, nil)
	t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})
	return conn, peer
}

// fakeMux hands out in-memory channels. The service port is served by a devicetest.Peer.
type fakeMux struct {
	handle    *DeviceHandle
	lookupErr error
	openErr   map[uint16]error

	mu     sync.Mutex
	opened []uint16
	peers  []*devicetest.Peer
	ends   []net.Conn
}

var _ Multiplexer = &fakeMux{}

func newFakeMux() *fakeMux {
	return &fakeMux{handle: &DeviceHandle{UDID: testUDID, DeviceID: 3, ConnectionType: "USB"}}
}

func (m *fakeMux) Lookup(ctx context.Context, udid string) (*DeviceHandle, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	return m.handle, nil
}

func (m *fakeMux) OpenChannel(ctx context.Context, h *DeviceHandle, port uint16) (net.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, port)
	if err := m.openErr[port]; err != nil {
		return nil, err
	}
	if port == wire.LockdownPort {
		host, device := net.Pipe()
		m.ends = append(m.ends, device)
		return host, nil
	}
	host, peer := devicetest.Pipe()
	m.peers = append(m.peers, peer)
	return host, nil
}

func (m *fakeMux) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		p.Close()
	}
	for _, c := range m.ends {
		c.Close()
	}
}

// fakeHandshaker pretends to run lockdown and TLS.
type fakeHandshaker struct {
	endpoint  ServiceEndpoint
	startErr  error
	secureErr error
	// block makes StartService wait for ctx.
	block bool

	secured int
}

var _ Handshaker = &fakeHandshaker{}

func (h *fakeHandshaker) StartService(ctx context.Context, ch net.Conn, dh *DeviceHandle, service string) (*ServiceEndpoint, error) {
	if h.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.startErr != nil {
		return nil, h.startErr
	}
	ep := h.endpoint
	return &ep, nil
}

func (h *fakeHandshaker) Secure(ctx context.Context, ch net.Conn, dh *DeviceHandle) (net.Conn, error) {
	if h.secureErr != nil {
		return nil, h.secureErr
	}
	h.secured++
	return ch, nil
}
