package sidekit

import (
	"context"
	"crypto/x509"
	"fmt"
	"testing"
	"time"

	"github.com/prife/gosidekit/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnector(t *testing.T) (*Connector, *fakeMux, *fakeHandshaker) {
	t.Helper()
	mux := newFakeMux()
	hs := &fakeHandshaker{endpoint: ServiceEndpoint{Port: 49152, SSL: true}}
	c := NewConnector(mux, hs)
	c.Timeout = 200 * time.Millisecond
	t.Cleanup(func() {
		c.CloseAll()
		mux.close()
	})
	return c, mux, hs
}

func TestConnectorConnect(t *testing.T) {
	c, mux, hs := newTestConnector(t)
	d := NewDevice(testUDID, testDeviceName)

	conn, err := c.Connect(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, d.State())
	assert.Equal(t, 3, d.DeviceID)
	assert.Equal(t, []uint16{wire.LockdownPort, 49152}, mux.opened)
	assert.Equal(t, 1, hs.secured)
	assert.Equal(t, []*Connection{conn}, c.Live())
	assert.Equal(t, RequestTimeoutDefault, conn.Timeout)

	require.NoError(t, conn.Call(context.Background(), wire.KindEnumeratePlugins, nil, nil))

	require.NoError(t, conn.Close())
	assert.Empty(t, c.Live())
	assert.Equal(t, StateAttached, d.State())
}

func TestConnectorWithoutServiceSSL(t *testing.T) {
	c, _, hs := newTestConnector(t)
	hs.endpoint.SSL = false

	_, err := c.Connect(context.Background(), NewDevice(testUDID, testDeviceName))
	require.NoError(t, err)
	assert.Zero(t, hs.secured)
}

func TestConnectorDeviceLocked(t *testing.T) {
	c, mux, hs := newTestConnector(t)
	hs.startErr = fmt.Errorf("%w: StartSession: PasswordProtected", wire.ErrDeviceLocked)
	d := NewDevice(testUDID, testDeviceName)

	conn, err := c.Connect(context.Background(), d)
	assert.Nil(t, conn)
	ce := requireConnectionError(t, err, ConnectionDeviceLocked)
	assert.Equal(t, testDeviceName, ce.Context.DeviceName)
	assert.Equal(t, StateLocked, d.State())
	assert.Empty(t, c.Live())
	assert.Equal(t, []uint16{wire.LockdownPort}, mux.opened)
}

func TestConnectorDeviceNotFound(t *testing.T) {
	c, _, _ := newTestConnector(t)
	c.Mux.(*fakeMux).lookupErr = fmt.Errorf("%w: %s", wire.ErrDeviceNotFound, testUDID)
	d := NewDevice(testUDID, testDeviceName)

	_, err := c.Connect(context.Background(), d)
	requireConnectionError(t, err, ConnectionUsbmuxFailure)
	assert.Equal(t, StateDetached, d.State())
}

func TestConnectorRefused(t *testing.T) {
	c, mux, _ := newTestConnector(t)
	mux.openErr = map[uint16]error{49152: fmt.Errorf("%w: %w", wire.ErrMux, wire.ErrConnectionRefused)}

	_, err := c.Connect(context.Background(), NewDevice(testUDID, testDeviceName))
	requireConnectionError(t, err, ConnectionUsbmuxFailure)
}

func TestConnectorSSLFailure(t *testing.T) {
	c, _, hs := newTestConnector(t)
	hs.secureErr = x509.UnknownAuthorityError{}
	d := NewDevice(testUDID, testDeviceName)

	conn, err := c.Connect(context.Background(), d)
	assert.Nil(t, conn)
	requireConnectionError(t, err, ConnectionSSLFailure)
	assert.Equal(t, StateAttached, d.State())
	assert.Empty(t, c.Live())
}

func TestConnectorUnclassifiedHandshakeFailure(t *testing.T) {
	c, _, hs := newTestConnector(t)
	hs.startErr = fmt.Errorf("%w: lockdown reply", wire.ErrParse)

	_, err := c.Connect(context.Background(), NewDevice(testUDID, testDeviceName))
	requireConnectionError(t, err, ConnectionSSLFailure)
}

func TestConnectorLockdownRejectsService(t *testing.T) {
	c, mux, hs := newTestConnector(t)
	hs.startErr = fmt.Errorf("%w: StartService %s: InvalidService", wire.ErrLockdown, DefaultServiceName)
	d := NewDevice(testUDID, testDeviceName)

	_, err := c.Connect(context.Background(), d)
	ce := requireConnectionError(t, err, ConnectionSSLFailure)
	assert.ErrorIs(t, ce, wire.ErrLockdown)
	assert.Equal(t, StateAttached, d.State())
	assert.Equal(t, []uint16{wire.LockdownPort}, mux.opened)
}

func TestConnectorTimeout(t *testing.T) {
	c, _, hs := newTestConnector(t)
	c.Timeout = 30 * time.Millisecond
	hs.block = true

	start := time.Now()
	_, err := c.Connect(context.Background(), NewDevice(testUDID, testDeviceName))
	requireConnectionError(t, err, ConnectionTimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectorNilDevice(t *testing.T) {
	c, _, _ := newTestConnector(t)
	_, err := c.Connect(context.Background(), nil)
	requireConnectionError(t, err, ConnectionUnknown)
}

func TestConnectorCloseAll(t *testing.T) {
	c, _, _ := newTestConnector(t)
	var conns []*Connection
	for i := 0; i < 3; i++ {
		conn, err := c.Connect(context.Background(), NewDevice(fmt.Sprintf("udid-%d", i), ""))
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	assert.Len(t, c.Live(), 3)

	assert.NoError(t, c.CloseAll())
	assert.Empty(t, c.Live())
	for _, conn := range conns {
		assert.Equal(t, ConnClosed, conn.State())
	}
}
