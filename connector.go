package sidekit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

const (
	ConnectTimeoutDefault = time.Second * 10

	// DefaultServiceName is the lockdown service that speaks the framed request protocol.
	DefaultServiceName = "com.github.prife.gosidekit.service"
)

// DeviceHandle addresses one device on the multiplexer.
type DeviceHandle struct {
	UDID           string
	DeviceID       int
	ConnectionType string
}

// Multiplexer finds attached devices and opens byte streams to their ports.
type Multiplexer interface {
	Lookup(ctx context.Context, udid string) (*DeviceHandle, error)
	OpenChannel(ctx context.Context, h *DeviceHandle, port uint16) (net.Conn, error)
}

// ServiceEndpoint is where a started service listens.
type ServiceEndpoint struct {
	Port uint16
	SSL  bool
}

// Handshaker negotiates with the device's lockdown service.
type Handshaker interface {
	// StartService opens a session on the lockdown channel ch and starts service.
	StartService(ctx context.Context, ch net.Conn, h *DeviceHandle, service string) (*ServiceEndpoint, error)
	// Secure runs the TLS handshake over ch with the host's pairing identity.
	Secure(ctx context.Context, ch net.Conn, h *DeviceHandle) (net.Conn, error)
}

// Connector establishes Connections to devices. The zero value is not usable: Mux and
// Handshaker must be set. Connections it returns stay registered as live until closed.
type Connector struct {
	Mux        Multiplexer
	Handshaker Handshaker
	// Service is the lockdown service to start. Defaults to DefaultServiceName.
	Service string
	// Timeout bounds each connect step. Defaults to ConnectTimeoutDefault.
	Timeout time.Duration
	// RequestTimeout is given to every Connection. Defaults to RequestTimeoutDefault.
	RequestTimeout time.Duration

	mu   sync.Mutex
	live map[*Connection]struct{}
}

func NewConnector(mux Multiplexer, hs Handshaker) *Connector {
	return &Connector{Mux: mux, Handshaker: hs}
}

// Connect opens a secured channel to the service on d. Every failure is a *ConnectionError
// and no Connection is returned with it. The caller must Close the Connection.
func (c *Connector) Connect(ctx context.Context, d *Device) (*Connection, error) {
	if d == nil {
		return nil, NewConnectionError(ConnectionUnknown, fmt.Errorf("%w: nil device", wire.ErrAssertion))
	}
	entry := log.WithField("udid", d.UDID)
	ectx := d.errorContext()

	var h *DeviceHandle
	err := c.step(ctx, func(ctx context.Context) (err error) {
		h, err = c.Mux.Lookup(ctx, d.UDID)
		return err
	})
	if err != nil {
		if errors.Is(err, wire.ErrDeviceNotFound) {
			d.SetState(StateDetached)
		}
		return nil, stepError(err, ectx, ConnectionUsbmuxFailure)
	}
	entry.WithField("id", h.DeviceID).Debug("device found")

	var lockdown net.Conn
	err = c.step(ctx, func(ctx context.Context) (err error) {
		lockdown, err = c.Mux.OpenChannel(ctx, h, wire.LockdownPort)
		return err
	})
	if err != nil {
		return nil, stepError(err, ectx, ConnectionUsbmuxFailure)
	}
	defer lockdown.Close()

	var ep *ServiceEndpoint
	err = c.step(ctx, func(ctx context.Context) (err error) {
		ep, err = c.Handshaker.StartService(ctx, lockdown, h, c.service())
		return err
	})
	if err != nil {
		ce := stepError(err, ectx, ConnectionSSLFailure)
		if ce.Code == ConnectionDeviceLocked {
			d.SetState(StateLocked)
		}
		entry.WithError(ce).Debug("lockdown handshake failed")
		return nil, ce
	}

	var ch net.Conn
	err = c.step(ctx, func(ctx context.Context) (err error) {
		ch, err = c.Mux.OpenChannel(ctx, h, ep.Port)
		return err
	})
	if err != nil {
		return nil, stepError(err, ectx, ConnectionUsbmuxFailure)
	}

	if ep.SSL {
		var secured net.Conn
		err = c.step(ctx, func(ctx context.Context) (err error) {
			secured, err = c.Handshaker.Secure(ctx, ch, h)
			return err
		})
		if err != nil {
			ch.Close()
			return nil, stepError(err, ectx, ConnectionSSLFailure)
		}
		ch = secured
	}

	conn := newConnection(ch, d, c.requestTimeout(), c.unregister)
	c.register(conn)
	if d.DeviceID == 0 {
		d.DeviceID = h.DeviceID
	}
	d.SetState(StateConnected)
	entry.WithFields(log.Fields{"port": ep.Port, "ssl": ep.SSL}).Debug("connected")
	return conn, nil
}

// Live returns the connections that have been opened and not yet closed.
func (c *Connector) Live() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*Connection, 0, len(c.live))
	for conn := range c.live {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll closes every live connection.
func (c *Connector) CloseAll() error {
	var errs []error
	for _, conn := range c.Live() {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

// step runs fn bounded by the connect timeout. A deadline hit counts even when fn
// reports something else, since the collaborator usually fails with whatever the
// canceled I/O returned.
func (c *Connector) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w (%v)", context.DeadlineExceeded, err)
	}
	return err
}

// stepError classifies a connect step failure. Conditions the classifier recognizes as
// locked, timed out, ssl or usbmux keep their code; anything else the collaborator
// reports becomes fallback.
func stepError(err error, ctx ErrorContext, fallback ConnectionErrorCode) *ConnectionError {
	ce := ClassifyConnection(err, ctx)
	switch ce.Code {
	case ConnectionDeviceLocked, ConnectionTimedOut, ConnectionSSLFailure, ConnectionUsbmuxFailure:
		return ce
	}
	ce.Code = fallback
	return ce
}

func (c *Connector) register(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live == nil {
		c.live = make(map[*Connection]struct{})
	}
	c.live[conn] = struct{}{}
}

func (c *Connector) unregister(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, conn)
}

func (c *Connector) service() string {
	if c.Service == "" {
		return DefaultServiceName
	}
	return c.Service
}

func (c *Connector) timeout() time.Duration {
	if c.Timeout <= 0 {
		return ConnectTimeoutDefault
	}
	return c.Timeout
}

func (c *Connector) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return RequestTimeoutDefault
	}
	return c.RequestTimeout
}
