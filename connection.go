package sidekit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

const RequestTimeoutDefault = time.Second * 30

type ConnState int32

const (
	ConnOpen ConnState = iota
	ConnBusy
	ConnBroken
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpen:
		return "open"
	case ConnBusy:
		return "busy"
	case ConnBroken:
		return "broken"
	case ConnClosed:
		return "closed"
	}
	return "invalid"
}

// Connection is a framed, usually TLS protected, channel to the service on one device.
// It carries at most one outstanding request: a second Send while one is pending fails
// fast instead of interleaving frames. Any transport failure, timeout or cancellation
// during a request breaks the connection and closes the channel, so a late reply can
// never be read as the answer to a later request.
type Connection struct {
	Device *Device
	// Timeout bounds each request/response exchange. Zero means no bound beyond ctx.
	Timeout time.Duration

	conn         *wire.Conn
	inflight     sync.Mutex
	state        atomic.Int32
	lastActivity atomic.Int64
	workflow     atomic.Bool
	closeOnce    sync.Once
	onClose      func(*Connection)
}

func newConnection(conn net.Conn, device *Device, timeout time.Duration, onClose func(*Connection)) *Connection {
	c := &Connection{
		Device:  device,
		Timeout: timeout,
		conn:    wire.NewConn(conn),
		onClose: onClose,
	}
	c.touch()
	return c
}

// NewConnection wraps an established channel. Most callers get a Connection from Connector.Connect.
func NewConnection(conn net.Conn, device *Device) *Connection {
	return newConnection(conn, device, RequestTimeoutDefault, nil)
}

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Alive reports whether the connection can still carry requests.
func (c *Connection) Alive() bool {
	s := c.State()
	return s == ConnOpen || s == ConnBusy
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send writes req and waits for the response that echoes its id.
//
// Failures are typed: transport and framing problems are *ConnectionError, an
// ErrorResponse from the peer is the DomainError it carries, and a reply of a kind
// this side doesn't know is a *ServerError with ServerUnknownResponse.
func (c *Connection) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if !c.inflight.TryLock() {
		return nil, c.connectionError(fmt.Errorf("%w: %s", wire.ErrRequestInFlight, kindOf(req)))
	}
	defer c.inflight.Unlock()

	if !c.Alive() {
		if err := ctx.Err(); err != nil {
			return nil, c.connectionError(fmt.Errorf("%w: connection %s", err, c.State()))
		}
		ce := NewConnectionError(ConnectionLost, fmt.Errorf("%s: connection %s: %w", kindOf(req), c.State(), net.ErrClosed))
		ce.Context = c.errorContext()
		return nil, ce
	}

	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, c.connectionError(err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		// nothing was written yet, the channel is still in sync
		return nil, c.connectionError(err)
	}

	c.state.Store(int32(ConnBusy))
	defer c.state.CompareAndSwap(int32(ConnBusy), int32(ConnOpen))

	// zero when ctx has no deadline, which also clears one left by an earlier request
	dl, _ := ctx.Deadline()
	c.conn.SetDeadline(dl)
	// unblock pending I/O as soon as ctx is done
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	entry := log.WithFields(log.Fields{"udid": c.udid(), "request": req.Kind, "id": req.ID})
	entry.Debug("send request")

	if err := c.conn.WriteFrame(data); err != nil {
		return nil, c.fail(ctx, err)
	}
	frame, err := c.conn.ReadFrame()
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	c.touch()

	resp, err := wire.DecodeResponse(frame)
	if err != nil && !errors.Is(err, wire.ErrUnknownResponse) {
		return nil, c.fail(ctx, err)
	}
	if resp.ID != req.ID {
		return nil, c.fail(ctx, fmt.Errorf("%w: %s answered %q, expecting %q", wire.ErrCorrelationMismatch, resp.Kind, resp.ID, req.ID))
	}
	if err != nil {
		entry.WithField("response", resp.Kind).Debug("unknown response")
		return nil, &ServerError{Code: ServerUnknownResponse, Context: c.errorContext(), Err: err}
	}

	if resp.Kind == wire.ResponseError {
		perr := ErrorFromPayload(resp.Error)
		entry.WithError(perr).Debug("error response")
		return nil, withContext(perr, c.errorContext())
	}
	if expected, _ := req.Kind.ResponseKind(); resp.Kind != expected {
		return nil, c.connectionError(fmt.Errorf("%w: %s for %s", wire.ErrUnexpectedResponse, resp.Kind, req.Kind))
	}

	entry.Debug("response received")
	return resp, nil
}

// Call sends a request of kind with payload and decodes the success payload into out.
// out may be nil when the response carries nothing of interest.
func (c *Connection) Call(ctx context.Context, kind wire.RequestKind, payload any, out any) error {
	req, err := wire.NewRequest(kind, payload)
	if err != nil {
		return c.connectionError(err)
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return c.connectionError(err)
	}
	return nil
}

// Close closes the channel. It is safe to call more than once.
func (c *Connection) Close() error {
	return c.shutdown(ConnClosed)
}

// claim marks the start of a workflow on c. Only one workflow may run at a time.
func (c *Connection) claim() error {
	if !c.workflow.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: connection to %s already runs a workflow", ErrSessionActive, c.udid())
	}
	return nil
}

func (c *Connection) release() {
	c.workflow.Store(false)
}

// fail breaks the connection and classifies err. When ctx ended, the I/O error is only
// the symptom, so the context error decides the code.
func (c *Connection) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	log.WithFields(log.Fields{"udid": c.udid()}).WithError(err).Debug("connection broken")
	c.shutdown(ConnBroken)
	return c.connectionError(err)
}

func (c *Connection) shutdown(state ConnState) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(state))
		err = c.conn.Close()
		if c.Device != nil {
			c.Device.compareAndSetState(StateConnected, StateAttached)
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

func (c *Connection) connectionError(err error) *ConnectionError {
	return ClassifyConnection(err, c.errorContext())
}

func (c *Connection) errorContext() ErrorContext {
	if c == nil {
		return ErrorContext{}
	}
	return c.Device.errorContext()
}

func (c *Connection) udid() string {
	if c == nil || c.Device == nil {
		return ""
	}
	return c.Device.UDID
}

// withContext merges ctx under the context an error decoded from the peer already carries.
func withContext(err DomainError, ctx ErrorContext) DomainError {
	switch e := err.(type) {
	case *ServerError:
		e.Context = e.Context.Merge(ctx)
	case *ConnectionError:
		e.Context = e.Context.Merge(ctx)
	}
	return err
}

func kindOf(req *wire.Request) wire.RequestKind {
	if req == nil {
		return ""
	}
	return req.Kind
}
