package sidekit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/prife/gosidekit/wire"
)

var (
	// ErrSessionActive a workflow was started on a session or connection that already runs one.
	ErrSessionActive = errors.New("SessionActive")
	// ErrInvalidApp the app bundle failed its structural precheck.
	ErrInvalidApp = errors.New("InvalidApp")
	// ErrInvalidAnisette the anisette collaborator returned data marked invalid.
	ErrInvalidAnisette = errors.New("InvalidAnisetteData")
	// ErrDeviceNotConnected the device has no live connection.
	ErrDeviceNotConnected = errors.New("DeviceNotConnected")
)

// ClassifyConnection maps a raw transport failure to a ConnectionError. The result
// always carries err as its cause and ctx merged under any context err already had.
// Conditions it doesn't recognize map to ConnectionUnknown. A nil err returns nil.
func ClassifyConnection(err error, ctx ErrorContext) *ConnectionError {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		cp := *ce
		cp.Context = ce.Context.Merge(ctx)
		return &cp
	}
	code, _ := connectionCode(err)
	return &ConnectionError{Code: code, Context: ctx, Err: err}
}

// connectionCode reports which connection condition err is, and whether it is one at all.
// Order matters: a locked device also fails its handshake, and a truncated frame is both
// malformed and a reset.
func connectionCode(err error) (ConnectionErrorCode, bool) {
	switch {
	case errors.Is(err, wire.ErrDeviceLocked):
		return ConnectionDeviceLocked, true
	case isSSLError(err):
		return ConnectionSSLFailure, true
	case errors.Is(err, wire.ErrServerNotAvailable),
		errors.Is(err, wire.ErrMux),
		errors.Is(err, wire.ErrConnectionRefused),
		errors.Is(err, wire.ErrDeviceNotFound):
		return ConnectionUsbmuxFailure, true
	case isTimeout(err):
		return ConnectionTimedOut, true
	case errors.Is(err, wire.ErrMalformedRequest),
		errors.Is(err, wire.ErrRequestInFlight):
		return ConnectionInvalidRequest, true
	case errors.Is(err, wire.ErrMalformedFrame),
		errors.Is(err, wire.ErrCorrelationMismatch),
		errors.Is(err, wire.ErrUnexpectedResponse),
		errors.Is(err, wire.ErrParse):
		return ConnectionInvalidResponse, true
	case isConnectionLoss(err):
		return ConnectionLost, true
	}
	return ConnectionUnknown, false
}

func isSSLError(err error) bool {
	if errors.Is(err, wire.ErrSSL) {
		return true
	}
	var (
		recordErr  tls.RecordHeaderError
		alertErr   tls.AlertError
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		invalidErr x509.CertificateInvalidError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &authErr) ||
		errors.As(err, &invalidErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, wire.ErrConnectionReset) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// ClassifyServer maps any workflow failure to a ServerError. Connection conditions
// become ServerUnderlyingError wrapping the ConnectionError, so the caller can tell a
// broken pipe from a rejected install. Fields already present on an inner error win
// over ctx. Conditions it doesn't recognize map to ServerUnknown. A nil err returns nil.
func ClassifyServer(err error, ctx ErrorContext) *ServerError {
	if err == nil {
		return nil
	}

	var se *ServerError
	if errors.As(err, &se) {
		cp := *se
		cp.Context = se.Context.Merge(ctx)
		return &cp
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		inner := *ce
		inner.Context = ce.Context.Merge(ctx)
		return NewUnderlyingError(&inner, inner.Context)
	}
	var fe *ForeignError
	if errors.As(err, &fe) {
		return NewUnderlyingError(fe, ctx)
	}

	switch {
	case errors.Is(err, wire.ErrUnknownResponse):
		return &ServerError{Code: ServerUnknownResponse, Context: ctx, Err: err}
	case errors.Is(err, wire.ErrUnknownRequest):
		return &ServerError{Code: ServerUnknownRequest, Context: ctx, Err: err}
	case errors.Is(err, ErrInvalidApp):
		return &ServerError{Code: ServerInvalidApp, Context: ctx, Err: err}
	case errors.Is(err, ErrInvalidAnisette):
		return &ServerError{Code: ServerInvalidAnisetteData, Context: ctx, Err: err}
	case errors.Is(err, ErrDeviceNotConnected):
		return &ServerError{Code: ServerDeviceNotFound, Context: ctx, Err: err}
	}

	if code, ok := connectionCode(err); ok {
		return NewUnderlyingError(&ConnectionError{Code: code, Context: ctx, Err: err}, ctx)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		e := NewUnderlyingError(&ForeignError{Domain: POSIXErrorDomain, Code: int(errno)}, ctx)
		e.Err = err
		return e
	}
	return &ServerError{Code: ServerUnknown, Context: ctx, Err: err}
}
