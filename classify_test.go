package sidekit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/prife/gosidekit/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		err  error
		code ConnectionErrorCode
	}{
		{fmt.Errorf("%w: PasswordProtected", wire.ErrDeviceLocked), ConnectionDeviceLocked},
		{fmt.Errorf("%w: %w: InvalidHostID", wire.ErrLockdown, wire.ErrSSL), ConnectionSSLFailure},
		{tls.RecordHeaderError{Msg: "bad record"}, ConnectionSSLFailure},
		{fmt.Errorf("%w: dial unix", wire.ErrServerNotAvailable), ConnectionUsbmuxFailure},
		{fmt.Errorf("%w: %w", wire.ErrMux, wire.ErrConnectionRefused), ConnectionUsbmuxFailure},
		{wire.ErrDeviceNotFound, ConnectionUsbmuxFailure},
		{context.DeadlineExceeded, ConnectionTimedOut},
		{os.ErrDeadlineExceeded, ConnectionTimedOut},
		{&net.OpError{Op: "read", Err: timeoutError{}}, ConnectionTimedOut},
		{wire.ErrMalformedRequest, ConnectionInvalidRequest},
		{wire.ErrRequestInFlight, ConnectionInvalidRequest},
		{wire.ErrMalformedFrame, ConnectionInvalidResponse},
		{wire.ErrCorrelationMismatch, ConnectionInvalidResponse},
		{wire.ErrUnexpectedResponse, ConnectionInvalidResponse},
		{io.EOF, ConnectionLost},
		{io.ErrClosedPipe, ConnectionLost},
		{net.ErrClosed, ConnectionLost},
		{context.Canceled, ConnectionLost},
		{&net.OpError{Op: "write", Err: syscall.EPIPE}, ConnectionLost},
		{syscall.ECONNRESET, ConnectionLost},
		{fmt.Errorf("%w: StartService: InvalidService", wire.ErrLockdown), ConnectionUnknown},
		{errors.New("something else"), ConnectionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ce := ClassifyConnection(tt.err, ErrorContext{DeviceName: testDeviceName})
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, testDeviceName, ce.Context.DeviceName)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestClassifyConnectionIsPure(t *testing.T) {
	err := fmt.Errorf("read: %w", io.EOF)
	ctx := ErrorContext{DeviceName: testDeviceName}
	assert.Equal(t, ClassifyConnection(err, ctx), ClassifyConnection(err, ctx))
	assert.Nil(t, ClassifyConnection(nil, ctx))
}

func TestClassifyConnectionTruncatedFrame(t *testing.T) {
	// a frame cut short is both malformed and a reset; the malformed reading wins
	_, err := wire.NewConn(&pipeEnd{data: []byte{0, 0, 0, 9, 'a'}}).ReadFrame()
	require.Error(t, err)
	assert.Equal(t, ConnectionInvalidResponse, ClassifyConnection(err, ErrorContext{}).Code)
}

func TestClassifyConnectionKeepsInnerContext(t *testing.T) {
	inner := &ConnectionError{Code: ConnectionTimedOut, Context: ErrorContext{DeviceName: "inner"}}
	ce := ClassifyConnection(fmt.Errorf("wrapped: %w", inner), ErrorContext{DeviceName: "outer", AppName: "App"})
	assert.Equal(t, ConnectionTimedOut, ce.Code)
	assert.Equal(t, ErrorContext{DeviceName: "inner", AppName: "App"}, ce.Context)
	assert.Equal(t, "inner", inner.Context.DeviceName)
	assert.Empty(t, inner.Context.AppName)
}

func TestClassifyServer(t *testing.T) {
	ctx := ErrorContext{BundleIdentifier: testBundleID}

	tests := []struct {
		name   string
		err    error
		code   ServerErrorCode
		domain string
		inner  int
	}{
		{"connection error", &ConnectionError{Code: ConnectionLost}, ServerUnderlyingError, ConnectionErrorDomain, int(ConnectionLost)},
		{"raw timeout", context.DeadlineExceeded, ServerUnderlyingError, ConnectionErrorDomain, int(ConnectionTimedOut)},
		{"raw eof", io.EOF, ServerUnderlyingError, ConnectionErrorDomain, int(ConnectionLost)},
		{"foreign", &ForeignError{Domain: "NSCocoaErrorDomain", Code: 4}, ServerUnderlyingError, "NSCocoaErrorDomain", 4},
		{"errno", syscall.ENOSPC, ServerUnderlyingError, POSIXErrorDomain, int(syscall.ENOSPC)},
		{"unknown response", wire.ErrUnknownResponse, ServerUnknownResponse, "", 0},
		{"unknown request", wire.ErrUnknownRequest, ServerUnknownRequest, "", 0},
		{"invalid app", ErrInvalidApp, ServerInvalidApp, "", 0},
		{"invalid anisette", ErrInvalidAnisette, ServerInvalidAnisetteData, "", 0},
		{"not connected", ErrDeviceNotConnected, ServerDeviceNotFound, "", 0},
		{"server error", &ServerError{Code: ServerPluginNotFound}, ServerPluginNotFound, "", 0},
		{"unrecognized", errors.New("boom"), ServerUnknown, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := ClassifyServer(tt.err, ctx)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, testBundleID, se.Context.BundleIdentifier)
			assert.Equal(t, tt.domain, se.UnderlyingDomain())
			if tt.domain != "" {
				code, ok := se.UnderlyingCode()
				assert.True(t, ok)
				assert.Equal(t, tt.inner, code)
				p := se.Payload()
				assert.Equal(t, tt.domain, p.UserInfo[UnderlyingErrorDomainKey])
				assert.NotEmpty(t, p.UserInfo[UnderlyingErrorCodeKey])
			}
		})
	}
}

func TestClassifyServerInnerContextWins(t *testing.T) {
	inner := &ServerError{Code: ServerMaximumFreeAppLimitReached, Context: ErrorContext{BundleIdentifier: "com.inner"}}
	se := ClassifyServer(inner, ErrorContext{BundleIdentifier: "com.outer", DeviceName: testDeviceName})
	assert.Equal(t, "com.inner", se.Context.BundleIdentifier)
	assert.Equal(t, testDeviceName, se.Context.DeviceName)
	assert.NotSame(t, inner, se)
	assert.Nil(t, ClassifyServer(nil, ErrorContext{}))
}

// pipeEnd is a net.Conn over a fixed byte slice.
type pipeEnd struct {
	net.Conn
	data []byte
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	if len(p.data) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	return n, nil
}
