package wire

import (
	"errors"
)

var (
	ErrAssertion = errors.New("AssertionError")
	ErrParse     = errors.New("ParseError")
	// ErrServerNotAvailable the usbmuxd socket could not be reached.
	ErrServerNotAvailable = errors.New("ServerNotAvailable")
	// ErrMux usbmuxd answered a request with a failure result.
	ErrMux = errors.New("UsbmuxError")
	// ErrConnectionRefused usbmuxd could not open the requested port on the device.
	ErrConnectionRefused = errors.New("ConnectionRefused")
	// ErrConnectionReset the connection was reset in the middle of an operation.
	ErrConnectionReset = errors.New("ConnectionReset")
	// ErrDeviceNotFound the device is not attached to usbmuxd.
	ErrDeviceNotFound = errors.New("DeviceNotFound")
	// ErrDeviceLocked lockdown refused to start a session or service because the passcode is set and the device is locked.
	ErrDeviceLocked = errors.New("DeviceLocked")
	// ErrSSL the TLS handshake with the device failed or the host identity was rejected.
	ErrSSL = errors.New("SSLError")
	// ErrLockdown lockdown returned an error string we don't classify.
	ErrLockdown = errors.New("LockdownError")

	// ErrMalformedFrame a frame from the peer had a bad length or a truncated payload.
	ErrMalformedFrame = errors.New("MalformedFrame")
	// ErrMalformedRequest a request could not be encoded, detected before transmission.
	ErrMalformedRequest = errors.New("MalformedRequest")
	// ErrUnknownRequest the request identifier is not one this protocol version knows.
	ErrUnknownRequest = errors.New("UnknownRequest")
	// ErrUnknownResponse the response identifier is not one this protocol version knows.
	ErrUnknownResponse = errors.New("UnknownResponse")
	// ErrUnexpectedResponse the response is known but does not answer the pending request.
	ErrUnexpectedResponse = errors.New("UnexpectedResponse")
	// ErrCorrelationMismatch the response did not echo the pending request id.
	ErrCorrelationMismatch = errors.New("CorrelationMismatch")
	// ErrRequestInFlight another request is still outstanding on the connection.
	ErrRequestInFlight = errors.New("RequestInFlight")
)
