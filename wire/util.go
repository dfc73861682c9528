package wire

import "fmt"

// errIncompleteMessage reports a frame that ended early. It matches both ErrMalformedFrame
// and ErrConnectionReset: the bytes we got can't be parsed, and the peer went away.
func errIncompleteMessage(description string, actual int, expected int) error {
	return fmt.Errorf("%w: %w: incomplete %s: read %d bytes, expecting %d",
		ErrMalformedFrame, ErrConnectionReset, description, actual, expected)
}

// htons swaps a port number into network byte order, the way usbmuxd expects it.
func htons(v uint16) uint16 {
	return (v << 8 & 0xFF00) | (v >> 8 & 0xFF)
}
