package sidekit

import (
	"context"
	"fmt"
	"net"

	"github.com/prife/gosidekit/wire"
)

// Dialer knows how to create connections to usbmuxd.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{}

// Dial connects to usbmuxd on the given socket.
func (netDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: error dialing %s %s: %w", wire.ErrServerNotAvailable, network, address, err)
	}
	return conn, nil
}
