package sidekit

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prife/gosidekit/wire"
)

const MuxTimeoutDefault = time.Second * 5

type MuxConfig struct {
	// Dialer used to connect to usbmuxd.
	Dialer
	// Network and Address of the usbmuxd socket. If not specified, the platform default is used.
	Network string
	Address string
	// Timeout bounds a single usbmuxd request when ctx has no earlier deadline.
	Timeout time.Duration
}

// Usbmux is the Multiplexer backed by the usbmuxd daemon. Every request uses a fresh
// socket, the way usbmuxd expects: after Connect a socket belongs to the device stream.
type Usbmux struct {
	config MuxConfig
}

var _ Multiplexer = &Usbmux{}

func NewUsbmux(config MuxConfig) (*Usbmux, error) {
	if config.Dialer == nil {
		config.Dialer = netDialer{}
	}
	if config.Network == "" {
		config.Network = DefaultMuxNetwork
	}
	if config.Address == "" {
		config.Address = DefaultMuxAddress
	}
	if config.Timeout <= 0 {
		config.Timeout = MuxTimeoutDefault
	}
	if err := checkMuxSocket(config.Network, config.Address); err != nil {
		return nil, err
	}
	return &Usbmux{config: config}, nil
}

func (s *Usbmux) Lookup(ctx context.Context, udid string) (*DeviceHandle, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.UDID == udid || d.SerialNumber == udid {
			return &DeviceHandle{UDID: udid, DeviceID: d.DeviceID, ConnectionType: d.ConnectionType}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", wire.ErrDeviceNotFound, udid)
}

// OpenChannel returns a raw stream to port on the device.
func (s *Usbmux) OpenChannel(ctx context.Context, h *DeviceHandle, port uint16) (net.Conn, error) {
	var conn net.Conn
	err := s.do(ctx, func(m *wire.Usbmux) error {
		if err := m.Connect(h.DeviceID, port); err != nil {
			return err
		}
		conn = m.Conn
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Usbmux) ListDevices(ctx context.Context) (devices []*wire.DeviceAttachment, err error) {
	err = s.do(ctx, func(m *wire.Usbmux) error {
		devices, err = m.ListDevices()
		return err
	}, false)
	return
}

func (s *Usbmux) ReadPairRecord(ctx context.Context, udid string) (record *wire.PairRecord, err error) {
	err = s.do(ctx, func(m *wire.Usbmux) error {
		record, err = m.ReadPairRecord(udid)
		return err
	}, false)
	return
}

// Listen returns a socket subscribed to attach and detach events. Read it with NextEvent
// and Close it when done.
func (s *Usbmux) Listen(ctx context.Context) (mux *wire.Usbmux, err error) {
	err = s.do(ctx, func(m *wire.Usbmux) error {
		if err := m.Listen(); err != nil {
			return err
		}
		mux = m
		return nil
	}, true)
	return
}

// do dials usbmuxd and runs fn under ctx. The socket is closed afterwards unless keep
// is set and fn succeeded.
func (s *Usbmux) do(ctx context.Context, fn func(m *wire.Usbmux) error, keep bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	conn, err := s.config.Dial(ctx, s.config.Network, s.config.Address)
	if err != nil {
		return err
	}

	dl, _ := ctx.Deadline()
	conn.SetDeadline(dl)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	err = fn(wire.NewUsbmux(conn))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil || !keep {
		conn.Close()
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return err
	}
	conn.SetDeadline(time.Time{})
	return nil
}
