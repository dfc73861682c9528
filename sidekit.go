package sidekit

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prife/gosidekit/wire"
)

// Client talks to usbmuxd and the devices it exposes.
// Eg.
//
//	client, _ := sidekit.New()
//	devices, _ := client.ListDevices(ctx)
//	conn, _ := client.Connect(ctx, devices[0])
//	defer conn.Close()
//	err := client.Install(ctx, conn, app, sidekit.InstallOptions{})
type Client struct {
	mux       *Usbmux
	lockdown  *LockdownHandshaker
	connector *Connector

	mu      sync.Mutex
	devices map[string]*Device
}

// New creates a Client that uses the default MuxConfig.
func New() (*Client, error) {
	return NewWithConfig(MuxConfig{})
}

func NewWithConfig(config MuxConfig) (*Client, error) {
	mux, err := NewUsbmux(config)
	if err != nil {
		return nil, err
	}
	hs := NewLockdownHandshaker(mux)
	return &Client{
		mux:       mux,
		lockdown:  hs,
		connector: NewConnector(mux, hs),
		devices:   make(map[string]*Device),
	}, nil
}

// Connector returns the Connector used by Connect, to tune its timeouts or inspect live connections.
func (c *Client) Connector() *Connector {
	return c.connector
}

// ListDevices returns the devices usbmuxd currently reports. A device seen before is
// returned as the same *Device, so state and names survive between calls.
func (c *Client) ListDevices(ctx context.Context) ([]*Device, error) {
	attached, err := c.mux.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]*Device, 0, len(attached))
	for _, a := range attached {
		d, _ := c.trackLocked(a)
		devices = append(devices, d)
	}
	return devices, nil
}

// Device returns the device with udid, looking it up on usbmuxd if it hasn't been seen yet.
func (c *Client) Device(ctx context.Context, udid string) (*Device, error) {
	c.mu.Lock()
	d, ok := c.devices[udid]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	devices, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.UDID == udid {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", wire.ErrDeviceNotFound, udid)
}

// DeviceDetail reads identity and OS values from the device's lockdown service and
// records the device name and OS version on d.
func (c *Client) DeviceDetail(ctx context.Context, d *Device) (*wire.DeviceDetail, error) {
	h, err := c.mux.Lookup(ctx, d.UDID)
	if err != nil {
		return nil, wrapClientError(err, d, "DeviceDetail")
	}
	ch, err := c.mux.OpenChannel(ctx, h, wire.LockdownPort)
	if err != nil {
		return nil, wrapClientError(err, d, "DeviceDetail")
	}
	defer ch.Close()

	detail, err := c.lockdown.DeviceDetail(ctx, ch, h)
	if err != nil {
		if ce := ClassifyConnection(err, d.errorContext()); ce.Code == ConnectionDeviceLocked {
			d.SetState(StateLocked)
		}
		return nil, wrapClientError(err, d, "DeviceDetail")
	}
	d.mu.Lock()
	if detail.DeviceName != "" {
		d.name = detail.DeviceName
	}
	d.productVersion = detail.ProductVersion
	d.mu.Unlock()
	return detail, nil
}

// Connect opens a Connection to the service on d. See Connector.Connect.
func (c *Client) Connect(ctx context.Context, d *Device) (*Connection, error) {
	return c.connector.Connect(ctx, d)
}

// Install runs a full installation of app over conn.
func (c *Client) Install(ctx context.Context, conn *Connection, app *AppBundle, opts InstallOptions) error {
	return NewInstallationSession(conn, app, opts).Run(ctx)
}

// Remove deletes the app with bundleID from the device on conn.
func (c *Client) Remove(ctx context.Context, conn *Connection, bundleID string) error {
	return RemoveApp(ctx, conn, bundleID)
}

// Dial opens a raw socket to usbmuxd.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	return c.mux.config.Dial(ctx, c.mux.config.Network, c.mux.config.Address)
}

func (c *Client) NewDeviceWatcher(ctx context.Context) *DeviceWatcher {
	return newDeviceWatcher(ctx, c.mux, c.track, c.forget)
}

func (c *Client) track(a *wire.DeviceAttachment) (*Device, DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackLocked(a)
}

// trackLocked records an attached device and returns it with the state it had before.
func (c *Client) trackLocked(a *wire.DeviceAttachment) (*Device, DeviceState) {
	nd := newDeviceFromAttachment(a)
	if d, ok := c.devices[nd.UDID]; ok {
		d.DeviceID = a.DeviceID
		d.ConnectionType = a.ConnectionType
		old := d.State()
		if old == StateDetached {
			d.SetState(StateAttached)
		}
		return d, old
	}
	c.devices[nd.UDID] = nd
	return nd, StateDetached
}

// forget marks the device with usbmuxd id detached and returns it with the state it had before.
func (c *Client) forget(deviceID int) (*Device, DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d.DeviceID == deviceID {
			old := d.State()
			d.SetState(StateDetached)
			return d, old
		}
	}
	return nil, StateDetached
}
