package sidekit

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prife/gosidekit/wire"
)

// Device is one iOS device known to usbmuxd. The caller owns it; connections and
// sessions only reference it and update its state and name.
type Device struct {
	// UDID identifies the device across reconnects.
	UDID           string
	DeviceID       int
	ConnectionType string

	mu             sync.RWMutex
	name           string
	productVersion string

	state atomic.Int32
}

func NewDevice(udid, name string) *Device {
	d := &Device{UDID: udid, name: name}
	d.SetState(StateAttached)
	return d
}

// Name is the user-visible device name, used in error context. It is empty until
// set or reported by the device.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) SetName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

// setNameIfEmpty keeps a name the caller chose over one the device reports.
func (d *Device) setNameIfEmpty(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.name != "" || name == "" {
		return false
	}
	d.name = name
	return true
}

// ProductVersion is the iOS version read by Client.DeviceDetail.
func (d *Device) ProductVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.productVersion
}

func newDeviceFromAttachment(a *wire.DeviceAttachment) *Device {
	udid := a.UDID
	if udid == "" {
		udid = a.SerialNumber
	}
	d := &Device{UDID: udid, DeviceID: a.DeviceID, ConnectionType: a.ConnectionType}
	d.SetState(StateAttached)
	return d
}

func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

func (d *Device) SetState(s DeviceState) {
	d.state.Store(int32(s))
}

// compareAndSetState moves the device to next only if it is still in prev.
func (d *Device) compareAndSetState(prev, next DeviceState) bool {
	return d.state.CompareAndSwap(int32(prev), int32(next))
}

func (d *Device) String() string {
	if name := d.Name(); name != "" {
		return fmt.Sprintf("%s (%s)", name, d.UDID)
	}
	return d.UDID
}

func (d *Device) errorContext() ErrorContext {
	if d == nil {
		return ErrorContext{}
	}
	name := d.Name()
	if name == "" {
		name = d.UDID
	}
	return ErrorContext{DeviceName: name}
}
