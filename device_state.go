package sidekit

// DeviceState is where a device stands from this host's point of view.
// A USB device will make the following state transitions:
//
//	Plugged in:  StateDetached->StateAttached
//	Connect:     StateAttached->StateConnected, or StateAttached->StateLocked
//	Close/loss:  StateConnected->StateAttached
//	Unplugged:   any->StateDetached
type DeviceState int32

const (
	StateDetached DeviceState = iota
	StateAttached
	StateConnected
	StateLocked
)

var deviceStateStrings = map[DeviceState]string{
	StateDetached:  "detached",
	StateAttached:  "attached",
	StateConnected: "connected",
	StateLocked:    "locked",
}

func (s DeviceState) String() string {
	if str, ok := deviceStateStrings[s]; ok {
		return str
	}
	return "invalid"
}
