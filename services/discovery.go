package services

import (
	"context"

	sidekit "github.com/prife/gosidekit"
	log "github.com/sirupsen/logrus"
)

// DeviceListener is told about devices as they are plugged in and unplugged.
// Either callback may be nil.
type DeviceListener struct {
	Added   func(ctx context.Context, d *sidekit.Device)
	Removed func(ctx context.Context, d *sidekit.Device)
}

func InitClient(config sidekit.MuxConfig) (cli *sidekit.Client, err error) {
	cli, err = sidekit.NewWithConfig(config)
	if err != nil {
		log.Errorln(err)
		return
	}
	return
}

// Monitor reports device changes to l until ctx is done or usbmuxd goes away for good.
func Monitor(ctx context.Context, client *sidekit.Client, l DeviceListener) (err error) {
	watcher := client.NewDeviceWatcher(ctx)
	defer watcher.Shutdown()

	for event := range watcher.C() {
		log.Infof("usbmux-monitor: %s %s -> %s", event.Device, event.OldState, event.NewState)
		switch {
		case event.CameOnline():
			if l.Added != nil {
				l.Added(ctx, event.Device)
			}
		case event.WentOffline():
			if l.Removed != nil {
				l.Removed(ctx, event.Device)
			}
		default:
			log.Debugf("usbmux-monitor: ignored %+v", event)
		}
	}

	return watcher.Err()
}
