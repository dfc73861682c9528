package sidekit

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

// watcherRetries is how many times in a row the watcher re-subscribes after usbmuxd drops it.
const watcherRetries = 3

var watcherRetryDelay = time.Second

// DeviceStateChangedEvent is sent when a device is plugged in or unplugged.
type DeviceStateChangedEvent struct {
	Device   *Device
	OldState DeviceState
	NewState DeviceState
}

// CameOnline returns true if this event represents a device coming online.
func (e DeviceStateChangedEvent) CameOnline() bool {
	return e.OldState == StateDetached && e.NewState != StateDetached
}

// WentOffline returns true if this event represents a device going offline.
func (e DeviceStateChangedEvent) WentOffline() bool {
	return e.OldState != StateDetached && e.NewState == StateDetached
}

// eventSource subscribes to usbmuxd notifications.
type eventSource interface {
	Listen(ctx context.Context) (*wire.Usbmux, error)
}

// DeviceWatcher publishes device attach and detach events.
//
// Events are delivered on C(), which is closed when the watcher stops. The
// watcher re-subscribes a few times if usbmuxd restarts; once it gives up, Err()
// reports why.
type DeviceWatcher struct {
	eventChan chan DeviceStateChangedEvent
	err       atomic.Value
	cancel    context.CancelFunc

	source eventSource
	track  func(*wire.DeviceAttachment) (*Device, DeviceState)
	forget func(int) (*Device, DeviceState)
}

func newDeviceWatcher(ctx context.Context, source eventSource,
	track func(*wire.DeviceAttachment) (*Device, DeviceState),
	forget func(int) (*Device, DeviceState)) *DeviceWatcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &DeviceWatcher{
		eventChan: make(chan DeviceStateChangedEvent),
		cancel:    cancel,
		source:    source,
		track:     track,
		forget:    forget,
	}
	go w.run(ctx)
	return w
}

// C returns a channel that receives the events. It is closed when the watcher stops.
func (w *DeviceWatcher) C() <-chan DeviceStateChangedEvent {
	return w.eventChan
}

// Err returns the error that caused the watcher to stop, or nil if it was shut down.
func (w *DeviceWatcher) Err() error {
	if err, ok := w.err.Load().(error); ok {
		return err
	}
	return nil
}

// Shutdown stops the watcher. C() is closed shortly after.
func (w *DeviceWatcher) Shutdown() {
	w.cancel()
}

func (w *DeviceWatcher) run(ctx context.Context) {
	defer close(w.eventChan)

	failures := 0
	for {
		subscribed, err := w.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			failures = 0
		}
		if err == nil {
			continue
		}
		failures++
		log.WithError(err).WithField("attempt", failures).Warn("usbmuxd listen failed")
		if failures > watcherRetries {
			w.err.Store(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(watcherRetryDelay):
		}
	}
}

// watch subscribes once and publishes events until the subscription or ctx ends.
// subscribed reports whether usbmuxd accepted the subscription.
func (w *DeviceWatcher) watch(ctx context.Context) (subscribed bool, err error) {
	mux, err := w.source.Listen(ctx)
	if err != nil {
		return false, err
	}
	defer mux.Close()
	stop := context.AfterFunc(ctx, func() { mux.Close() })
	defer stop()

	for {
		ev, err := mux.NextEvent()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		var event DeviceStateChangedEvent
		switch ev.MessageType {
		case wire.EventAttached:
			if ev.Properties == nil {
				continue
			}
			event.Device, event.OldState = w.track(ev.Properties)
			event.NewState = event.Device.State()
		case wire.EventDetached:
			event.Device, event.OldState = w.forget(ev.DeviceID)
			if event.Device == nil {
				continue
			}
			event.NewState = StateDetached
		default:
			log.WithFields(log.Fields{"type": ev.MessageType, "id": ev.DeviceID}).Debug("usbmuxd event ignored")
			continue
		}

		select {
		case w.eventChan <- event:
		case <-ctx.Done():
			return true, nil
		}
	}
}
