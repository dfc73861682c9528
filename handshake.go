package sidekit

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

// PairRecordSource returns the pairing identity the host holds for a device.
type PairRecordSource interface {
	ReadPairRecord(ctx context.Context, udid string) (*wire.PairRecord, error)
}

// LockdownHandshaker is the Handshaker that talks to lockdownd with the pair records
// usbmuxd keeps for trusted devices.
type LockdownHandshaker struct {
	Pairs PairRecordSource
	// EscrowBag is sent with StartService, which some services need while the device is locked.
	EscrowBag bool

	mu    sync.Mutex
	cache map[string]*wire.PairRecord
}

var _ Handshaker = &LockdownHandshaker{}

func NewLockdownHandshaker(pairs PairRecordSource) *LockdownHandshaker {
	return &LockdownHandshaker{Pairs: pairs}
}

func (l *LockdownHandshaker) StartService(ctx context.Context, ch net.Conn, h *DeviceHandle, service string) (*ServiceEndpoint, error) {
	ld, stop, err := l.session(ctx, ch, h)
	if err != nil {
		return nil, err
	}
	defer stop()

	svc, err := ld.StartService(service, l.EscrowBag)
	if err != nil {
		return nil, err
	}
	if err := ld.StopSession(); err != nil {
		log.WithField("udid", h.UDID).WithError(err).Debug("lockdown StopSession")
	}
	return &ServiceEndpoint{Port: svc.Port, SSL: svc.SSL}, nil
}

func (l *LockdownHandshaker) Secure(ctx context.Context, ch net.Conn, h *DeviceHandle) (net.Conn, error) {
	pair, err := l.pairRecord(ctx, h.UDID)
	if err != nil {
		return nil, err
	}
	return wire.SecureConn(ctx, ch, pair)
}

// DeviceDetail reads the device values over the lockdown channel ch.
func (l *LockdownHandshaker) DeviceDetail(ctx context.Context, ch net.Conn, h *DeviceHandle) (*wire.DeviceDetail, error) {
	ld, stop, err := l.session(ctx, ch, h)
	if err != nil {
		return nil, err
	}
	defer stop()
	return ld.GetDeviceDetail()
}

// session starts a lockdown session on ch bound to ctx. stop releases the binding.
func (l *LockdownHandshaker) session(ctx context.Context, ch net.Conn, h *DeviceHandle) (*wire.Lockdown, func(), error) {
	pair, err := l.pairRecord(ctx, h.UDID)
	if err != nil {
		return nil, nil, err
	}

	dl, _ := ctx.Deadline()
	ch.SetDeadline(dl)
	unbind := context.AfterFunc(ctx, func() {
		ch.SetDeadline(time.Unix(1, 0))
	})
	stop := func() {
		unbind()
		ch.SetDeadline(time.Time{})
	}

	ld := wire.NewLockdown(ch, pair)
	if err := ld.StartSession(ctx); err != nil {
		stop()
		return nil, nil, err
	}
	return ld, stop, nil
}

func (l *LockdownHandshaker) pairRecord(ctx context.Context, udid string) (*wire.PairRecord, error) {
	l.mu.Lock()
	pair, ok := l.cache[udid]
	l.mu.Unlock()
	if ok {
		return pair, nil
	}

	pair, err := l.Pairs.ReadPairRecord(ctx, udid)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache == nil {
		l.cache = make(map[string]*wire.PairRecord)
	}
	l.cache[udid] = pair
	return pair, nil
}
