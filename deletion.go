package sidekit

import (
	"context"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

// DeletionSession removes one app from a device. It runs at most once.
type DeletionSession struct {
	workflow

	Conn             *Connection
	BundleIdentifier string
}

func NewDeletionSession(conn *Connection, bundleID string) *DeletionSession {
	return &DeletionSession{
		workflow:         workflow{name: "delete"},
		Conn:             conn,
		BundleIdentifier: bundleID,
	}
}

// RemoveApp deletes the app with bundleID from the device on conn.
func RemoveApp(ctx context.Context, conn *Connection, bundleID string) error {
	return NewDeletionSession(conn, bundleID).Run(ctx)
}

// Run sends the delete request and waits for its acknowledgement. Every failure is a
// *ServerError with code ServerAppDeletionFailed whose Underlying names the cause.
func (s *DeletionSession) Run(ctx context.Context) error {
	ectx := ErrorContext{BundleIdentifier: s.BundleIdentifier}.Merge(s.Conn.errorContext())
	if err := s.start(); err != nil {
		return deletionError(err, ectx)
	}

	err := runWorkflow(ctx, s.Conn, ectx, func(ctx context.Context) error {
		s.advance(SessionAwaitingDeleteAck)
		req := wire.RemoveAppRequest{UDID: s.Conn.udid(), BundleIdentifier: s.BundleIdentifier}
		return s.Conn.Call(ctx, wire.KindRemoveApp, &req, nil)
	})
	if err != nil {
		derr := deletionError(err, ectx)
		s.fail(derr)
		log.WithFields(log.Fields{"udid": s.Conn.udid(), "bundle": s.BundleIdentifier}).WithError(derr).Debug("deletion failed")
		return derr
	}
	s.advance(SessionSucceeded)
	return nil
}

// deletionError turns any failure into ServerAppDeletionFailed. A transport failure
// is kept as the Underlying error itself rather than the ServerUnderlyingError around it.
func deletionError(err error, ectx ErrorContext) *ServerError {
	se := ClassifyServer(err, ectx)
	if se.Code == ServerAppDeletionFailed {
		return se
	}
	var inner DomainError = se
	if se.Code == ServerUnderlyingError {
		inner = se.Underlying
	}
	return &ServerError{Code: ServerAppDeletionFailed, Underlying: inner, Context: se.Context}
}
