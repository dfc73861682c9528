package sidekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prife/gosidekit/wire"
	log "github.com/sirupsen/logrus"
)

// TransferChunkSize is the default amount of app data sent per TransferAppRequest.
const TransferChunkSize = wire.TransferChunkSize

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionAwaitingAppTransfer
	SessionAwaitingProfileInstall
	SessionAwaitingFinalAck
	SessionAwaitingDeleteAck
	SessionSucceeded
	SessionFailed
)

var sessionStateStrings = map[SessionState]string{
	SessionIdle:                   "idle",
	SessionAwaitingAppTransfer:    "awaitingAppTransfer",
	SessionAwaitingProfileInstall: "awaitingProfileInstall",
	SessionAwaitingFinalAck:       "awaitingFinalAck",
	SessionAwaitingDeleteAck:      "awaitingDeleteAck",
	SessionSucceeded:              "succeeded",
	SessionFailed:                 "failed",
}

func (s SessionState) String() string {
	if str, ok := sessionStateStrings[s]; ok {
		return str
	}
	return "invalid"
}

func (s SessionState) Terminal() bool {
	return s == SessionSucceeded || s == SessionFailed
}

// Transition records one state change of a workflow.
type Transition struct {
	From, To SessionState
	At       time.Time
	// Err is set on the transition to SessionFailed.
	Err error
}

// workflow is the state machine shared by installation and deletion. Once it reaches a
// terminal state it never leaves it.
type workflow struct {
	name string

	mu          sync.Mutex
	state       SessionState
	transitions []Transition
	err         error
	started     atomic.Bool
}

func (w *workflow) State() SessionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Transitions returns the state changes so far, oldest first.
func (w *workflow) Transitions() []Transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.transitions)
}

// Err returns the error the workflow failed with, if it did.
func (w *workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// start allows a workflow to run once.
func (w *workflow) start() error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s already ran (%s)", ErrSessionActive, w.name, w.State())
	}
	return nil
}

func (w *workflow) advance(to SessionState) bool {
	return w.move(to, nil)
}

func (w *workflow) fail(err error) bool {
	return w.move(SessionFailed, err)
}

func (w *workflow) move(to SessionState, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Terminal() {
		return false
	}
	w.transitions = append(w.transitions, Transition{From: w.state, To: to, At: time.Now(), Err: err})
	log.WithFields(log.Fields{"workflow": w.name, "from": w.state, "state": to}).Debug("transition")
	w.state = to
	if err != nil {
		w.err = err
	}
	return true
}

// InstallOptions tunes an installation. The zero value installs with no profiles and the default Policy.
type InstallOptions struct {
	// Profiles are installed alongside the app. Each must match the app's bundle identifier.
	Profiles []*ProvisioningProfile
	// RequiredPlugins must all be reported by the device before profiles are installed.
	RequiredPlugins []string
	// Anisette, when set, must produce valid data before anything is sent.
	Anisette AnisetteProvider
	Policy   Policy
	// Progress is called after each chunk with the bytes sent so far and the total.
	Progress func(sent, total int64)
	// ChunkSize defaults to TransferChunkSize.
	ChunkSize int
}

// InstallationSession drives one app installation over a Connection it shares but doesn't own.
// A session runs at most once.
type InstallationSession struct {
	workflow

	Conn    *Connection
	App     *AppBundle
	Options InstallOptions

	deviceOS   string
	activeApps []string
}

func NewInstallationSession(conn *Connection, app *AppBundle, opts InstallOptions) *InstallationSession {
	return &InstallationSession{
		workflow: workflow{name: "install"},
		Conn:     conn,
		App:      app,
		Options:  opts,
	}
}

// Run installs the app. Any failure is a *ServerError; transport failures are wrapped as
// ServerUnderlyingError so their domain and code are kept. Cancelling ctx closes the Connection.
func (s *InstallationSession) Run(ctx context.Context) error {
	ectx := s.App.errorContext().Merge(s.Conn.errorContext())
	if err := s.start(); err != nil {
		return ClassifyServer(err, ectx)
	}

	err := runWorkflow(ctx, s.Conn, ectx, s.install)
	if err != nil {
		s.fail(err)
		log.WithFields(log.Fields{"udid": s.Conn.udid(), "bundle": ectx.BundleIdentifier}).WithError(err).Debug("installation failed")
		return err
	}
	return nil
}

func (s *InstallationSession) install(ctx context.Context) error {
	steps := []func(context.Context) error{s.begin, s.transfer, s.installProfiles, s.commit}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *InstallationSession) begin(ctx context.Context) error {
	if err := s.App.Validate(); err != nil {
		return err
	}
	anisette, err := fetchAnisette(ctx, s.Options.Anisette)
	if err != nil {
		return err
	}

	req := wire.BeginInstallationRequest{
		UDID:             s.Conn.udid(),
		BundleIdentifier: s.App.BundleIdentifier,
		AppName:          s.App.Name,
		Size:             s.App.Size(),
	}
	if anisette != nil {
		req.Anisette = anisette.Data
	}
	var resp wire.BeginInstallationResponse
	if err := s.Conn.Call(ctx, wire.KindBeginInstallation, &req, &resp); err != nil {
		return err
	}
	s.deviceOS = resp.OSVersion
	s.activeApps = resp.ActiveFreeApps
	if s.Conn.Device != nil {
		s.Conn.Device.setNameIfEmpty(resp.DeviceName)
	}
	s.advance(SessionAwaitingAppTransfer)
	return nil
}

func (s *InstallationSession) transfer(ctx context.Context) error {
	size := s.App.Size()
	chunk := s.Options.ChunkSize
	if chunk <= 0 {
		chunk = TransferChunkSize
	}

	r := s.App.Reader()
	buf := make([]byte, chunk)
	var sent int64
	for sent < size {
		n, err := io.ReadFull(r, buf[:min(int64(chunk), size-sent)])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: app ended at %d of %d bytes", ErrInvalidApp, sent+int64(n), size)
		} else if err != nil {
			return fmt.Errorf("read app: %w", err)
		}

		req := wire.TransferAppRequest{Offset: sent, Data: buf[:n], Final: sent+int64(n) >= size}
		var resp wire.TransferAppResponse
		if err := s.Conn.Call(ctx, wire.KindTransferApp, &req, &resp); err != nil {
			return err
		}
		if resp.Written != int64(n) {
			return &ServerError{Code: ServerDeviceWriteFailed, Err: fmt.Errorf("device wrote %d of %d bytes at offset %d", resp.Written, n, sent)}
		}
		sent += int64(n)
		if s.Options.Progress != nil {
			s.Options.Progress(sent, size)
		}
	}
	s.advance(SessionAwaitingProfileInstall)
	return nil
}

func (s *InstallationSession) installProfiles(ctx context.Context) error {
	bundleID := s.App.BundleIdentifier
	req := wire.InstallProvisioningProfilesRequest{BundleIdentifier: bundleID}
	for _, p := range s.Options.Profiles {
		if !p.Matches(bundleID) {
			return &ServerError{
				Code:    ServerProfileNotFound,
				Context: ErrorContext{BundleIdentifier: bundleID},
				Err:     fmt.Errorf("profile %q is for %s", p.Name, p.ApplicationIdentifier),
			}
		}
		req.Profiles = append(req.Profiles, p.Data)
		req.ActiveProfiles = append(req.ActiveProfiles, p.UUID)
	}

	if len(s.Options.RequiredPlugins) > 0 {
		plugins, err := enumeratePlugins(ctx, s.Conn)
		if err != nil {
			return err
		}
		for _, want := range s.Options.RequiredPlugins {
			if !slices.Contains(plugins, want) {
				return &ServerError{Code: ServerPluginNotFound, Err: fmt.Errorf("plugin %q not installed", want)}
			}
		}
	}

	if err := s.Conn.Call(ctx, wire.KindInstallProvisioningProfiles, &req, nil); err != nil {
		return err
	}
	s.advance(SessionAwaitingFinalAck)
	return nil
}

func (s *InstallationSession) commit(ctx context.Context) error {
	if err := s.Options.Policy.Check(s.App.BundleIdentifier, s.deviceOS, s.activeApps); err != nil {
		return err
	}

	var resp wire.CommitInstallationResponse
	req := wire.CommitInstallationRequest{BundleIdentifier: s.App.BundleIdentifier}
	if err := s.Conn.Call(ctx, wire.KindCommitInstallation, &req, &resp); err != nil {
		return err
	}
	if !resp.Complete {
		return &ServerError{Code: ServerInstallationFailed, Err: fmt.Errorf("device reported %q", resp.Status)}
	}
	s.advance(SessionSucceeded)
	return nil
}

var afterFunc = context.AfterFunc

// runWorkflow claims conn for fn and classifies whatever fn fails with as a *ServerError
// carrying ectx. ctx being cancelled while fn runs closes conn; a cancellation
// noticed only after fn returned leaves conn alone.
func runWorkflow(ctx context.Context, conn *Connection, ectx ErrorContext, fn func(context.Context) error) error {
	if err := requireConnected(conn); err != nil {
		return ClassifyServer(err, ectx)
	}
	if err := conn.claim(); err != nil {
		return ClassifyServer(err, ectx)
	}
	defer conn.release()

	// finished is claimed by whichever comes first: fn returning or ctx being cancelled.
	var finished atomic.Bool
	stop := afterFunc(ctx, func() {
		if finished.CompareAndSwap(false, true) {
			conn.shutdown(ConnBroken)
		}
	})

	err := fn(ctx)
	finished.Store(true)
	stop()
	if err != nil {
		return ClassifyServer(err, ectx)
	}
	return nil
}

func requireConnected(conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("%w: no connection", ErrDeviceNotConnected)
	}
	if !conn.Alive() {
		return fmt.Errorf("%w: connection to %s is %s", ErrDeviceNotConnected, conn.udid(), conn.State())
	}
	if d := conn.Device; d != nil && d.State() != StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrDeviceNotConnected, d, d.State())
	}
	return nil
}
