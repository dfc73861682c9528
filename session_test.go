package sidekit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prife/gosidekit/internal/devicetest"
	"github.com/prife/gosidekit/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppSize = 2*TransferChunkSize + 1000

func newTestApp() *AppBundle {
	return NewAppBundle(testBundleID, "Example", bytes.Repeat([]byte{0xA5}, testAppSize))
}

// scriptInstall makes peer accept a full installation on a device running osVersion.
func scriptInstall(peer *devicetest.Peer, osVersion string, active ...string) {
	peer.Handle(wire.KindBeginInstallation, devicetest.OK(&wire.BeginInstallationResponse{
		DeviceName:     testDeviceName,
		OSVersion:      osVersion,
		ActiveFreeApps: active,
	}))
	peer.Handle(wire.KindTransferApp, func(req *wire.Request) devicetest.Action {
		var t wire.TransferAppRequest
		if err := req.Decode(&t); err != nil {
			panic(err)
		}
		return devicetest.OK(&wire.TransferAppResponse{Written: int64(len(t.Data))})(req)
	})
	peer.Handle(wire.KindCommitInstallation, devicetest.OK(&wire.CommitInstallationResponse{Complete: true}))
}

func transitionStates(s *InstallationSession) []SessionState {
	var states []SessionState
	for _, tr := range s.Transitions() {
		states = append(states, tr.To)
	}
	return states
}

func TestInstallationSession(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")

	var progress []int64
	s := NewInstallationSession(conn, newTestApp(), InstallOptions{
		Progress: func(sent, total int64) {
			assert.EqualValues(t, testAppSize, total)
			progress = append(progress, sent)
		},
	})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, SessionSucceeded, s.State())
	assert.Equal(t, []SessionState{
		SessionAwaitingAppTransfer,
		SessionAwaitingProfileInstall,
		SessionAwaitingFinalAck,
		SessionSucceeded,
	}, transitionStates(s))
	assert.Equal(t, []int64{TransferChunkSize, 2 * TransferChunkSize, testAppSize}, progress)
	assert.NoError(t, s.Err())
	assert.True(t, conn.Alive())

	var kinds []wire.RequestKind
	var offsets []int64
	var final []bool
	for _, req := range peer.Requests() {
		kinds = append(kinds, req.Kind)
		if req.Kind == wire.KindTransferApp {
			var tr wire.TransferAppRequest
			require.NoError(t, req.Decode(&tr))
			offsets = append(offsets, tr.Offset)
			final = append(final, tr.Final)
		}
	}
	assert.Equal(t, []wire.RequestKind{
		wire.KindBeginInstallation,
		wire.KindTransferApp, wire.KindTransferApp, wire.KindTransferApp,
		wire.KindInstallProvisioningProfiles,
		wire.KindCommitInstallation,
	}, kinds)
	assert.Equal(t, []int64{0, TransferChunkSize, 2 * TransferChunkSize}, offsets)
	assert.Equal(t, []bool{false, false, true}, final)

	var begin wire.BeginInstallationRequest
	require.NoError(t, peer.Requests()[0].Decode(&begin))
	assert.Equal(t, testUDID, begin.UDID)
	assert.Equal(t, testBundleID, begin.BundleIdentifier)
	assert.EqualValues(t, testAppSize, begin.Size)
}

func TestInstallationLostConnectionMidTransfer(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	peer.Handle(wire.KindTransferApp, devicetest.Sequence(
		devicetest.OK(&wire.TransferAppResponse{Written: TransferChunkSize}),
		devicetest.Drop(),
	))

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	err := s.Run(context.Background())

	se := requireServerError(t, err, ServerUnderlyingError)
	assert.Equal(t, ConnectionErrorDomain, se.UnderlyingDomain())
	code, ok := se.UnderlyingCode()
	assert.True(t, ok)
	assert.Equal(t, int(ConnectionLost), code)
	assert.Equal(t, testBundleID, se.Context.BundleIdentifier)
	assert.Equal(t, testDeviceName, se.Context.DeviceName)

	p := se.Payload()
	assert.Equal(t, ConnectionErrorDomain, p.UserInfo[UnderlyingErrorDomainKey])
	assert.Equal(t, "7", p.UserInfo[UnderlyingErrorCodeKey])

	assert.Equal(t, SessionFailed, s.State())
	assert.Equal(t, err, s.Err())
	assert.False(t, conn.Alive())
	assert.Zero(t, peer.Count(wire.KindCommitInstallation))
}

func TestInstallationFreeAppLimit(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4", "com.example.one", "com.example.two", "com.example.three")

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	err := s.Run(context.Background())

	se := requireServerError(t, err, ServerMaximumFreeAppLimitReached)
	assert.Equal(t, testBundleID, se.Context.BundleIdentifier)
	assert.Equal(t, testBundleID, se.Payload().UserInfo[BundleIdentifierKey])
	assert.Equal(t, SessionFailed, s.State())
	assert.Zero(t, peer.Count(wire.KindCommitInstallation))
	// a policy refusal leaves the connection usable
	assert.True(t, conn.Alive())
}

func TestInstallationUpdateDoesNotCountTwice(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4", "com.example.one", "com.example.two", testBundleID)

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	assert.NoError(t, s.Run(context.Background()))
}

func TestInstallationUnsupportedOS(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "12.1")

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerUnsupportediOSVersion)
	assert.Zero(t, peer.Count(wire.KindCommitInstallation))
}

func TestInstallationInvalidApp(t *testing.T) {
	conn, peer := newPeerConnection(t)

	s := NewInstallationSession(conn, NewAppBundle("not a bundle id", "Bad", []byte{1}), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerInvalidApp)
	assert.Empty(t, peer.Requests())
	assert.Equal(t, []SessionState{SessionFailed}, transitionStates(s))
}

func TestInstallationInvalidAnisette(t *testing.T) {
	conn, peer := newPeerConnection(t)
	anisette := AnisetteFunc(func(ctx context.Context) (*AnisetteData, error) {
		return &AnisetteData{Data: []byte("stale"), Valid: false}, nil
	})

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{Anisette: anisette})
	requireServerError(t, s.Run(context.Background()), ServerInvalidAnisetteData)
	assert.Empty(t, peer.Requests())
}

func TestInstallationSendsAnisette(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	anisette := AnisetteFunc(func(ctx context.Context) (*AnisetteData, error) {
		return &AnisetteData{Data: []byte("machine"), Valid: true}, nil
	})

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{Anisette: anisette})
	require.NoError(t, s.Run(context.Background()))

	var begin wire.BeginInstallationRequest
	require.NoError(t, peer.Requests()[0].Decode(&begin))
	assert.Equal(t, []byte("machine"), begin.Anisette)
}

func TestInstallationDeviceNotConnected(t *testing.T) {
	conn, peer := newPeerConnection(t)
	conn.Device.SetState(StateAttached)

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerDeviceNotFound)
	assert.Empty(t, peer.Requests())

	conn2, _ := newPeerConnection(t)
	conn2.Close()
	s = NewInstallationSession(conn2, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerDeviceNotFound)

	s = NewInstallationSession(nil, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerDeviceNotFound)
}

func TestInstallationProfiles(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	profile := &ProvisioningProfile{
		Name:                  "Wildcard",
		UUID:                  "5A3F-0001",
		TeamIdentifier:        "TEAM123456",
		ApplicationIdentifier: "TEAM123456.com.example.*",
		Data:                  []byte("signed profile"),
	}

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{Profiles: []*ProvisioningProfile{profile}})
	require.NoError(t, s.Run(context.Background()))

	for _, req := range peer.Requests() {
		if req.Kind != wire.KindInstallProvisioningProfiles {
			continue
		}
		var ip wire.InstallProvisioningProfilesRequest
		require.NoError(t, req.Decode(&ip))
		assert.Equal(t, testBundleID, ip.BundleIdentifier)
		assert.Equal(t, [][]byte{[]byte("signed profile")}, ip.Profiles)
		assert.Equal(t, []string{"5A3F-0001"}, ip.ActiveProfiles)
	}
}

func TestInstallationProfileMismatch(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	profile := &ProvisioningProfile{Name: "Other", TeamIdentifier: "TEAM123456", ApplicationIdentifier: "TEAM123456.com.other.app"}

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{Profiles: []*ProvisioningProfile{profile}})
	se := requireServerError(t, s.Run(context.Background()), ServerProfileNotFound)
	assert.Equal(t, testBundleID, se.Context.BundleIdentifier)
	assert.Zero(t, peer.Count(wire.KindInstallProvisioningProfiles))
}

func TestInstallationRequiredPlugin(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	peer.Handle(wire.KindEnumeratePlugins, devicetest.OK(&wire.EnumeratePluginsResponse{Plugins: []string{"com.example.mail"}}))

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{RequiredPlugins: []string{"com.example.mail"}})
	require.NoError(t, s.Run(context.Background()))

	s = NewInstallationSession(conn, newTestApp(), InstallOptions{RequiredPlugins: []string{"com.example.missing"}})
	requireServerError(t, s.Run(context.Background()), ServerPluginNotFound)
}

func TestInstallationDeviceWriteFailed(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	peer.Handle(wire.KindTransferApp, devicetest.OK(&wire.TransferAppResponse{Written: 12}))

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerDeviceWriteFailed)

	conn2, peer2 := newPeerConnection(t)
	scriptInstall(peer2, "17.4")
	peer2.Handle(wire.KindTransferApp, devicetest.Fail(ServerErrorDomain, int(ServerDeviceWriteFailed), nil))
	s = NewInstallationSession(conn2, newTestApp(), InstallOptions{})
	se := requireServerError(t, s.Run(context.Background()), ServerDeviceWriteFailed)
	assert.Equal(t, testBundleID, se.Context.BundleIdentifier)
}

func TestInstallationCommitNotComplete(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	peer.Handle(wire.KindCommitInstallation, devicetest.OK(&wire.CommitInstallationResponse{Status: "Verifying"}))

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerInstallationFailed)
}

func TestInstallationUnknownRequestFromOlderPeer(t *testing.T) {
	conn, peer := newPeerConnection(t)
	peer.Handle(wire.KindBeginInstallation, devicetest.Fail(ServerErrorDomain, int(ServerUnknownRequest), nil))

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	requireServerError(t, s.Run(context.Background()), ServerUnknownRequest)
}

func TestInstallationTerminalStateIsFinal(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	require.NoError(t, s.Run(context.Background()))
	n := len(s.Transitions())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, SessionSucceeded, s.State())
	assert.Len(t, s.Transitions(), n)
	assert.False(t, s.fail(errors.New("late")))
	assert.False(t, s.advance(SessionAwaitingAppTransfer))
	assert.Equal(t, SessionSucceeded, s.State())
}

func TestInstallationOneWorkflowPerConnection(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	release := make(chan struct{})
	peer.Handle(wire.KindBeginInstallation, func(req *wire.Request) devicetest.Action {
		<-release
		return devicetest.OK(&wire.BeginInstallationResponse{OSVersion: "17.4"})(req)
	})

	done := make(chan error, 1)
	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return peer.Count(wire.KindBeginInstallation) == 1 }, time.Second, time.Millisecond)

	_, err := EnumeratePlugins(context.Background(), conn)
	assert.ErrorIs(t, err, ErrSessionActive)

	close(release)
	assert.NoError(t, <-done)
	assert.Zero(t, peer.Count(wire.KindEnumeratePlugins))
}

func TestInstallationCancelClosesConnection(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")
	peer.Handle(wire.KindTransferApp, devicetest.Stall())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	err := s.Run(ctx)
	se := requireServerError(t, err, ServerUnderlyingError)
	assert.Equal(t, ConnectionErrorDomain, se.UnderlyingDomain())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, conn.Alive())
	assert.Equal(t, SessionFailed, s.State())
}

func TestLateCancelKeepsConnection(t *testing.T) {
	conn, peer := newPeerConnection(t)
	scriptInstall(peer, "17.4")

	// The cancellation callback is already on its way when the workflow returns.
	var late func()
	defer func(f func(context.Context, func()) func() bool) { afterFunc = f }(afterFunc)
	afterFunc = func(ctx context.Context, f func()) func() bool {
		late = f
		return func() bool { return false }
	}

	s := NewInstallationSession(conn, newTestApp(), InstallOptions{})
	require.NoError(t, s.Run(context.Background()))
	require.NotNil(t, late)
	late()

	assert.True(t, conn.Alive())
	assert.Equal(t, SessionSucceeded, s.State())
}

func TestInstallationSessionLearnsDeviceName(t *testing.T) {
	host, peer := devicetest.Pipe()
	d := NewDevice(testUDID, "")
	d.SetState(StateConnected)
	conn := newConnection(host, d, 2*time.Second, nil)
	t.Cleanup(func() {
		conn.Close()
		peer.Close()
	})
	scriptInstall(peer, "17.4")

	// the name is read while the session records it
	done := make(chan struct{})
	go func() {
		defer close(done)
		for conn.Alive() && d.Name() == "" {
			_ = d.String()
		}
	}()

	require.NoError(t, NewInstallationSession(conn, newTestApp(), InstallOptions{}).Run(context.Background()))
	<-done
	assert.Equal(t, testDeviceName, d.Name())
}
