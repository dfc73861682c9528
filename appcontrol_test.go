package sidekit

import (
	"context"
	"testing"

	"github.com/prife/gosidekit/internal/devicetest"
	"github.com/prife/gosidekit/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnableUnsignedCodeExecution(t *testing.T) {
	conn, peer := newPeerConnection(t)

	require.NoError(t, EnableUnsignedCodeExecution(context.Background(), conn, ProcessTarget{PID: 812}))
	require.NoError(t, EnableUnsignedCodeExecution(context.Background(), conn, ProcessTarget{Name: "Delta"}))

	reqs := peer.Requests()
	require.Len(t, reqs, 2)
	var byPID, byName wire.EnableUnsignedCodeExecutionRequest
	require.NoError(t, reqs[0].Decode(&byPID))
	require.NoError(t, reqs[1].Decode(&byName))
	assert.Equal(t, wire.EnableUnsignedCodeExecutionRequest{UDID: testUDID, ProcessID: 812}, byPID)
	assert.Equal(t, wire.EnableUnsignedCodeExecutionRequest{UDID: testUDID, ProcessName: "Delta"}, byName)
}

func TestEnableUnsignedCodeExecutionNotRunning(t *testing.T) {
	conn, peer := newPeerConnection(t)
	peer.Handle(wire.KindEnableUnsignedCodeExecution, devicetest.Fail(ServerErrorDomain, int(ServerRequestedAppNotRunning), nil))

	err := EnableUnsignedCodeExecution(context.Background(), conn, ProcessTarget{Name: "Delta"})
	se := requireServerError(t, err, ServerRequestedAppNotRunning)
	assert.Equal(t, "Delta", se.Context.AppName)
	assert.Equal(t, testDeviceName, se.Context.DeviceName)
	assert.Equal(t, "The requested app Delta is not currently running on device Riley's iPhone.", se.Description())
	assert.Equal(t, 100, se.Payload().Code)
}

func TestEnableUnsignedCodeExecutionNoTarget(t *testing.T) {
	conn, peer := newPeerConnection(t)

	err := EnableUnsignedCodeExecution(context.Background(), conn, ProcessTarget{})
	requireServerError(t, err, ServerInvalidRequest)
	assert.Empty(t, peer.Requests())
}
