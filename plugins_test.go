package sidekit

import (
	"context"
	"testing"

	"github.com/prife/gosidekit/internal/devicetest"
	"github.com/prife/gosidekit/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumeratePlugins(t *testing.T) {
	conn, peer := newPeerConnection(t)
	peer.Handle(wire.KindEnumeratePlugins, devicetest.OK(&wire.EnumeratePluginsResponse{
		Plugins: []string{"com.example.mail", "com.example.share"},
	}))

	plugins, err := EnumeratePlugins(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.mail", "com.example.share"}, plugins)
	assert.Equal(t, 1, peer.Count(wire.KindEnumeratePlugins))
	assert.Equal(t, ConnOpen, conn.State())
}

func TestEnumeratePluginsLostConnection(t *testing.T) {
	conn, peer := newPeerConnection(t)
	peer.Handle(wire.KindEnumeratePlugins, devicetest.Drop())

	_, err := EnumeratePlugins(context.Background(), conn)
	se := requireServerError(t, err, ServerUnderlyingError)
	assert.Equal(t, ConnectionErrorDomain, se.UnderlyingDomain())
	assert.Equal(t, testDeviceName, se.Context.DeviceName)
}
