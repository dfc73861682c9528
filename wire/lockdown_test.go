package wire

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveLockdown answers each lockdown request with the reply built by handle.
func serveLockdown(conn net.Conn, handle func(req map[string]any) map[string]any) {
	go func() {
		for {
			var req map[string]any
			if err := ReadLockdownPacket(conn, &req); err != nil {
				return
			}
			if err := WriteLockdownPacket(conn, handle(req)); err != nil {
				return
			}
		}
	}()
}

func TestLockdownStartService(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serveLockdown(server, func(req map[string]any) map[string]any {
		switch req["Request"] {
		case "StartSession":
			assert.Equal(t, "HOST", req["HostID"])
			return map[string]any{"Request": "StartSession", "SessionID": "S1"}
		case "StartService":
			assert.Equal(t, "com.example.sidekit", req["Service"])
			return map[string]any{"Request": "StartService", "Port": 49152, "EnableServiceSSL": true}
		}
		return map[string]any{"Error": "UnknownRequest"}
	})

	ld := NewLockdown(client, &PairRecord{HostID: "HOST", SystemBUID: "BUID"})
	require.NoError(t, ld.StartSession(context.Background()))
	svc, err := ld.StartService("com.example.sidekit", false)
	require.NoError(t, err)
	assert.Equal(t, uint16(49152), svc.Port)
	assert.True(t, svc.SSL)
}

func TestLockdownDeviceLocked(t *testing.T) {
	for _, code := range []string{"PasswordProtected", "DeviceLocked"} {
		t.Run(code, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			serveLockdown(server, func(req map[string]any) map[string]any {
				return map[string]any{"Request": req["Request"], "Error": code}
			})

			err := NewLockdown(client, &PairRecord{HostID: "HOST"}).StartSession(context.Background())
			assert.ErrorIs(t, err, ErrDeviceLocked)
		})
	}
}

func TestLockdownInvalidHostID(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serveLockdown(server, func(req map[string]any) map[string]any {
		return map[string]any{"Request": req["Request"], "Error": "InvalidHostID"}
	})

	err := NewLockdown(client, &PairRecord{HostID: "HOST"}).StartSession(context.Background())
	assert.ErrorIs(t, err, ErrSSL)
}

func TestLockdownGetDeviceDetail(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	serveLockdown(server, func(req map[string]any) map[string]any {
		return map[string]any{
			"Request": "GetValue",
			"Value": map[string]any{
				"DeviceName":     "Riley's iPhone",
				"ProductVersion": "16.4.1",
				"UniqueDeviceID": "00008030-001A",
			},
		}
	})

	detail, err := NewLockdown(client, nil).GetDeviceDetail()
	require.NoError(t, err)
	assert.Equal(t, "Riley's iPhone", detail.DeviceName)
	assert.Equal(t, "16.4.1", detail.ProductVersion)
}

func TestSecureConnBadCertificate(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := SecureConn(context.Background(), client, &PairRecord{HostCertificate: []byte("junk")})
	assert.ErrorIs(t, err, ErrSSL)

	_, err = SecureConn(context.Background(), client, nil)
	assert.ErrorIs(t, err, ErrSSL)
}

func TestLockdownError(t *testing.T) {
	assert.NoError(t, lockdownError("x", ""))
	assert.ErrorIs(t, lockdownError("x", "InvalidService"), ErrLockdown)
	assert.EqualError(t, lockdownError("StartService", "PasswordProtected"), "DeviceLocked: StartService: PasswordProtected")
}
