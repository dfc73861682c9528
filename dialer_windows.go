//go:build windows

package sidekit

const (
	DefaultMuxNetwork = "tcp"
	DefaultMuxAddress = "127.0.0.1:27015"
)

func checkMuxSocket(network, address string) error {
	return nil
}
