package sidekit

import (
	"context"

	"github.com/prife/gosidekit/wire"
)

// EnumeratePlugins returns the identifiers of the plugins installed on the device side.
func EnumeratePlugins(ctx context.Context, conn *Connection) (plugins []string, err error) {
	err = runWorkflow(ctx, conn, conn.errorContext(), func(ctx context.Context) error {
		plugins, err = enumeratePlugins(ctx, conn)
		return err
	})
	return
}

func enumeratePlugins(ctx context.Context, conn *Connection) ([]string, error) {
	var resp wire.EnumeratePluginsResponse
	if err := conn.Call(ctx, wire.KindEnumeratePlugins, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}
