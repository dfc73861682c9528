package sidekit

import (
	"context"
	"errors"
	"fmt"

	"github.com/prife/gosidekit/wire"
)

// ProcessTarget names a running app by pid or by process name. PID wins when both are set.
type ProcessTarget struct {
	PID  int32
	Name string
}

func (t ProcessTarget) String() string {
	if t.PID > 0 {
		return fmt.Sprintf("pid %d", t.PID)
	}
	return t.Name
}

// EnableUnsignedCodeExecution lets the running app target execute unsigned code, which
// JIT compilers need. A target that isn't running fails with ServerRequestedAppNotRunning
// naming the app and the device.
func EnableUnsignedCodeExecution(ctx context.Context, conn *Connection, target ProcessTarget) error {
	ectx := ErrorContext{AppName: target.String()}.Merge(conn.errorContext())
	if target.PID <= 0 && target.Name == "" {
		return &ServerError{Code: ServerInvalidRequest, Context: ectx, Err: errors.New("no process id or name")}
	}

	return runWorkflow(ctx, conn, ectx, func(ctx context.Context) error {
		req := wire.EnableUnsignedCodeExecutionRequest{UDID: conn.udid()}
		if target.PID > 0 {
			req.ProcessID = target.PID
		} else {
			req.ProcessName = target.Name
		}
		return conn.Call(ctx, wire.KindEnableUnsignedCodeExecution, &req, nil)
	})
}
