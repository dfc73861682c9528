package sidekit

import (
	"fmt"
)

func wrapClientError(err error, device *Device, operation string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s on %s, err: %w", fmt.Sprintf(operation, args...), device, err)
}
