package gpu

import (
	"errors"
	"fmt"

	sd "github.com/nooniansoong/shadowdetection"
)

// guard runs a release call and turns a panic into a device call error.
// Teardown keeps going after a failed release.
func guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sd.DeviceCallError(op, fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
	return nil
}

func joinErr(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return errors.Join(a, b)
}
