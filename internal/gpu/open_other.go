//go:build !windows

package gpu

import "github.com/pkg/errors"

func openNative() (Device, error) {
	return nil, errors.Wrap(ErrDeviceCapabilityUnavailable, "webgpu: not supported on this platform")
}
