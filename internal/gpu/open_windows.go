//go:build windows

package gpu

func openNative() (Device, error) {
	return NewWebGPUDevice()
}
