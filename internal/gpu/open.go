package gpu

import (
	"k8s.io/klog/v2"
)

// Open returns the best available device: the native WebGPU device where it is
// supported, otherwise the software device.
func Open(numThreads int) Device {
	dev, err := openNative()
	if err == nil {
		return dev
	}
	klog.V(1).Infof("native device unavailable, using soft device: %v", err)
	return NewSoftDevice(numThreads)
}
