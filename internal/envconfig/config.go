// Package envconfig reads engine defaults from environment variables.
//
// Every getter falls back to a built-in default when its variable is unset or
// malformed; malformed values are logged once per read at warning level.
package envconfig

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"k8s.io/klog/v2"
)

// Var returns an environment variable stripped of spaces and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault returns a getter for a boolean variable.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				klog.Warningf("invalid boolean %s=%q, using default %v", k, s, defaultValue)
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

// Uint returns a getter for an unsigned integer variable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				klog.Warningf("invalid integer %s=%q, using default %d", key, s, defaultValue)
				return defaultValue
			}
			return uint(n)
		}
		return defaultValue
	}
}

var (
	// LightMode controls intermediate eviction in sessions (NETRUN_LIGHT_MODE, default true).
	LightMode = BoolWithDefault("NETRUN_LIGHT_MODE")
	// GPUCompute enables the device path when a device is attached (NETRUN_GPU, default false).
	GPUCompute = BoolWithDefault("NETRUN_GPU")
	// Winograd enables transform-based 3x3 convolution (NETRUN_WINOGRAD, default true).
	Winograd = BoolWithDefault("NETRUN_WINOGRAD")
	// Sgemm enables gemm-based 1x1 convolution (NETRUN_SGEMM, default true).
	Sgemm = BoolWithDefault("NETRUN_SGEMM")
	// Int8 enables the quantized inference path and its fusions (NETRUN_INT8, default true).
	Int8 = BoolWithDefault("NETRUN_INT8")
	// FP16 enables half precision device storage (NETRUN_FP16, default: host capability).
	FP16 = BoolWithDefault("NETRUN_FP16")
)

// NumThreads returns NETRUN_NUM_THREADS, defaulting to the physical core count.
func NumThreads() int {
	n := Uint("NETRUN_NUM_THREADS", 0)()
	if n > 0 {
		return int(n)
	}
	return DefaultThreads()
}

// DefaultThreads returns the number of physical cores, or the logical CPU
// count when the processor could not be identified.
func DefaultThreads() int {
	if cpuid.CPU.PhysicalCores > 0 {
		return cpuid.CPU.PhysicalCores
	}
	return runtime.NumCPU()
}

// HostSupportsFP16 reports whether the processor has native half precision
// conversion or arithmetic.
func HostSupportsFP16() bool {
	return cpuid.CPU.Supports(cpuid.F16C) || cpuid.CPU.Supports(cpuid.FPHP)
}

// EnvVar describes one recognized variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognized variable with its effective value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NETRUN_NUM_THREADS": {"NETRUN_NUM_THREADS", NumThreads(), "Worker threads per session (default: physical cores)"},
		"NETRUN_LIGHT_MODE":  {"NETRUN_LIGHT_MODE", LightMode(true), "Evict intermediates once consumed"},
		"NETRUN_GPU":         {"NETRUN_GPU", GPUCompute(false), "Run sessions on the attached compute device"},
		"NETRUN_WINOGRAD":    {"NETRUN_WINOGRAD", Winograd(true), "Select Winograd for 3x3 stride-1 convolutions"},
		"NETRUN_SGEMM":       {"NETRUN_SGEMM", Sgemm(true), "Select gemm for 1x1 stride-1 convolutions"},
		"NETRUN_INT8":        {"NETRUN_INT8", Int8(true), "Enable int8 inference and requantize fusion"},
		"NETRUN_FP16":        {"NETRUN_FP16", FP16(HostSupportsFP16()), "Store device tensors in half precision"},
	}
}
