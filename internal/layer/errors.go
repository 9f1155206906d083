package layer

import (
	"github.com/pkg/errors"

	"github.com/born-ml/netrun/internal/gpu"
	"github.com/born-ml/netrun/internal/param"
)

// Error taxonomy shared by loading and execution. Errors returned by the
// engine wrap one of these; test with errors.Is.
var (
	// ErrMalformedStructure reports an unparseable or inconsistent structure description.
	ErrMalformedStructure = param.ErrMalformedStructure
	// ErrUnknownOperatorType reports a type id or name with no built-in or registered factory.
	ErrUnknownOperatorType = errors.New("unknown operator type")
	// ErrWeightBufferMismatch reports a truncated, misaligned or short weight buffer.
	ErrWeightBufferMismatch = errors.New("weight buffer mismatch")
	// ErrSlotIndexOutOfRange reports a reference to a nonexistent slot index.
	ErrSlotIndexOutOfRange = errors.New("slot index out of range")
	// ErrUnknownSlotName reports a reference to a nonexistent slot name.
	ErrUnknownSlotName = errors.New("unknown slot name")
	// ErrMissingRequiredInput reports evaluation reaching a slot nobody provided or produced.
	ErrMissingRequiredInput = errors.New("missing required input")
	// ErrOperatorForwardFailure reports an operator rejecting its actual inputs.
	ErrOperatorForwardFailure = errors.New("operator forward failure")
	// ErrDeviceCapabilityUnavailable reports a device path with no device or no device implementation.
	ErrDeviceCapabilityUnavailable = gpu.ErrDeviceCapabilityUnavailable

	// ErrGraphNotReady reports use of a graph whose structure or weights are not loaded.
	ErrGraphNotReady = errors.New("graph not ready")
	// ErrSessionsOutstanding reports a structural change while sessions are alive.
	ErrSessionsOutstanding = errors.New("sessions outstanding")
	// ErrSessionReleased reports use of a released session.
	ErrSessionReleased = errors.New("session released")
)

// forwardError wraps a kernel-level rejection.
func forwardError(format string, args ...any) error {
	return errors.Wrapf(ErrOperatorForwardFailure, format, args...)
}
