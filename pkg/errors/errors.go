package errors

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Argument and logic faults. They are rejected synchronously and never
// retried by the arbiter.
var (
	ErrInvalidArgument    = fmt.Errorf("invalid argument: %w", errdefs.ErrInvalidArgument)
	ErrVersionMismatch    = fmt.Errorf("arbiter protocol version mismatch: %w", errdefs.ErrInvalidArgument)
	ErrDuplicateVM        = fmt.Errorf("vm already registered: %w", errdefs.ErrAlreadyExists)
	ErrUnknownHandle      = fmt.Errorf("unknown vm handle: %w", errdefs.ErrNotFound)
	ErrUnknownResource    = fmt.Errorf("unknown resource: %w", errdefs.ErrNotFound)
	ErrDuplicateInterface = fmt.Errorf("assign interface already registered: %w", errdefs.ErrAlreadyExists)
	ErrUnknownInterface   = fmt.Errorf("assign interface not registered: %w", errdefs.ErrNotFound)
	ErrStillBound         = fmt.Errorf("assign interface still has a vm bound: %w", errdefs.ErrFailedPrecondition)
	ErrStillOwner         = fmt.Errorf("vm still owns a resource: %w", errdefs.ErrFailedPrecondition)
	ErrNotSupported       = fmt.Errorf("operation not supported by this platform: %w", errdefs.ErrNotImplemented)
	ErrNotRunning         = fmt.Errorf("arbiter is not running: %w", errdefs.ErrUnavailable)
)

// ErrOutOfResources is returned when registration cannot allocate a record.
// Callers may retry later.
var ErrOutOfResources = fmt.Errorf("out of vm records: %w", errdefs.ErrResourceExhausted)

// ErrInvariant marks ledger or registry corruption. The arbiter never
// proceeds past it.
var ErrInvariant = errors.New("arbiter invariant violated")

// ErrGrantTimeout is returned by the reference client when the GPU was not
// granted in time.
var ErrGrantTimeout = fmt.Errorf("gpu not granted in time: %w", errdefs.ErrUnavailable)

// BackendError is returned by a backend collaborator (assign, power,
// repartition). It is passed through the arbiter unmodified. Code is the
// negated return value of the device driver: unix.EINVAL, ENODEV, EIO or
// EFAULT.
type BackendError struct {
	Op   string
	Code unix.Errno
}

// Error returns the error message.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %s (-%d)", e.Op, e.Code.Error(), uintptr(e.Code))
}

// Unwrap returns the errno.
func (e *BackendError) Unwrap() error {
	return e.Code
}

// NewBackendError creates a backend error for the given operation.
func NewBackendError(op string, code unix.Errno) error {
	return &BackendError{Op: op, Code: code}
}

// BackendCode returns the errno of a backend error.
func BackendCode(err error) (unix.Errno, bool) {
	var be *BackendError
	if !errors.As(err, &be) {
		return 0, false
	}

	return be.Code, true
}

// IsBackend reports whether err came from a backend collaborator.
func IsBackend(err error) bool {
	var be *BackendError

	return errors.As(err, &be)
}

// ProtocolViolation describes an event that did not match the VM's state.
// Violations are discarded with a diagnostic, never returned to the VM.
type ProtocolViolation struct {
	Event string
	State string
}

// Error returns the error message.
func (e ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s while %s", e.Event, e.State)
}

type invariantError struct {
	detail string
}

// Error returns the error message.
func (e invariantError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvariant, e.detail)
}

func (e invariantError) Unwrap() error {
	return ErrInvariant
}

// NewInvariantViolation creates an error wrapping ErrInvariant.
func NewInvariantViolation(format string, args ...interface{}) error {
	return invariantError{detail: fmt.Sprintf(format, args...)}
}

// CallbackError is returned when a VM callback could not be delivered. The
// arbiter treats it as an implicit forced loss of the VM's resource.
type CallbackError struct {
	Callback string
	Err      error
}

// Error returns the error message.
func (e *CallbackError) Error() string {
	return fmt.Sprintf("vm callback %s failed: %s", e.Callback, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
