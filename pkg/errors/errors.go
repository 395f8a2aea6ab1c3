package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNameRequired        = errors.New("name is required")
	ErrAddressRequired     = errors.New("network address is required")
	ErrInvalidAddress      = errors.New("network address is malformed")
	ErrRoleRequired        = errors.New("a role is required to approve a device")
	ErrRoleNameRequired    = errors.New("role name is required")
	ErrBuiltinRole         = errors.New("built-in roles cannot be deleted")
	ErrNotPending          = errors.New("device is not pending a decision")
	ErrNotApproved         = errors.New("device is not approved")
	ErrSessionRunning      = errors.New("an inference session is already running")
	ErrSessionStopped      = errors.New("the session was stopped during startup")
	ErrNoSession           = errors.New("no inference session is active")
	ErrNoUsableDevices     = errors.New("no usable devices remain for this session")
	ErrModelRefRequired    = errors.New("model reference is required")
	ErrModelNameRequired   = errors.New("model name is required")
	ErrPullNotPermitted    = errors.New("role does not permit pulling models")
	ErrRPCBinaryMissing    = errors.New("rpc-server binary not found in PATH or the install directory")
	ErrServerBinaryMissing = errors.New("llama-server binary not found in PATH or the install directory")
)

// Kind classifies user-facing errors so callers can map them to a stable
// response code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindQuota       Kind = "quota_exceeded"
	KindForbidden   Kind = "forbidden"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

type kindedError struct {
	kind Kind
	err  error
}

func (e kindedError) Error() string { return e.err.Error() }

func (e kindedError) Unwrap() error { return e.err }

// WithKind attaches a Kind to err.
func WithKind(kind Kind, err error) error {
	return kindedError{kind: kind, err: err}
}

// KindOf reports the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ke kindedError
	if errors.As(err, &ke) {
		return ke.kind
	}

	return KindInternal
}

type deviceNotFoundError struct {
	id string
}

// Error returns the error message.
func (e deviceNotFoundError) Error() string {
	return fmt.Sprintf("device %s not found", e.id)
}

func NewDeviceNotFound(id string) error {
	return WithKind(KindNotFound, deviceNotFoundError{id: id})
}

type roleNotFoundError struct {
	id string
}

// Error returns the error message.
func (e roleNotFoundError) Error() string {
	return fmt.Sprintf("role %s not found", e.id)
}

func NewRoleNotFound(id string) error {
	return WithKind(KindNotFound, roleNotFoundError{id: id})
}

// QuotaExceededError is returned when an allocation request is above the
// device role's memory quota. The request is rejected, never truncated.
type QuotaExceededError struct {
	RequestedMB int64
	QuotaMB     int64
	RoleName    string
}

// Error returns the error message.
func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("requested %d MB exceeds role %q limit of %d MB", e.RequestedMB, e.RoleName, e.QuotaMB)
}

func NewQuotaExceeded(requested, quota int64, roleName string) error {
	return WithKind(KindQuota, QuotaExceededError{
		RequestedMB: requested,
		QuotaMB:     quota,
		RoleName:    roleName,
	})
}

type invalidTransitionError struct {
	from string
	to   string
}

// Error returns the error message.
func (e invalidTransitionError) Error() string {
	return fmt.Sprintf("invalid device status transition %s -> %s", e.from, e.to)
}

func NewInvalidTransition(from, to string) error {
	return WithKind(KindConflict, invalidTransitionError{from: from, to: to})
}
