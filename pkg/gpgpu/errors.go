package gpgpu

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEnvironment is matched by every UnsupportedEnvironmentError.
	ErrUnsupportedEnvironment = errors.New("gpgpu: unsupported environment")
	// ErrUnknownDependency is matched by every UnknownDependencyError.
	ErrUnknownDependency = errors.New("gpgpu: unknown dependency")
	// ErrDependenciesNotSet is returned by Init when a variable never had
	// SetDependencies called. Self-reads must be declared explicitly.
	ErrDependenciesNotSet = errors.New("gpgpu: dependencies not set")
	// ErrDuplicateVariable is returned when a variable name is reused.
	ErrDuplicateVariable = errors.New("gpgpu: duplicate variable")
	// ErrUnknownVariable is returned for handles this engine does not own.
	ErrUnknownVariable = errors.New("gpgpu: unknown variable")
	// ErrReservedName is returned for names that shadow built-in inputs.
	ErrReservedName = errors.New("gpgpu: reserved name")
	// ErrBufferSize is returned when a buffer does not match the domain.
	ErrBufferSize = errors.New("gpgpu: buffer size does not match domain")
	// ErrAlreadyInitialized is returned for declarations after Init.
	ErrAlreadyInitialized = errors.New("gpgpu: engine already initialized")
	// ErrNotInitialized is returned by Compute before a successful Init, after
	// a failed Init, or after Dispose.
	ErrNotInitialized = errors.New("gpgpu: engine not initialized")
	// ErrInvalidProgram is returned by Init when a host rejects a program.
	ErrInvalidProgram = errors.New("gpgpu: invalid program")
	// ErrUnknownUniform is returned when setting an undeclared uniform.
	ErrUnknownUniform = errors.New("gpgpu: unknown uniform")
	// ErrUniformType is returned when a uniform value does not fit its kind.
	ErrUniformType = errors.New("gpgpu: uniform type mismatch")
)

// UnsupportedEnvironmentError reports a missing host capability.
type UnsupportedEnvironmentError struct {
	Reason string
}

func (e *UnsupportedEnvironmentError) Error() string {
	return "gpgpu: unsupported environment: " + e.Reason
}

func (e *UnsupportedEnvironmentError) Unwrap() error { return ErrUnsupportedEnvironment }

// UnknownDependencyError names a dependency that was never added.
type UnknownDependencyError struct {
	Variable   string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("gpgpu: variable %q depends on unknown variable %q", e.Variable, e.Dependency)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }
