// Package errs defines the error taxonomy shared by the gateway,
// orchestrators and HTTP handlers. Each type carries a stable code
// used in API error bodies.
package errs

import "fmt"

// AuthError means no usable credential was available, or every
// credential offered was rejected by the remote host.
type AuthError struct {
	Host   string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %s: %s", e.Host, e.Reason)
}

// TimeoutError covers both connect deadlines and per-command deadlines.
type TimeoutError struct {
	Op   string // "connect" or "command"
	Host string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out on %s", e.Op, e.Host)
}

// CommandFailed is returned in strict mode when a remote command exits
// non-zero. Output is retained for diagnostics.
type CommandFailed struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
}

// ClusterAPIError wraps failures from the Kubernetes control plane
// (namespace reads, scale updates).
type ClusterAPIError struct {
	Op  string
	Err error
}

func (e *ClusterAPIError) Error() string {
	return fmt.Sprintf("cluster api %s: %v", e.Op, e.Err)
}

func (e *ClusterAPIError) Unwrap() error { return e.Err }

// MissingBuildDescriptorError means a FILE-method deploy archive has no
// Dockerfile at its root. Raised before any build is attempted.
type MissingBuildDescriptorError struct {
	Path string
}

func (e *MissingBuildDescriptorError) Error() string {
	return fmt.Sprintf("no build descriptor (Dockerfile) at %s", e.Path)
}

// ValidationError is a malformed or inconsistent request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError covers unknown servers, units and expired tasks.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// BusyError signals a saturated worker pool queue.
type BusyError struct {
	Pool string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("worker pool %q is full, retry later", e.Pool)
}

func Validation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}
