package plugin

import "fmt"

// ValidationError is a fatal, session-ending error: a registration used an
// undeclared id or malformed content.
type ValidationError struct {
	PluginID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plugin %s: validation error: %s", e.PluginID, e.Reason)
}

// PermissionDeniedError is returned to a plugin whose host-request named a
// capability it does not hold. Never propagated past the RPC boundary as a
// Go error - it is carried back to the worker as an ok=false response, but
// kept as a typed error internally so host-side callers can detect it with
// errors.As.
type PermissionDeniedError struct {
	Capability string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("Permission denied: %s", e.Capability)
}

// ActivationError is plugin-scoped: the activation event wasn't declared,
// the entry source is missing, the worker crashed while loading, or the
// ready timeout elapsed.
type ActivationError struct {
	PluginID string
	Reason   string
	Cause    error
}

func (e *ActivationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("plugin %s: activation failed: %s: %v", e.PluginID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("plugin %s: activation failed: %s", e.PluginID, e.Reason)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// InvocationError is call-scoped: a handler threw, the target id was
// unknown, or the invocation timed out.
type InvocationError struct {
	PluginID string
	Method   string
	TargetID string
	Reason   string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("plugin %s: invoke %s(%s): %s", e.PluginID, e.Method, e.TargetID, e.Reason)
}

// CrashError is session-scoped: a worker error event or message-decode
// failure. No code path returns it: the lifecycle manager's crash handling
// logs the cause and shuts the session down, and an Invoke that can no
// longer reach the shut-down session fails with a plain "session closed"
// error.
type CrashError struct {
	PluginID string
	Cause    error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("plugin %s: sandbox crashed: %v", e.PluginID, e.Cause)
}

func (e *CrashError) Unwrap() error { return e.Cause }

// PluginNotFoundError mirrors the teacher's typed not-found error, adapted
// to the lifecycle manager's plugin table.
type PluginNotFoundError struct {
	PluginID string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin not found: %s", e.PluginID)
}

// PluginDisabledError is returned when a dispatcher targets a plugin that
// is installed but currently disabled.
type PluginDisabledError struct {
	PluginID string
}

func (e *PluginDisabledError) Error() string {
	return fmt.Sprintf("plugin disabled: %s", e.PluginID)
}

// SizeError is returned by SetPluginData when the encoded value exceeds the
// per-plugin blob cap.
type SizeError struct {
	Limit, Actual int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("plugin data exceeds size cap: %d > %d bytes", e.Actual, e.Limit)
}
