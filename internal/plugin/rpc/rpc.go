// Package rpc implements the type-narrowing host<->worker message envelope
// (component D): two closed message families, monotonic request ids, and
// the default invocation timeout.
package rpc

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the default bound on a host-initiated invocation
// awaiting its response, per spec.md §4.D/§5.
const DefaultTimeout = 8 * time.Second

// Type is the closed discriminant carried by every envelope.
type Type string

// Host -> worker message types.
const (
	TypeInit     Type = "init"
	TypeInvoke   Type = "invoke"
	TypeResponse Type = "response"
	TypeShutdown Type = "shutdown"
)

// Worker -> host message types. TypeRegister is a family:
// "register-command", "register-transform", etc — IsRegister reports
// membership since the exact kind suffix varies.
const (
	TypeReady             Type = "ready"
	TypeError             Type = "error"
	TypeHostRequest       Type = "host-request"
	TypePermissionRequest Type = "permission-request"
)

const registerPrefix = "register-"

// IsRegister reports whether t is a "register-<kind>" message.
func IsRegister(t Type) bool {
	return len(t) > len(registerPrefix) && string(t[:len(registerPrefix)]) == registerPrefix
}

// RegisterKind extracts "<kind>" from a "register-<kind>" type, or "" if t
// is not a register message.
func RegisterKind(t Type) string {
	if !IsRegister(t) {
		return ""
	}
	return string(t[len(registerPrefix):])
}

// hostToWorker is the closed set a worker-bound parser accepts.
var hostToWorker = map[Type]bool{
	TypeInit: true, TypeInvoke: true, TypeResponse: true, TypeShutdown: true,
}

// workerToHostFixed is the closed set of fixed (non-register) worker->host
// types; register-* is matched separately via IsRegister.
var workerToHostFixed = map[Type]bool{
	TypeReady: true, TypeError: true, TypeHostRequest: true,
	TypePermissionRequest: true, TypeResponse: true,
}

// ValidHostToWorker rejects any message whose discriminant is not on the
// closed host->worker list.
func ValidHostToWorker(t Type) bool { return hostToWorker[t] }

// ValidWorkerToHost rejects any message whose discriminant is not on the
// closed worker->host list (fixed types or a well-formed register-<kind>).
func ValidWorkerToHost(t Type) bool {
	return workerToHostFixed[t] || IsRegister(t)
}

// Envelope is the single wire shape for every host<->worker message. Only
// the fields relevant to Type are populated; this mirrors the teacher's
// HostAPIRPCRequest/HostAPIRPCResponse generic-envelope idiom generalised
// to a full tagged union.
type Envelope struct {
	Type Type `json:"type"`

	// init
	PluginID    string `json:"pluginId,omitempty"`
	ManifestRaw any    `json:"manifest,omitempty"`
	EntrySource string `json:"entrySource,omitempty"`

	// invoke / host-request / permission-request / response
	RequestID string `json:"requestId,omitempty"`
	Method    string `json:"method,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Operation string `json:"operation,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Result    any    `json:"result,omitempty"`
	ErrorMsg  string `json:"error,omitempty"`
	Permission string `json:"permission,omitempty"`

	// register-<kind>
	Descriptor any `json:"descriptor,omitempty"`
}

// IDAllocator hands out monotonic, process-unique request ids with a
// caller-supplied prefix (e.g. the plugin id), so ids are traceable back to
// their owning session in logs.
type IDAllocator struct {
	prefix  string
	counter uint64
}

// NewIDAllocator builds an allocator scoped to prefix.
func NewIDAllocator(prefix string) *IDAllocator {
	return &IDAllocator{prefix: prefix}
}

// Next returns the next request id.
func (a *IDAllocator) Next() string {
	n := atomic.AddUint64(&a.counter, 1)
	return fmt.Sprintf("%s-%d", a.prefix, n)
}
