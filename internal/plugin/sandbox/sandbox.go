// Package sandbox implements one isolated goja execution context per
// enabled plugin (component E). Each Session owns exactly one
// *goja.Runtime and confines every touch of it to a single goroutine —
// goja runtimes are not safe for concurrent use, and this happens to match
// the Web-Worker-equivalent single-thread-per-worker model spec.md calls
// for. Host->session invoke/response traffic (including dispose) is
// carried as rpc.Envelope values over Go channels and always lands on that
// one goroutine inside loop(); session->host notifications (ready, error,
// register-<kind>) go the other way as Event values tagging the same
// rpc.Type discriminants. There is no other shared memory between a
// session and the rest of the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/grainery/pluginhost/internal/plugin/rpc"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// HostAdapter is the set of operations a session's api object can reach
// into the host for. The implementation gates each call on the plugin's
// permissions when it is made — see internal/plugin/hostadapter.go. The
// session invokes these synchronously on its own goroutine rather than
// round-tripping through a channel: both sides live in the same process,
// so there is nothing a channel hop would buy beyond what the single-
// goroutine confinement already guarantees.
type HostAdapter interface {
	DocumentGet(ctx context.Context, pluginID string) (pplugin.Document, error)
	DocumentReplace(ctx context.Context, pluginID string, tree pplugin.Document) error
	GetPluginData(ctx context.Context, pluginID string) (any, error)
	SetPluginData(ctx context.Context, pluginID string, value any) error
	HostCall(ctx context.Context, pluginID, operation string, payload any) (any, error)
	RequestPermission(ctx context.Context, pluginID string, perm pplugin.OptionalPermission) (bool, error)
}

// Event is a notification the session emits toward the host: ready, error
// (crash), or a runtime registration. For register-<kind> events, the kind
// is carried on Type itself (see rpc.RegisterKind) rather than duplicated
// onto a separate field.
type Event struct {
	Type          rpc.Type
	PluginID      string
	Err           error
	RegisterLocal string
	Descriptor    any
}

type invokeRequest struct {
	env   rpc.Envelope
	reply chan rpc.Envelope
}

type invokeReply struct {
	ok     bool
	result any
	err    error
}

// Session is one plugin's sandbox session.
type Session struct {
	id          string
	instanceID  string
	manifest    pplugin.Manifest
	entrySource string
	adapter     HostAdapter

	events  chan Event
	inbox   chan invokeRequest
	closing chan struct{}
	closed  chan struct{}

	vm *goja.Runtime

	commands     map[string]goja.Callable
	transforms   map[string]transformEntry
	exporters    map[string]goja.Callable
	importers    map[string]goja.Callable
	statusBadges map[string]goja.Callable
	annotations  map[string]goja.Callable

	uiControlTrigger  map[string]goja.Callable
	uiControlVisible  map[string]goja.Callable
	uiControlDisabled map[string]goja.Callable
	uiControlActive   map[string]goja.Callable
	uiPanelAction     map[string]goja.Callable
	uiPanelRender     map[string]goja.Callable

	disposeFn goja.Callable
	ids       *rpc.IDAllocator
}

type transformEntry struct {
	hook     string
	priority int
	fn       goja.Callable
}

// New creates an un-started session. Call Start to load the entry source
// and run setup(api).
func New(manifest pplugin.Manifest, entrySource string, adapter HostAdapter) *Session {
	return &Session{
		id:                manifest.ID,
		instanceID:        uuid.NewString(),
		manifest:          manifest,
		entrySource:       entrySource,
		adapter:           adapter,
		events:            make(chan Event, 64),
		inbox:             make(chan invokeRequest),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
		commands:          map[string]goja.Callable{},
		transforms:        map[string]transformEntry{},
		exporters:         map[string]goja.Callable{},
		importers:         map[string]goja.Callable{},
		statusBadges:      map[string]goja.Callable{},
		annotations:       map[string]goja.Callable{},
		uiControlTrigger:  map[string]goja.Callable{},
		uiControlVisible:  map[string]goja.Callable{},
		uiControlDisabled: map[string]goja.Callable{},
		uiControlActive:   map[string]goja.Callable{},
		uiPanelAction:     map[string]goja.Callable{},
		uiPanelRender:     map[string]goja.Callable{},
		ids:               rpc.NewIDAllocator(manifest.ID),
	}
}

// InstanceID is the session's log-correlation id.
func (s *Session) InstanceID() string { return s.instanceID }

// Events returns the channel of notifications (ready/error/register-*) the
// host must continuously drain.
func (s *Session) Events() <-chan Event { return s.events }

// Start spins up the session goroutine, builds the JS runtime, loads the
// entry source and invokes setup(api). It blocks until the session either
// emits ready or fails to load.
func (s *Session) Start(ctx context.Context) error {
	readyCh := make(chan error, 1)
	go s.run(readyCh)

	select {
	case err := <-readyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(rpc.DefaultTimeout):
		return fmt.Errorf("plugin %s: timed out waiting for ready", s.id)
	}
}

func (s *Session) run(readyCh chan<- error) {
	defer close(s.closed)

	vm := goja.New()
	s.vm = vm

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during setup: %v", r)
			readyCh <- err
			s.events <- Event{Type: rpc.TypeError, PluginID: s.id, Err: err}
		}
	}()

	api := s.buildAPI()

	program, err := goja.Compile(s.id, wrapModule(s.entrySource), false)
	if err != nil {
		err = fmt.Errorf("compiling entry source: %w", err)
		readyCh <- err
		s.events <- Event{Type: rpc.TypeError, PluginID: s.id, Err: err}
		return
	}

	moduleVal, err := vm.RunProgram(program)
	if err != nil {
		err = fmt.Errorf("loading entry source: %w", err)
		readyCh <- err
		s.events <- Event{Type: rpc.TypeError, PluginID: s.id, Err: err}
		return
	}

	// wrapModule guarantees the program's completion value is an object
	// with setup and (optionally) dispose pulled off module.exports.
	moduleObj := moduleVal.ToObject(vm)
	setupFn, ok := goja.AssertFunction(moduleObj.Get("setup"))
	if !ok {
		err := fmt.Errorf("entry source does not export a setup(api) function")
		readyCh <- err
		s.events <- Event{Type: rpc.TypeError, PluginID: s.id, Err: err}
		return
	}
	if disposeFn, ok := goja.AssertFunction(moduleObj.Get("dispose")); ok {
		s.disposeFn = disposeFn
	}

	apiVal := vm.ToValue(api)
	if _, err := setupFn(goja.Undefined(), apiVal); err != nil {
		err = fmt.Errorf("setup() threw: %w", err)
		readyCh <- err
		s.events <- Event{Type: rpc.TypeError, PluginID: s.id, Err: err}
		return
	}

	readyCh <- nil
	s.events <- Event{Type: rpc.TypeReady, PluginID: s.id}

	s.loop()
}

// wrapModule materialises raw entry source text into a single expression
// that evaluates to an object exposing module.exports.setup and
// module.exports.dispose, so the host doesn't need a full CommonJS/ESM
// module loader for what is, per spec.md, just "a module that exports
// setup(api) and, optionally, dispose()".
func wrapModule(source string) string {
	return "(function(){ var module = {exports:{}}; var exports = module.exports;\n" +
		source +
		"\nreturn {setup: module.exports.setup || exports.setup, dispose: module.exports.dispose || exports.dispose}; })()"
}

// loop is the session's single goroutine's steady-state: it services
// Invoke requests (including dispose, which arrives as an ordinary invoke
// envelope) until told to shut down. All goja touches happen here.
func (s *Session) loop() {
	for {
		select {
		case req := <-s.inbox:
			req.reply <- s.dispatch(req.env)
		case <-s.closing:
			return
		}
	}
}

// dispatch validates env against the closed host->worker type set and
// routes it to the appropriate handler, producing a response envelope.
func (s *Session) dispatch(env rpc.Envelope) rpc.Envelope {
	if !rpc.ValidHostToWorker(env.Type) {
		return rpc.Envelope{Type: rpc.TypeResponse, RequestID: env.RequestID, OK: false,
			ErrorMsg: fmt.Sprintf("invalid host->worker message type %q", env.Type)}
	}
	switch env.Type {
	case rpc.TypeInvoke:
		r := s.invokeLocal(env.Method, env.TargetID, env.Payload)
		resp := rpc.Envelope{Type: rpc.TypeResponse, RequestID: env.RequestID, OK: r.ok, Result: r.result}
		if r.err != nil {
			resp.ErrorMsg = r.err.Error()
		}
		return resp
	default:
		return rpc.Envelope{Type: rpc.TypeResponse, RequestID: env.RequestID, OK: false,
			ErrorMsg: fmt.Sprintf("unsupported message type %q", env.Type)}
	}
}

// invokeLocal runs the handler named by method/targetID against the
// session's handler tables. method "dispose" reaches the plugin's
// dispose() the same way every other invocation does, so it is never
// called from any goroutine but this one.
func (s *Session) invokeLocal(method, targetID string, payload any) (reply invokeReply) {
	defer func() {
		if r := recover(); r != nil {
			reply = invokeReply{ok: false, err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	switch method {
	case "command":
		return s.callSimple(s.commands[targetID], payload)
	case "transform":
		t, ok := s.transforms[targetID]
		if !ok {
			return invokeReply{ok: false, err: fmt.Errorf("unknown transform %q", targetID)}
		}
		return s.callSimple(t.fn, payload)
	case "exporter":
		return s.callSimple(s.exporters[targetID], payload)
	case "importer":
		return s.callSimple(s.importers[targetID], payload)
	case "status":
		return s.callSimple(s.statusBadges[targetID], payload)
	case "inline-annotations":
		return s.callSimple(s.annotations[targetID], payload)
	case "ui-control":
		return s.callSimple(s.uiControlTrigger[targetID], payload)
	case "ui-panel-action":
		return s.callSimple(s.uiPanelAction[targetID], payload)
	case "ui-evaluate":
		return s.evaluateUIBatch(payload)
	case "dispose":
		if s.disposeFn == nil {
			return invokeReply{ok: true}
		}
		return s.callSimple(s.disposeFn, payload)
	default:
		return invokeReply{ok: false, err: fmt.Errorf("unknown method %q", method)}
	}
}

func (s *Session) callSimple(fn goja.Callable, payload any) invokeReply {
	if fn == nil {
		return invokeReply{ok: false, err: fmt.Errorf("no handler registered")}
	}
	val, err := fn(goja.Undefined(), s.vm.ToValue(payload))
	if err != nil {
		return invokeReply{ok: false, err: err}
	}
	return invokeReply{ok: true, result: val.Export()}
}

// UIEvalRequest/Result mirror the batch ui-evaluate shape from spec.md
// §4.E/§4.J.
type UIEvalRequest struct {
	ControlIDs []string       `json:"controlIds"`
	PanelIDs   []string       `json:"panelIds"`
	Context    map[string]any `json:"context"`
}

type UIControlState struct {
	Visible  bool   `json:"visible"`
	Disabled bool   `json:"disabled"`
	Active   bool   `json:"active"`
	Text     string `json:"text,omitempty"`
}

type UIEvalResult struct {
	Controls map[string]UIControlState `json:"controls"`
	Panels   map[string]any            `json:"panels"`
}

func (s *Session) evaluateUIBatch(payload any) invokeReply {
	req, ok := payload.(UIEvalRequest)
	if !ok {
		return invokeReply{ok: false, err: fmt.Errorf("malformed ui-evaluate payload")}
	}
	out := UIEvalResult{Controls: map[string]UIControlState{}, Panels: map[string]any{}}
	for _, id := range req.ControlIDs {
		out.Controls[id] = s.evaluateControl(id, req.Context)
	}
	for _, id := range req.PanelIDs {
		if fn, ok := s.uiPanelRender[id]; ok {
			val, err := fn(goja.Undefined(), s.vm.ToValue(req.Context))
			if err == nil {
				out.Panels[id] = val.Export()
			}
		}
	}
	return invokeReply{ok: true, result: out}
}

// evaluateControl applies the documented default ({visible:true,
// disabled:false, active:false}) when a plugin omits a handler — spec.md §9.
func (s *Session) evaluateControl(id string, evalCtx map[string]any) UIControlState {
	state := UIControlState{Visible: true, Disabled: false, Active: false}
	if fn, ok := s.uiControlVisible[id]; ok {
		if val, err := fn(goja.Undefined(), s.vm.ToValue(evalCtx)); err == nil {
			state.Visible = val.ToBoolean()
		}
	}
	if fn, ok := s.uiControlDisabled[id]; ok {
		if val, err := fn(goja.Undefined(), s.vm.ToValue(evalCtx)); err == nil {
			state.Disabled = val.ToBoolean()
		}
	}
	if fn, ok := s.uiControlActive[id]; ok {
		if val, err := fn(goja.Undefined(), s.vm.ToValue(evalCtx)); err == nil {
			state.Active = val.ToBoolean()
		}
	}
	return state
}

// Invoke sends method(targetID, payload) to the session and awaits the
// response, bounded by DefaultTimeout. On timeout the pending call is
// abandoned (the reply channel is buffered so the session goroutine never
// blocks delivering a late result) — the worker itself is not killed,
// per spec.md §5.
func (s *Session) Invoke(ctx context.Context, method, targetID string, payload any) (any, error) {
	env := rpc.Envelope{Type: rpc.TypeInvoke, RequestID: s.ids.Next(), Method: method, TargetID: targetID, Payload: payload}
	if !rpc.ValidHostToWorker(env.Type) {
		return nil, fmt.Errorf("plugin %s: invalid message type %q", s.id, env.Type)
	}

	reply := make(chan rpc.Envelope, 1)
	req := invokeRequest{env: env, reply: reply}

	select {
	case s.inbox <- req:
	case <-s.closed:
		return nil, fmt.Errorf("plugin %s: session closed", s.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timeout := time.NewTimer(rpc.DefaultTimeout)
	defer timeout.Stop()

	select {
	case resp := <-reply:
		if !rpc.ValidWorkerToHost(resp.Type) {
			return nil, fmt.Errorf("plugin %s: invalid worker->host message type %q", s.id, resp.Type)
		}
		if !resp.OK {
			return nil, errors.New(resp.ErrorMsg)
		}
		return resp.Result, nil
	case <-timeout.C:
		return nil, fmt.Errorf("plugin %s: invocation %s(%s) timed out", s.id, method, targetID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown awaits dispose() (if the plugin declared one) by routing it
// through the same Invoke/loop() path as any other call, so dispose never
// touches s.vm from a goroutine other than the session's own, then
// terminates the session goroutine.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.disposeFn != nil {
		disposeCtx, cancel := context.WithTimeout(ctx, rpc.DefaultTimeout)
		_, _ = s.Invoke(disposeCtx, "dispose", "", nil)
		cancel()
	}
	close(s.closing)
	<-s.closed
	return nil
}
