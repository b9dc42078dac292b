package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grainery/pluginhost/internal/plugin/rpc"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// fakeAdapter is a minimal HostAdapter recording every HostCall so tests
// can assert a handler actually ran.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string
	doc   pplugin.Document
}

func (f *fakeAdapter) DocumentGet(_ context.Context, _ string) (pplugin.Document, error) {
	return f.doc, nil
}
func (f *fakeAdapter) DocumentReplace(_ context.Context, _ string, tree pplugin.Document) error {
	f.doc = tree
	return nil
}
func (f *fakeAdapter) GetPluginData(_ context.Context, _ string) (any, error) { return nil, nil }
func (f *fakeAdapter) SetPluginData(_ context.Context, _ string, _ any) error { return nil }
func (f *fakeAdapter) HostCall(_ context.Context, _, operation string, _ any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, operation)
	f.mu.Unlock()
	return nil, nil
}
func (f *fakeAdapter) RequestPermission(_ context.Context, _ string, _ pplugin.OptionalPermission) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) recordedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func startSession(t *testing.T, entry string) (*Session, *fakeAdapter) {
	t.Helper()
	adapter := &fakeAdapter{}
	s := New(pplugin.Manifest{ID: "test-plugin"}, entry, adapter)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, adapter
}

func TestSessionStartAndInvokeCommand(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({
    id: "greet",
    title: "Greet",
    handler: function(payload) { return "hello " + payload.metadata; }
  });
};
`
	s, _ := startSession(t, entry)
	defer s.Shutdown(context.Background())

	result, err := s.Invoke(context.Background(), "command", "greet", map[string]any{"metadata": "world"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "hello world" {
		t.Fatalf("result = %v, want %q", result, "hello world")
	}
}

func TestSessionEmitsRegisterEventWithKindOnType(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "cmd1", title: "Cmd", handler: function() { return 1; }});
};
`
	s, _ := startSession(t, entry)
	defer s.Shutdown(context.Background())

	var gotRegister bool
	deadline := time.After(time.Second)
	for !gotRegister {
		select {
		case ev := <-s.Events():
			if rpc.IsRegister(ev.Type) {
				if rpc.RegisterKind(ev.Type) != "command" {
					t.Fatalf("RegisterKind(%q) = %q, want %q", ev.Type, rpc.RegisterKind(ev.Type), "command")
				}
				if ev.RegisterLocal != "cmd1" {
					t.Fatalf("RegisterLocal = %q, want %q", ev.RegisterLocal, "cmd1")
				}
				gotRegister = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for register-command event")
		}
	}
}

func TestSessionInvokeUnknownMethod(t *testing.T) {
	s, _ := startSession(t, `module.exports.setup = function(api) {};`)
	defer s.Shutdown(context.Background())

	if _, err := s.Invoke(context.Background(), "bogus", "x", nil); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestSessionInvokeUnregisteredCommand(t *testing.T) {
	s, _ := startSession(t, `module.exports.setup = function(api) {};`)
	defer s.Shutdown(context.Background())

	if _, err := s.Invoke(context.Background(), "command", "missing", nil); err == nil {
		t.Fatal("expected error for unregistered command target")
	}
}

func TestSessionHandlerPanicIsRecovered(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "boom", title: "Boom", handler: function() { throw new Error("kaboom"); }});
};
`
	s, _ := startSession(t, entry)
	defer s.Shutdown(context.Background())

	_, err := s.Invoke(context.Background(), "command", "boom", nil)
	if err == nil {
		t.Fatal("expected an error from a throwing handler")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected error to mention the thrown message, got: %v", err)
	}
}

func TestSessionStartFailsOnMissingSetup(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(pplugin.Manifest{ID: "p"}, `var x = 1;`, adapter)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when entry source exports no setup()")
	}
}

func TestSessionStartFailsOnCompileError(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(pplugin.Manifest{ID: "p"}, `this is not valid javascript {{{`, adapter)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail on a syntax error")
	}
}

func TestSessionShutdownCallsDisposeOnSessionGoroutine(t *testing.T) {
	// dispose closes over the api captured during setup, so calling
	// hostCall from dispose proves it ran inside loop() on the session's
	// own goroutine — the only place s.vm (and s.adapter indirectly) may
	// safely be touched.
	entry := `
var savedApi;
module.exports.setup = function(api) {
  savedApi = api;
};
module.exports.dispose = function() {
  savedApi.hostCall("disposed", null);
};
`
	s, adapter := startSession(t, entry)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	calls := adapter.recordedCalls()
	if len(calls) != 1 || calls[0] != "disposed" {
		t.Fatalf("expected dispose to have called hostCall(\"disposed\"), got %v", calls)
	}
}

func TestSessionShutdownWithoutDisposeIsANoop(t *testing.T) {
	s, _ := startSession(t, `module.exports.setup = function(api) {};`)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSessionRejectsInvokeAfterShutdown(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "cmd", title: "Cmd", handler: function() { return 1; }});
};
`
	s, _ := startSession(t, entry)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := s.Invoke(context.Background(), "command", "cmd", nil); err == nil {
		t.Fatal("expected Invoke to fail once the session is closed")
	}
}

func TestSessionConcurrentInvokesDoNotRace(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "cmd", title: "Cmd", handler: function(p) { return p; }});
};
`
	s, _ := startSession(t, entry)
	defer s.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Invoke(context.Background(), "command", "cmd", i); err != nil {
				t.Errorf("Invoke: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestDispatchRejectsInvalidHostToWorkerType(t *testing.T) {
	s, _ := startSession(t, `module.exports.setup = function(api) {};`)
	defer s.Shutdown(context.Background())

	resp := s.dispatch(rpc.Envelope{Type: rpc.TypeReady, RequestID: "r1"})
	if resp.OK {
		t.Fatal("expected dispatch to reject a worker->host type arriving as if it were host->worker")
	}
}

func TestUIEvaluateBatchDefaultsControlState(t *testing.T) {
	entry := `
module.exports.setup = function(api) {
  api.registerUIControl({id: "ctl", mount: "top-bar"});
};
`
	s, _ := startSession(t, entry)
	defer s.Shutdown(context.Background())

	result, err := s.Invoke(context.Background(), "ui-evaluate", "", UIEvalRequest{ControlIDs: []string{"ctl"}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	batch, ok := result.(UIEvalResult)
	if !ok {
		t.Fatalf("result type = %T, want UIEvalResult", result)
	}
	state, ok := batch.Controls["ctl"]
	if !ok {
		t.Fatal("expected a state entry for \"ctl\"")
	}
	if !state.Visible || state.Disabled || state.Active {
		t.Fatalf("expected default state, got %+v", state)
	}
}
