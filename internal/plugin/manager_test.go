package plugin

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// fakeShell is a minimal pplugin.OSShellClient backed by an in-memory
// installed-plugin list, enough to drive Reload/EnsureActivated without a
// real OS shell.
type fakeShell struct {
	mu        sync.Mutex
	installed []pplugin.InstalledPlugin
	disabled  map[string]bool
}

func newFakeShell(installed ...pplugin.InstalledPlugin) *fakeShell {
	return &fakeShell{installed: installed, disabled: map[string]bool{}}
}

func (f *fakeShell) PluginListInstalled(ctx context.Context) ([]pplugin.InstalledPlugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pplugin.InstalledPlugin, len(f.installed))
	for i, ip := range f.installed {
		if f.disabled[ip.Manifest.ID] {
			ip.Enabled = false
		}
		out[i] = ip
	}
	return out, nil
}

func (f *fakeShell) PluginInstallFromFile(ctx context.Context, path string) (pplugin.InstalledPlugin, error) {
	return pplugin.InstalledPlugin{}, fmt.Errorf("not implemented")
}

func (f *fakeShell) PluginFetchRegistryIndex(ctx context.Context, registryURL string) ([]pplugin.RegistryEntry, error) {
	return nil, nil
}

func (f *fakeShell) PluginInstallFromRegistry(ctx context.Context, registryURL, pluginID, version string) (pplugin.InstalledPlugin, error) {
	return pplugin.InstalledPlugin{}, fmt.Errorf("not implemented")
}

func (f *fakeShell) PluginUninstall(ctx context.Context, pluginID string) error { return nil }

func (f *fakeShell) PluginEnableDisable(ctx context.Context, pluginID string, enabled bool) (pplugin.InstalledPlugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[pluginID] = !enabled
	for _, ip := range f.installed {
		if ip.Manifest.ID == pluginID {
			ip.Enabled = enabled
			return ip, nil
		}
	}
	return pplugin.InstalledPlugin{}, &PluginNotFoundError{PluginID: pluginID}
}

func (f *fakeShell) PluginUpdatePermissions(ctx context.Context, pluginID string, permissions map[pplugin.OptionalPermission]bool) (pplugin.InstalledPlugin, error) {
	return pplugin.InstalledPlugin{}, nil
}

func (f *fakeShell) PluginGetLockRecords(ctx context.Context) ([]pplugin.LockRecord, error) {
	return nil, nil
}

func (f *fakeShell) PluginHostCall(ctx context.Context, pluginID, operation string, payload any) (any, error) {
	return nil, nil
}

func (f *fakeShell) RequestPermissionConfirmation(ctx context.Context, pluginID string, perm pplugin.OptionalPermission) (bool, error) {
	return true, nil
}

// fakeDocs is a minimal pplugin.DocumentAccessor over an in-memory tree.
type fakeDocs struct {
	mu   sync.Mutex
	doc  pplugin.Document
	data map[string]any
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{doc: pplugin.Document{"type": "screenplay"}, data: map[string]any{}}
}

func (d *fakeDocs) GetDocument() pplugin.Document { return d.doc }
func (d *fakeDocs) ReplaceDocument(tree pplugin.Document) error {
	d.doc = tree
	return nil
}
func (d *fakeDocs) GetPluginData(pluginID string) (any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[pluginID]
	return v, ok
}
func (d *fakeDocs) SetPluginData(pluginID string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[pluginID] = value
	return nil
}

// commandManifest builds a minimal, valid manifest declaring one command
// contribution and onStartup activation, entry source registering that
// command.
func commandManifest(id string) (pplugin.Manifest, string) {
	m := pplugin.Manifest{
		ID:               id,
		Name:             id,
		Version:          "1.0.0",
		Entry:            "index.js",
		Engine:           pplugin.EngineCompat{Min: "1.0.0"},
		CorePermissions:  []pplugin.CorePermission{pplugin.PermDocumentRead},
		ActivationEvents: []pplugin.ActivationEvent{pplugin.ActivationOnStartup},
		Contributes: pplugin.Contributions{
			Commands: []pplugin.CommandSpec{{ID: "greet", Title: "Greet"}},
		},
	}
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "greet", title: "Greet", handler: function(p) { return "ok"; }});
};
`
	return m, entry
}

func installedPlugin(id string, enabled bool) pplugin.InstalledPlugin {
	m, entry := commandManifest(id)
	return pplugin.InstalledPlugin{
		Manifest:    m,
		TrustState:  pplugin.TrustUnverified,
		EntrySource: entry,
		Enabled:     enabled,
	}
}

func TestManagerReloadActivatesOnStartup(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.greeter", true))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)

	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	state, err := mgr.State("com.example.greeter")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != StateActive {
		t.Fatalf("state = %q, want %q", state, StateActive)
	}
}

func TestManagerReloadSkipsDisabledPlugin(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.off", false))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)

	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	state, err := mgr.State("com.example.off")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != StateInactive {
		t.Fatalf("state = %q, want %q", state, StateInactive)
	}
}

func TestManagerEnsureActivatedUnknownPlugin(t *testing.T) {
	mgr := NewManager(newFakeShell(), newFakeDocs(), nil, nil)
	err := mgr.EnsureActivated(context.Background(), "nope", pplugin.ActivationOnStartup)
	var notFound *PluginNotFoundError
	if err == nil {
		t.Fatal("expected an error for an unknown plugin")
	}
	if !errors.As(err, &notFound) {
		t.Fatalf("expected a PluginNotFoundError, got %T: %v", err, err)
	}
}

func TestManagerEnsureActivatedUndeclaredEvent(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.greeter", true))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)
	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	err := mgr.EnsureActivated(context.Background(), "com.example.greeter", pplugin.ActivationEvent("onCommand:nothere"))
	var activationErr *ActivationError
	if !errors.As(err, &activationErr) {
		t.Fatalf("expected an ActivationError for an undeclared event, got %T: %v", err, err)
	}
}

func TestManagerEnsureActivatedIsIdempotentConcurrently(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.greeter", true))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)
	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	// onStartup already ran during Reload; hammer EnsureActivated again
	// concurrently and confirm every caller observes the same success.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.EnsureActivated(context.Background(), "com.example.greeter", pplugin.ActivationOnStartup)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("EnsureActivated[%d]: %v", i, err)
		}
	}
}

func TestManagerInvokeRoutesToActiveSession(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.greeter", true))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)
	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	result, err := mgr.Invoke(context.Background(), "com.example.greeter", "command", "greet", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result = %v, want %q", result, "ok")
	}
}

func TestManagerInvokeRejectsUnknownPlugin(t *testing.T) {
	shell := newFakeShell(installedPlugin("com.example.greeter", true))
	mgr := NewManager(shell, newFakeDocs(), nil, nil)
	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	// A plugin id that was never installed is rejected before any session
	// lookup.
	_, err := mgr.Invoke(context.Background(), "com.example.nope", "command", "greet", nil)
	var notFound *PluginNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected PluginNotFoundError, got %T: %v", err, err)
	}
}

func TestManagerRuntimeRegistrationOfUndeclaredIDCrashesSession(t *testing.T) {
	m := pplugin.Manifest{
		ID:               "com.example.rogue",
		Name:             "rogue",
		Version:          "1.0.0",
		Entry:            "index.js",
		Engine:           pplugin.EngineCompat{Min: "1.0.0"},
		ActivationEvents: []pplugin.ActivationEvent{pplugin.ActivationOnStartup},
		// Declares no commands at all.
	}
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "undeclared", title: "x", handler: function() { return 1; }});
};
`
	ip := pplugin.InstalledPlugin{Manifest: m, EntrySource: entry, Enabled: true}
	shell := newFakeShell(ip)
	mgr := NewManager(shell, newFakeDocs(), nil, nil)
	if err := mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		state, err := mgr.State("com.example.rogue")
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if state == StateFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the undeclared registration to crash the session")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerCrashPolicyAutoDisablesAtThreshold(t *testing.T) {
	m := pplugin.Manifest{
		ID:               "com.example.crasher",
		Name:             "crasher",
		Version:          "1.0.0",
		Entry:            "index.js",
		Engine:           pplugin.EngineCompat{Min: "1.0.0"},
		ActivationEvents: []pplugin.ActivationEvent{pplugin.ActivationOnStartup},
	}
	entry := `
module.exports.setup = function(api) {
  api.registerCommand({id: "bad", title: "x", handler: function() { return 1; }});
};
`
	ip := pplugin.InstalledPlugin{Manifest: m, EntrySource: entry, Enabled: true}
	shell := newFakeShell(ip)
	mgr := NewManager(shell, newFakeDocs(), nil, nil)

	for i := 0; i < CrashThreshold; i++ {
		if err := mgr.Reload(context.Background()); err != nil {
			t.Fatalf("Reload[%d]: %v", i, err)
		}
		deadline := time.After(time.Second)
	wait:
		for {
			state, err := mgr.State("com.example.crasher")
			if err != nil {
				t.Fatalf("State[%d]: %v", i, err)
			}
			if state == StateFailed {
				break wait
			}
			select {
			case <-deadline:
				t.Fatalf("round %d: timed out waiting for crash", i)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	ips := mgr.List()
	var got *pplugin.InstalledPlugin
	for i := range ips {
		if ips[i].Manifest.ID == "com.example.crasher" {
			got = &ips[i]
		}
	}
	if got == nil {
		t.Fatal("expected the crasher plugin to still be listed")
	}
	if got.Enabled {
		t.Fatal("expected the plugin to be auto-disabled after repeated crashes")
	}
	if got.CrashCount < CrashThreshold {
		t.Fatalf("CrashCount = %d, want >= %d", got.CrashCount, CrashThreshold)
	}
}

func TestVerifyTrustRejectsUnsignedSource(t *testing.T) {
	_, pub, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	state := VerifyTrust("module.exports.setup = function() {};", "", []ed25519.PublicKey{pub})
	if state != pplugin.TrustUnverified {
		t.Fatalf("state = %q, want %q", state, pplugin.TrustUnverified)
	}
}

func TestCanonicalizeShortcutMatchesKeyEvent(t *testing.T) {
	if got, want := CanonicalizeShortcut("Cmd+Shift+K"), CanonicalizeKeyEvent("k", true, true, false); got != want {
		t.Fatalf("CanonicalizeShortcut = %q, CanonicalizeKeyEvent = %q", got, want)
	}
	if got, want := CanonicalizeShortcut("ctrl+k"), CanonicalizeShortcut("mod+k"); got != want {
		t.Fatalf("ctrl+k canonicalized to %q, mod+k canonicalized to %q", got, want)
	}
}

