package plugin

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/grainery/pluginhost/internal/plugin/rpc"
	"github.com/grainery/pluginhost/internal/plugin/sandbox"
	"github.com/grainery/pluginhost/internal/plugin/signing"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// ActivationState is a plugin's position in the state machine described in
// spec.md §4.H.
type ActivationState string

const (
	StateInactive   ActivationState = "inactive"
	StateActivating ActivationState = "activating"
	StateActive     ActivationState = "active"
	StateFailed     ActivationState = "failed"
)

// CrashThreshold is the number of crashes after which a plugin is
// auto-disabled, spec.md §4.H/§8 invariant 6.
const CrashThreshold = 3

type pluginRuntime struct {
	mu          sync.Mutex
	installed   pplugin.InstalledPlugin
	state       ActivationState
	session     *sandbox.Session
	grants      *GrantRecord
	crashCount  int
	declaredIDs map[ContributionKind]map[string]bool
	elementLoop []ElementLoopRule

	// activating memoises an in-flight activation so concurrent callers
	// await the same attempt instead of racing a second session into
	// existence — spec.md §4.H ("idempotent under concurrent callers").
	activating chan struct{}
	activateErr error
}

// Manager is the lifecycle manager (component H): enumerates installed
// plugins, starts/stops sessions on activation events, tracks the
// activation state machine, and enforces the crash/auto-disable policy.
// Structurally this is the direct descendant of the teacher's
// internal/plugin/manager.go Manager (mutex-guarded map, typed not-found/
// disabled errors), generalised to activation-event gating.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*pluginRuntime

	shell       pplugin.OSShellClient
	docs        pplugin.DocumentAccessor
	registry    *Registry
	adapter     *HostAdapter
	trustedKeys []ed25519.PublicKey
	log         *slog.Logger
}

// NewManager builds a manager with a fresh, empty registry. Call Reload to
// populate it from the OS shell's installed-plugin list.
func NewManager(shell pplugin.OSShellClient, docs pplugin.DocumentAccessor, trustedKeys []ed25519.PublicKey, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		plugins:     map[string]*pluginRuntime{},
		shell:       shell,
		docs:        docs,
		registry:    NewRegistry(),
		trustedKeys: trustedKeys,
		log:         log,
	}
	m.adapter = NewHostAdapter(docs, shell, m)
	return m
}

// Registry exposes the contribution registry for dispatchers.
func (m *Manager) Registry() *Registry { return m.registry }

// Log exposes the manager's structured logger so other packages that act
// on its behalf (dispatch) log through the same sink, including whatever
// LogBuffer the caller installed as its handler.
func (m *Manager) Log() *slog.Logger { return m.log }

// Manifest implements PluginContext.
func (m *Manager) Manifest(pluginID string) (pplugin.Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.plugins[pluginID]
	if !ok {
		return pplugin.Manifest{}, false
	}
	return rt.installed.Manifest, true
}

// Grants implements PluginContext.
func (m *Manager) Grants(pluginID string) *GrantRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.plugins[pluginID]
	if !ok {
		return nil
	}
	return rt.grants
}

// State returns a plugin's current activation state.
func (m *Manager) State(pluginID string) (ActivationState, error) {
	m.mu.RLock()
	rt, ok := m.plugins[pluginID]
	m.mu.RUnlock()
	if !ok {
		return "", &PluginNotFoundError{PluginID: pluginID}
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state, nil
}

// Reload disposes every current session, refetches the canonical installed
// list from the OS shell, rebuilds the manifest index, carries each
// plugin's crash count forward, and schedules onStartup activation for
// every enabled plugin that declares it.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	old := m.plugins
	m.plugins = map[string]*pluginRuntime{}
	m.mu.Unlock()

	for id, rt := range old {
		rt.mu.Lock()
		session := rt.session
		rt.mu.Unlock()
		if session != nil {
			_ = session.Shutdown(ctx)
		}
		m.registry.RemovePlugin(id)
	}

	installed, err := m.shell.PluginListInstalled(ctx)
	if err != nil {
		return fmt.Errorf("listing installed plugins: %w", err)
	}

	m.mu.Lock()
	for _, ip := range installed {
		trust := determineTrust(ip, m.trustedKeys)
		ip.TrustState = trust
		rt := &pluginRuntime{
			installed:   ip,
			state:       StateInactive,
			grants:      NewGrantRecord(ip.GrantedPermissions),
			crashCount:  ip.CrashCount,
			declaredIDs: declaredIDIndex(ip.Manifest),
		}
		if prev, ok := old[ip.Manifest.ID]; ok {
			prev.mu.Lock()
			if prev.crashCount > rt.crashCount {
				rt.crashCount = prev.crashCount
			}
			prev.mu.Unlock()
		}
		m.plugins[ip.Manifest.ID] = rt
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, rt := range m.plugins {
		if !rt.installed.Enabled || !rt.installed.Manifest.DeclaresActivation(pplugin.ActivationOnStartup) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.EnsureActivated(ctx, id, pplugin.ActivationOnStartup); err != nil {
				m.log.Warn("onStartup activation failed", "plugin", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
	return nil
}

// determineTrust preserves whatever trust state the OS shell already
// computed at install time (VerifyTrust, below, is what produces it) — the
// lifecycle manager itself never re-derives trust from raw key material on
// reload, it only carries the shell's determination forward.
func determineTrust(ip pplugin.InstalledPlugin, trustedKeys []ed25519.PublicKey) pplugin.TrustState {
	if ip.TrustState == pplugin.TrustVerified {
		return pplugin.TrustVerified
	}
	return pplugin.TrustUnverified
}

// VerifyTrust recomputes an installed plugin's trust state from its entry
// source and detached signature, per spec.md §3 (expanded). Called by the
// OS shell integration at install time.
func VerifyTrust(entrySource, signatureHex string, trustedKeys []ed25519.PublicKey) pplugin.TrustState {
	if signing.VerifyEntrySource(entrySource, signatureHex, trustedKeys) {
		return pplugin.TrustVerified
	}
	return pplugin.TrustUnverified
}

func declaredIDIndex(m pplugin.Manifest) map[ContributionKind]map[string]bool {
	idx := map[ContributionKind]map[string]bool{}
	add := func(kind ContributionKind, id string) {
		if idx[kind] == nil {
			idx[kind] = map[string]bool{}
		}
		idx[kind][id] = true
	}
	for _, c := range m.Contributes.Commands {
		add(KindCommand, c.ID)
	}
	for _, c := range m.Contributes.Transforms {
		add(KindTransform, c.ID)
	}
	for _, c := range m.Contributes.Exporters {
		add(KindExporter, c.ID)
	}
	for _, c := range m.Contributes.Importers {
		add(KindImporter, c.ID)
	}
	for _, c := range m.Contributes.StatusBadges {
		add(KindStatusBadge, c.ID)
	}
	for _, c := range m.Contributes.AnnotationProviders {
		add(KindAnnotationProvider, c.ID)
	}
	for _, c := range m.Contributes.UIControls {
		add(KindUIControl, c.ID)
	}
	for _, c := range m.Contributes.UIPanels {
		add(KindUIPanel, c.ID)
	}
	return idx
}

// EnsureActivated validates the activation event against the manifest,
// then starts (or awaits an in-flight start of) the plugin's sandbox
// session. Idempotent under concurrent callers.
func (m *Manager) EnsureActivated(ctx context.Context, pluginID string, event pplugin.ActivationEvent) error {
	m.mu.RLock()
	rt, ok := m.plugins[pluginID]
	m.mu.RUnlock()
	if !ok {
		return &PluginNotFoundError{PluginID: pluginID}
	}
	if !rt.installed.Enabled {
		return &PluginDisabledError{PluginID: pluginID}
	}
	if !rt.installed.Manifest.DeclaresActivation(event) {
		return &ActivationError{PluginID: pluginID, Reason: fmt.Sprintf("activation event %q not declared", event)}
	}

	rt.mu.Lock()
	switch rt.state {
	case StateActive:
		rt.mu.Unlock()
		return nil
	case StateActivating:
		wait := rt.activating
		rt.mu.Unlock()
		<-wait
		rt.mu.Lock()
		err := rt.activateErr
		rt.mu.Unlock()
		return err
	case StateFailed:
		rt.mu.Unlock()
		return &ActivationError{PluginID: pluginID, Reason: "plugin failed; reload required"}
	}
	rt.state = StateActivating
	rt.activating = make(chan struct{})
	rt.mu.Unlock()

	err := m.startSession(ctx, pluginID, rt)

	rt.mu.Lock()
	if err == nil && rt.state == StateFailed {
		// handleCrash ran while the session was starting.
		err = &ActivationError{PluginID: pluginID, Reason: "sandbox crashed during activation"}
		if rt.session != nil {
			go rt.session.Shutdown(context.Background())
			rt.session = nil
		}
	}
	rt.activateErr = err
	if err != nil {
		rt.state = StateFailed
	} else {
		rt.state = StateActive
	}
	close(rt.activating)
	rt.mu.Unlock()
	return err
}

func (m *Manager) startSession(ctx context.Context, pluginID string, rt *pluginRuntime) error {
	if rt.installed.EntrySource == "" {
		return &ActivationError{PluginID: pluginID, Reason: "entry source missing"}
	}
	if err := ValidateManifest(rt.installed.Manifest); err != nil {
		return &ActivationError{PluginID: pluginID, Reason: "manifest validation failed", Cause: err}
	}

	session := sandbox.New(rt.installed.Manifest, rt.installed.EntrySource, m.adapter)

	stop := make(chan struct{})
	go m.watchEvents(pluginID, rt, session, stop)

	if err := session.Start(ctx); err != nil {
		close(stop)
		return &ActivationError{PluginID: pluginID, Reason: "failed to start sandbox", Cause: err}
	}

	rt.mu.Lock()
	rt.session = session
	rt.mu.Unlock()
	return nil
}

// watchEvents drains a session's event stream for the session's whole
// lifetime: indexing runtime registrations into the registry and applying
// the crash policy when the worker reports an error after it was already
// active.
func (m *Manager) watchEvents(pluginID string, rt *pluginRuntime, session *sandbox.Session, stop chan struct{}) {
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			m.handleEvent(pluginID, rt, ev)
		case <-stop:
			return
		}
	}
}

func (m *Manager) handleEvent(pluginID string, rt *pluginRuntime, ev sandbox.Event) {
	if !rpc.ValidWorkerToHost(ev.Type) {
		m.log.Warn("dropped malformed worker event", "plugin", pluginID, "type", ev.Type)
		return
	}
	switch {
	case ev.Type == rpc.TypeReady:
		return
	case ev.Type == rpc.TypeError:
		m.handleCrash(pluginID, rt, ev.Err)
	case rpc.IsRegister(ev.Type):
		m.handleRegister(pluginID, rt, ev)
	}
}

func (m *Manager) handleRegister(pluginID string, rt *pluginRuntime, ev sandbox.Event) {
	kind := ContributionKind(rpc.RegisterKind(ev.Type))
	if kind == "elementLoopProvider" {
		rt.mu.Lock()
		rt.elementLoop = decodeRuleList(ev.Descriptor)
		rt.mu.Unlock()
		return
	}
	rt.mu.Lock()
	allowed := RegistrationAllowed(ev.RegisterLocal, rt.declaredIDs[kind])
	rt.mu.Unlock()
	if !allowed {
		m.handleCrash(pluginID, rt, &ValidationError{
			PluginID: pluginID,
			Reason:   fmt.Sprintf("runtime registration %q/%q not declared in manifest", kind, ev.RegisterLocal),
		})
		return
	}
	priority := priorityOf(ev.Descriptor)
	m.registry.Upsert(kind, pluginID, ev.RegisterLocal, priority, ev.Descriptor)
}

func priorityOf(descriptor any) int {
	switch d := descriptor.(type) {
	case pplugin.TransformSpec:
		return d.Priority
	case pplugin.StatusBadgeSpec:
		return d.Priority
	case pplugin.AnnotationProviderSpec:
		return d.Priority
	case pplugin.UIControlSpec:
		return d.Priority
	case pplugin.UIPanelSpec:
		return d.Priority
	default:
		return 0
	}
}

func decodeRuleList(descriptor any) []ElementLoopRule {
	sources, ok := descriptor.([]sandbox.ElementLoopRuleSource)
	if !ok {
		return nil
	}
	rules := make([]ElementLoopRule, 0, len(sources))
	for _, src := range sources {
		rules = append(rules, ruleFromRaw(src.Raw()))
	}
	return rules
}

func ruleFromRaw(raw map[string]any) ElementLoopRule {
	rule := ElementLoopRule{
		Priority: intFromAny(raw["priority"]),
		Event:    stringFromAny(raw["event"]),
		NextType: stringFromAny(raw["nextType"]),
	}
	if v, ok := raw["currentTypes"]; ok {
		rule.CurrentTypes = stringSliceFromAny(v)
	}
	if v, ok := raw["previousTypes"]; ok {
		rule.PreviousTypes = stringSliceFromAny(v)
	}
	if v, ok := raw["isCurrentEmpty"]; ok {
		if b, ok := v.(bool); ok {
			rule.IsCurrentEmpty = &b
		}
	}
	return rule
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func stringSliceFromAny(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// handleCrash implements the crash policy in spec.md §4.H/§7: terminate
// the worker, reject pending requests (the sandbox session already does
// this by tearing down its goroutine), increment the crash counter, and
// auto-disable at the threshold.
func (m *Manager) handleCrash(pluginID string, rt *pluginRuntime, cause error) {
	rt.mu.Lock()
	rt.state = StateFailed
	session := rt.session
	rt.session = nil
	rt.crashCount++
	count := rt.crashCount
	rt.mu.Unlock()

	m.registry.RemovePlugin(pluginID)
	m.log.Error("sandbox crashed", "plugin", pluginID, "error", cause, "crashCount", count)

	if session != nil {
		go session.Shutdown(context.Background())
	}

	if count >= CrashThreshold {
		ctx := context.Background()
		if _, err := m.shell.PluginEnableDisable(ctx, pluginID, false); err != nil {
			m.log.Error("failed to auto-disable crashed plugin", "plugin", pluginID, "error", err)
			return
		}
		rt.mu.Lock()
		rt.installed.Enabled = false
		rt.mu.Unlock()
		m.log.Warn("plugin auto-disabled after repeated crashes", "plugin", pluginID, "crashCount", count)
	}
}

// Invoke dispatches method(targetID, payload) to pluginID's active
// session.
func (m *Manager) Invoke(ctx context.Context, pluginID, method, targetID string, payload any) (any, error) {
	m.mu.RLock()
	rt, ok := m.plugins[pluginID]
	m.mu.RUnlock()
	if !ok {
		return nil, &PluginNotFoundError{PluginID: pluginID}
	}
	rt.mu.Lock()
	session := rt.session
	state := rt.state
	rt.mu.Unlock()
	if state != StateActive || session == nil {
		return nil, &InvocationError{PluginID: pluginID, Method: method, TargetID: targetID, Reason: "plugin not active"}
	}
	return session.Invoke(ctx, method, targetID, payload)
}

// ElementLoopRules returns the merged rule set across every active plugin,
// for component I.
func (m *Manager) ElementLoopRules() []ElementLoopRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []ElementLoopRule
	for _, rt := range m.plugins {
		rt.mu.Lock()
		if rt.state == StateActive {
			all = append(all, rt.elementLoop...)
		}
		rt.mu.Unlock()
	}
	return all
}

// List returns every installed plugin's current snapshot.
func (m *Manager) List() []pplugin.InstalledPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pplugin.InstalledPlugin, 0, len(m.plugins))
	for _, rt := range m.plugins {
		rt.mu.Lock()
		ip := rt.installed
		ip.CrashCount = rt.crashCount
		ip.GrantedPermissions = rt.grants.Snapshot()
		rt.mu.Unlock()
		out = append(out, ip)
	}
	return out
}

// CanonicalizeShortcut normalises a shortcut string for comparison — spec.md
// §4.J/§8 invariant 8: modifiers and key are lower-cased, de-duplicated,
// meta/control both collapse to "mod", and the parts are sorted so
// "Cmd+Shift+K" and "shift+mod+k" compare equal.
func CanonicalizeShortcut(shortcut string) string {
	parts := strings.Split(shortcut, "+")
	set := map[string]bool{}
	var key string
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		switch p {
		case "cmd", "meta", "ctrl", "control", "mod":
			set["mod"] = true
		case "shift":
			set["shift"] = true
		case "alt", "option":
			set["alt"] = true
		default:
			key = p
		}
	}
	var mods []string
	for _, m := range []string{"alt", "mod", "shift"} {
		if set[m] {
			mods = append(mods, m)
		}
	}
	mods = append(mods, key)
	return strings.Join(mods, "/")
}

// CanonicalizeKeyEvent builds the same "alt/mod/shift/<key>" string from a
// raw keyboard event, for comparison against CanonicalizeShortcut.
func CanonicalizeKeyEvent(key string, metaOrCtrl, shift, alt bool) string {
	var parts []string
	if metaOrCtrl {
		parts = append(parts, "mod")
	}
	if shift {
		parts = append(parts, "shift")
	}
	if alt {
		parts = append(parts, "alt")
	}
	parts = append(parts, key)
	return CanonicalizeShortcut(strings.Join(parts, "+"))
}
