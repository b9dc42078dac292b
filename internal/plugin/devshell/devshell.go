// Package devshell is a minimal, filesystem-backed stand-in for the real
// desktop OS shell, used by cmd/pluginhost to exercise the core against
// sideloaded plugin directories without a full editor host attached.
package devshell

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	pluginengine "github.com/grainery/pluginhost/internal/plugin"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// manifestFile is the fixed filename a plugin directory must contain;
// entryFile is the entry script used when the manifest names none.
// signatureFile is optional.
const (
	manifestFile  = "manifest.yaml"
	entryFile     = "entry.js"
	signatureFile = "entry.js.sig"
	stateFile     = ".pluginhost-state.json"
)

type pluginState struct {
	Enabled            bool                             `json:"enabled"`
	GrantedPermissions map[pplugin.OptionalPermission]bool `json:"grantedPermissions"`
}

// Shell implements pplugin.OSShellClient over a directory of plugin
// subdirectories, each holding manifest.yaml, entry.js, and an optional
// detached entry.js.sig. Per-plugin enabled/granted-permission state
// persists to a small JSON state file inside each plugin directory.
type Shell struct {
	root        string
	trustedKeys []ed25519.PublicKey

	mu    sync.Mutex
	state map[string]pluginState
}

// New builds a dev shell rooted at dir, where dir contains one
// subdirectory per plugin id. trustedKeys is used to compute each
// plugin's trust state from its optional entry.js.sig detached signature.
func New(dir string, trustedKeys []ed25519.PublicKey) *Shell {
	return &Shell{root: dir, trustedKeys: trustedKeys, state: map[string]pluginState{}}
}

func (s *Shell) statePath(pluginID string) string {
	return filepath.Join(s.root, pluginID, stateFile)
}

func (s *Shell) loadState(pluginID string) pluginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[pluginID]; ok {
		return st
	}
	st := pluginState{Enabled: true, GrantedPermissions: map[pplugin.OptionalPermission]bool{}}
	if data, err := os.ReadFile(s.statePath(pluginID)); err == nil {
		_ = json.Unmarshal(data, &st)
	}
	s.state[pluginID] = st
	return st
}

func (s *Shell) saveState(pluginID string, st pluginState) {
	s.mu.Lock()
	s.state[pluginID] = st
	s.mu.Unlock()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.statePath(pluginID), data, 0644)
}

func (s *Shell) loadOne(pluginID string) (pplugin.InstalledPlugin, error) {
	dir := filepath.Join(s.root, pluginID)
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return pplugin.InstalledPlugin{}, fmt.Errorf("plugin %s: read manifest: %w", pluginID, err)
	}
	var manifest pplugin.Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return pplugin.InstalledPlugin{}, fmt.Errorf("plugin %s: parse manifest: %w", pluginID, err)
	}
	if err := pluginengine.ValidateManifest(manifest); err != nil {
		return pplugin.InstalledPlugin{}, fmt.Errorf("plugin %s: %w", pluginID, err)
	}

	entryRelPath := manifest.Entry
	if entryRelPath == "" {
		entryRelPath = entryFile
	}
	entry, err := os.ReadFile(filepath.Join(dir, entryRelPath))
	if err != nil {
		return pplugin.InstalledPlugin{}, fmt.Errorf("plugin %s: read entry source: %w", pluginID, err)
	}

	st := s.loadState(pluginID)
	info, _ := os.Stat(filepath.Join(dir, manifestFile))
	var installedAt int64
	if info != nil {
		installedAt = info.ModTime().UnixMilli()
	}

	trust := pplugin.TrustUnverified
	if sig, err := os.ReadFile(filepath.Join(dir, signatureFile)); err == nil {
		trust = pluginengine.VerifyTrust(string(entry), strings.TrimSpace(string(sig)), s.trustedKeys)
	}

	return pplugin.InstalledPlugin{
		Manifest:           manifest,
		TrustState:         trust,
		InstallSource:      pplugin.InstallSideload,
		InstalledAt:        installedAt,
		UpdatedAt:          installedAt,
		EntrySource:        string(entry),
		Enabled:            st.Enabled,
		GrantedPermissions: st.GrantedPermissions,
	}, nil
}

// PluginListInstalled scans the root directory's immediate subdirectories.
func (s *Shell) PluginListInstalled(ctx context.Context) ([]pplugin.InstalledPlugin, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read plugin directory: %w", err)
	}
	var out []pplugin.InstalledPlugin
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ip, err := s.loadOne(e.Name())
		if err != nil {
			continue // skip malformed plugin directories rather than failing the whole list
		}
		out = append(out, ip)
	}
	return out, nil
}

// PluginInstallFromFile is unsupported: the dev shell only discovers
// plugins already present under its root directory.
func (s *Shell) PluginInstallFromFile(ctx context.Context, path string) (pplugin.InstalledPlugin, error) {
	return pplugin.InstalledPlugin{}, fmt.Errorf("devshell: install from file not supported, copy the plugin directory under the watched root instead")
}

// PluginFetchRegistryIndex is unsupported in the dev shell.
func (s *Shell) PluginFetchRegistryIndex(ctx context.Context, registryURL string) ([]pplugin.RegistryEntry, error) {
	return nil, fmt.Errorf("devshell: no remote registry configured")
}

// PluginInstallFromRegistry is unsupported in the dev shell.
func (s *Shell) PluginInstallFromRegistry(ctx context.Context, registryURL, pluginID, version string) (pplugin.InstalledPlugin, error) {
	return pplugin.InstalledPlugin{}, fmt.Errorf("devshell: no remote registry configured")
}

// PluginUninstall removes a plugin's persisted state; it does not delete
// the plugin's directory on disk.
func (s *Shell) PluginUninstall(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	delete(s.state, pluginID)
	s.mu.Unlock()
	return os.Remove(s.statePath(pluginID))
}

// PluginEnableDisable flips and persists the enabled flag.
func (s *Shell) PluginEnableDisable(ctx context.Context, pluginID string, enabled bool) (pplugin.InstalledPlugin, error) {
	st := s.loadState(pluginID)
	st.Enabled = enabled
	s.saveState(pluginID, st)
	return s.loadOne(pluginID)
}

// PluginUpdatePermissions replaces the granted-optional-permissions set.
func (s *Shell) PluginUpdatePermissions(ctx context.Context, pluginID string, permissions map[pplugin.OptionalPermission]bool) (pplugin.InstalledPlugin, error) {
	st := s.loadState(pluginID)
	st.GrantedPermissions = permissions
	s.saveState(pluginID, st)
	return s.loadOne(pluginID)
}

// PluginGetLockRecords reports every installed plugin pinned to its
// current on-disk state (the dev shell has no versioned registry, so the
// version is always "local").
func (s *Shell) PluginGetLockRecords(ctx context.Context) ([]pplugin.LockRecord, error) {
	installed, err := s.PluginListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pplugin.LockRecord, 0, len(installed))
	for _, ip := range installed {
		out = append(out, pplugin.LockRecord{
			PluginID: ip.Manifest.ID, Version: "local", Source: ip.InstallSource,
		})
	}
	return out, nil
}

// PluginHostCall logs the call and returns an empty result: the dev shell
// has no real filesystem pickers or network access to broker.
func (s *Shell) PluginHostCall(ctx context.Context, pluginID, operation string, payload any) (any, error) {
	fmt.Printf("[devshell] hostCall plugin=%s op=%s payload=%v\n", pluginID, operation, payload)
	return nil, nil
}

// RequestPermissionConfirmation auto-grants every request and persists it,
// printing the decision so a developer watching the CLI can see it happen.
func (s *Shell) RequestPermissionConfirmation(ctx context.Context, pluginID string, perm pplugin.OptionalPermission) (bool, error) {
	st := s.loadState(pluginID)
	if st.GrantedPermissions == nil {
		st.GrantedPermissions = map[pplugin.OptionalPermission]bool{}
	}
	st.GrantedPermissions[perm] = true
	s.saveState(pluginID, st)
	fmt.Printf("[devshell] auto-granted %s to plugin=%s\n", perm, pluginID)
	return true, nil
}
