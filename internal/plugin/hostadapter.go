package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/grainery/pluginhost/internal/plugin/sandbox"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// MaxPluginDataBytes is the per-plugin blob size cap, spec.md §3/§8
// invariant 12.
const MaxPluginDataBytes = 256 * 1024

// PluginContext supplies the per-plugin state a HostAdapter call needs:
// the manifest (for permission/allowlist checks) and the live grant
// record.
type PluginContext interface {
	Manifest(pluginID string) (pplugin.Manifest, bool)
	Grants(pluginID string) *GrantRecord
}

// HostAdapter implements sandbox.HostAdapter: the host side of every
// host-request operation named in spec.md §4.F. Every method gates on the
// exact capability the operation requires before touching the document,
// blob store, or OS shell passthrough.
type HostAdapter struct {
	docs    pplugin.DocumentAccessor
	shell   pplugin.OSShellClient
	plugins PluginContext
}

var _ sandbox.HostAdapter = (*HostAdapter)(nil)

// NewHostAdapter builds the host adapter shared by every sandbox session.
func NewHostAdapter(docs pplugin.DocumentAccessor, shell pplugin.OSShellClient, plugins PluginContext) *HostAdapter {
	return &HostAdapter{docs: docs, shell: shell, plugins: plugins}
}

func (h *HostAdapter) manifestAndGrants(pluginID string) (pplugin.Manifest, *GrantRecord, error) {
	m, ok := h.plugins.Manifest(pluginID)
	if !ok {
		return pplugin.Manifest{}, nil, &PluginNotFoundError{PluginID: pluginID}
	}
	return m, h.plugins.Grants(pluginID), nil
}

func (h *HostAdapter) requireCapability(pluginID string, cap Capability) error {
	m, grants, err := h.manifestAndGrants(pluginID)
	if err != nil {
		return err
	}
	if !Holds(m, grants, cap) {
		return &PermissionDeniedError{Capability: string(cap)}
	}
	return nil
}

// DocumentGet implements document:get.
func (h *HostAdapter) DocumentGet(ctx context.Context, pluginID string) (pplugin.Document, error) {
	if err := h.requireCapability(pluginID, Capability(pplugin.PermDocumentRead)); err != nil {
		return nil, err
	}
	return h.docs.GetDocument(), nil
}

// DocumentReplace implements document:replace.
func (h *HostAdapter) DocumentReplace(ctx context.Context, pluginID string, tree pplugin.Document) error {
	if err := h.requireCapability(pluginID, Capability(pplugin.PermDocumentWrite)); err != nil {
		return err
	}
	return h.docs.ReplaceDocument(tree)
}

// GetPluginData implements document:get-plugin-data.
func (h *HostAdapter) GetPluginData(ctx context.Context, pluginID string) (any, error) {
	if err := h.requireCapability(pluginID, Capability(pplugin.PermDocumentRead)); err != nil {
		return nil, err
	}
	value, _ := h.docs.GetPluginData(pluginID)
	return value, nil
}

// SetPluginData implements document:set-plugin-data. Accepts either the
// raw value or {value}; round-trips through JSON both to strip
// non-serialisable data and to measure the encoded size against the cap.
func (h *HostAdapter) SetPluginData(ctx context.Context, pluginID string, value any) error {
	if err := h.requireCapability(pluginID, Capability(pplugin.PermDocumentWrite)); err != nil {
		return err
	}
	if wrapped, ok := value.(map[string]any); ok {
		if inner, ok := wrapped["value"]; ok && len(wrapped) == 1 {
			value = inner
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("plugin data not JSON-serialisable: %w", err)
	}
	if len(encoded) > MaxPluginDataBytes {
		return &SizeError{Limit: MaxPluginDataBytes, Actual: len(encoded)}
	}
	var roundTripped any
	if err := json.Unmarshal(encoded, &roundTripped); err != nil {
		return fmt.Errorf("plugin data round-trip failed: %w", err)
	}
	return h.docs.SetPluginData(pluginID, roundTripped)
}

// HostCall implements the opaque native passthrough (plugin_host_call).
// The manifest's granted optional permissions determine which operation
// namespaces are reachable: fs:pick-read/fs:pick-write gate filesystem
// picker operations, network:https gates outbound HTTPS calls (checked
// further against the manifest's allowlist), everything else requires
// ui:mount or is rejected outright.
func (h *HostAdapter) HostCall(ctx context.Context, pluginID, operation string, payload any) (any, error) {
	m, grants, err := h.manifestAndGrants(pluginID)
	if err != nil {
		return nil, err
	}
	cap, err := capabilityForOperation(operation, payload, m)
	if err != nil {
		return nil, err
	}
	if !Holds(m, grants, cap) {
		return nil, &PermissionDeniedError{Capability: string(cap)}
	}
	return h.shell.PluginHostCall(ctx, pluginID, operation, payload)
}

// capabilityForOperation maps an opaque host-call operation name to the
// capability it requires, applying the HTTPS allowlist check inline for
// network operations.
func capabilityForOperation(operation string, payload any, m pplugin.Manifest) (Capability, error) {
	switch operation {
	case "fs:pick-read":
		return Capability(pplugin.PermFSPickRead), nil
	case "fs:pick-write":
		return Capability(pplugin.PermFSPickWrite), nil
	case "network:https":
		target, _ := payload.(map[string]any)
		rawURL, _ := target["url"].(string)
		u, err := url.Parse(rawURL)
		if err != nil || u.Scheme != "https" {
			return "", fmt.Errorf("network:https requires a valid https URL")
		}
		if !MatchHTTPSAllowlist(u.Hostname(), m.HTTPSAllowlist) {
			return "", fmt.Errorf("host %q not in plugin's https allowlist", u.Hostname())
		}
		return Capability(pplugin.PermNetworkHTTPS), nil
	default:
		return Capability(pplugin.PermUIMount), nil
	}
}

// RequestPermission implements the permission prompt: asks the user via
// the OS shell, persists the decision, and mutates the in-memory grant
// record so subsequent checks observe the change immediately.
func (h *HostAdapter) RequestPermission(ctx context.Context, pluginID string, perm pplugin.OptionalPermission) (bool, error) {
	m, grants, err := h.manifestAndGrants(pluginID)
	if err != nil {
		return false, err
	}
	if !m.DeclaresOptionalPermission(perm) {
		return false, fmt.Errorf("plugin %s did not declare optional permission %s", pluginID, perm)
	}
	if grants != nil && grants.IsGranted(perm) {
		return true, nil
	}
	granted, err := h.shell.RequestPermissionConfirmation(ctx, pluginID, perm)
	if err != nil {
		return false, err
	}
	if grants != nil {
		grants.Set(perm, granted)
	}
	return granted, nil
}
