package plugin

import "context"

// Document is the opaque document tree exchanged with the editor. It is
// always a JSON-shaped object (map[string]any); the host
// never interprets its contents beyond checking for a "type" string field
// when folding transform results.
type Document = map[string]any

// SelectionRange is the editor's current selection, in document-content
// offsets.
type SelectionRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// EditorAdapter is the set of operations the core needs from the rich-text
// editor itself. The editor owns the document tree, selections and
// decorations; the core only ever observes or replaces through this
// interface and the DocumentAccessor below.
type EditorAdapter interface {
	GetCurrentElementType() string
	GetPreviousElementType() string
	IsCurrentElementEmpty() bool
	GetSelectionRange() SelectionRange
	SetElementType(elementType string)
	JumpToPosition(pos int, offsetTop *int)
	CycleElement(direction int)
	EscapeToAction()
}

// DocumentAccessor is the document-read/write half of the editor adapter,
// kept as its own interface because it is what the F component (plugin host
// adapter) depends on directly — the rest of EditorAdapter is only used by
// the element-loop resolver and UI-trigger dispatch.
type DocumentAccessor interface {
	GetDocument() Document
	ReplaceDocument(tree Document) error
	GetPluginData(pluginID string) (any, bool)
	SetPluginData(pluginID string, value any) error
}

// InstalledPlugin is the OS shell's view of one installed plugin, returned
// by plugin_list_installed and friends.
type InstalledPlugin struct {
	Manifest           Manifest
	TrustState         TrustState
	InstallSource      InstallSource
	InstalledAt        int64 // unix millis
	UpdatedAt          int64
	EntrySource        string
	Enabled            bool
	CrashCount         int
	GrantedPermissions map[OptionalPermission]bool
}

// TrustState reflects whether the entry source's detached signature
// verified against a trusted key, informational only — see DESIGN.md.
type TrustState string

const (
	TrustVerified   TrustState = "verified"
	TrustUnverified TrustState = "unverified"
)

// InstallSource records how a plugin arrived on disk.
type InstallSource string

const (
	InstallSideload InstallSource = "sideload"
	InstallRegistry InstallSource = "registry"
)

// RegistryEntry is one row of a remote plugin registry's index.
type RegistryEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// LockRecord pins an installed plugin to the version the OS shell resolved
// it at, so a registry update doesn't silently change a running plugin's
// version out from under the user.
type LockRecord struct {
	PluginID string `json:"pluginId"`
	Version  string `json:"version"`
	Source   InstallSource `json:"source"`
}

// OSShellClient is the host OS shell's surface, consumed by the lifecycle
// manager and the plugin host adapter's native passthrough. Every method
// name matches spec.md's fixed command name 1:1.
type OSShellClient interface {
	PluginListInstalled(ctx context.Context) ([]InstalledPlugin, error)
	PluginInstallFromFile(ctx context.Context, path string) (InstalledPlugin, error)
	PluginFetchRegistryIndex(ctx context.Context, registryURL string) ([]RegistryEntry, error)
	PluginInstallFromRegistry(ctx context.Context, registryURL, pluginID, version string) (InstalledPlugin, error)
	PluginUninstall(ctx context.Context, pluginID string) error
	PluginEnableDisable(ctx context.Context, pluginID string, enabled bool) (InstalledPlugin, error)
	PluginUpdatePermissions(ctx context.Context, pluginID string, permissions map[OptionalPermission]bool) (InstalledPlugin, error)
	PluginGetLockRecords(ctx context.Context) ([]LockRecord, error)

	// PluginHostCall forwards an opaque native operation to the OS shell on
	// behalf of a plugin that has already cleared the permission gate for
	// operation. The payload and the return value are both opaque JSON.
	PluginHostCall(ctx context.Context, pluginID, operation string, payload any) (any, error)

	// RequestPermissionConfirmation prompts the user to grant perm to
	// pluginID and persists the decision. Returns the resulting grant.
	RequestPermissionConfirmation(ctx context.Context, pluginID string, perm OptionalPermission) (granted bool, err error)
}
