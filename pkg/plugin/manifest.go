// Package plugin defines the types a plugin manifest is built from and the
// interfaces the plugin host depends on to reach the editor and the OS
// shell. These are the public contracts; the engine that enforces them
// lives in internal/plugin.
package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// localIDPattern is the closed grammar for a plugin-local contribution id.
var localIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidLocalID reports whether id is a well-formed local identifier:
// matches [A-Za-z0-9._-]+, at most 64 characters, and contains no colon.
func ValidLocalID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	if strings.Contains(id, ":") {
		return false
	}
	return localIDPattern.MatchString(id)
}

// CompositeID returns the canonical "<pluginID>:<localID>" identifier.
func CompositeID(pluginID, localID string) string {
	return pluginID + ":" + localID
}

// SplitCompositeID splits a composite id back into its plugin and local
// parts. The local part may itself contain no further colons (local ids are
// colon-free by construction), so a single split at the first colon is
// sufficient.
func SplitCompositeID(composite string) (pluginID, localID string, ok bool) {
	idx := strings.IndexByte(composite, ':')
	if idx <= 0 || idx == len(composite)-1 {
		return "", "", false
	}
	return composite[:idx], composite[idx+1:], true
}

// CorePermission is one of the always-required capabilities a manifest can
// declare. The set is closed; there is no way for a plugin to invent a new
// permission name.
type CorePermission string

const (
	PermDocumentRead   CorePermission = "document:read"
	PermDocumentWrite  CorePermission = "document:write"
	PermEditorCommands CorePermission = "editor:commands"
	PermExportRegister CorePermission = "export:register"
)

// CorePermissions is the closed set of core permission names.
var CorePermissions = map[CorePermission]bool{
	PermDocumentRead:   true,
	PermDocumentWrite:  true,
	PermEditorCommands: true,
	PermExportRegister: true,
}

// OptionalPermission is one of the capabilities a user may grant on top of
// the manifest's declared core permissions.
type OptionalPermission string

const (
	PermFSPickRead        OptionalPermission = "fs:pick-read"
	PermFSPickWrite       OptionalPermission = "fs:pick-write"
	PermNetworkHTTPS      OptionalPermission = "network:https"
	PermUIMount           OptionalPermission = "ui:mount"
	PermEditorAnnotations OptionalPermission = "editor:annotations"
)

// OptionalPermissions is the closed set of optional permission names.
var OptionalPermissions = map[OptionalPermission]bool{
	PermFSPickRead:        true,
	PermFSPickWrite:       true,
	PermNetworkHTTPS:      true,
	PermUIMount:           true,
	PermEditorAnnotations: true,
}

// ActivationEvent names the event that causes a plugin to start its sandbox
// session. "onStartup" is the only fixed literal; the rest are
// "onCommand:<id>" / "onExporter:<id>" / "onImporter:<id>" / "onUIPanel:<id>"
// / "onUIControl:<id>" / "onTransform:<hook>" / "onStatusBadge:<id>" /
// "onInlineAnnotations:<id>".
type ActivationEvent string

const ActivationOnStartup ActivationEvent = "onStartup"

// EngineCompat is the declared engine-compatibility pair of a manifest.
type EngineCompat struct {
	Min string `json:"min" yaml:"min"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// CommandSpec declares a command contribution.
type CommandSpec struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Shortcut string `json:"shortcut,omitempty" yaml:"shortcut,omitempty"`
}

// TransformSpec declares a document-transform contribution.
type TransformSpec struct {
	ID       string `json:"id" yaml:"id"`
	Hook     string `json:"hook" yaml:"hook"` // post-open | pre-save | pre-export
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ExporterSpec declares an exporter contribution.
type ExporterSpec struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Extension string `json:"extension" yaml:"extension"`
	MimeType  string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

// ImporterSpec declares an importer contribution.
type ImporterSpec struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title,omitempty" yaml:"title,omitempty"`
	Extensions []string `json:"extensions" yaml:"extensions"`
}

// StatusBadgeSpec declares a status-badge contribution.
type StatusBadgeSpec struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// AnnotationProviderSpec declares an inline-annotation-provider contribution.
type AnnotationProviderSpec struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// UIControlSpec declares a toolbar-entry contribution.
type UIControlSpec struct {
	ID       string `json:"id" yaml:"id"`
	Mount    string `json:"mount" yaml:"mount"` // top-bar | bottom-bar
	Kind     string `json:"kind" yaml:"kind"`   // button | toggle | dropdown
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Icon     string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
	Tooltip  string `json:"tooltip,omitempty" yaml:"tooltip,omitempty"`
	When     string `json:"when,omitempty" yaml:"when,omitempty"`
	Action   *Action `json:"action,omitempty" yaml:"action,omitempty"`
}

// UIPanelSpec declares a side-panel contribution.
type UIPanelSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title,omitempty" yaml:"title,omitempty"`
	Icon         string   `json:"icon,omitempty" yaml:"icon,omitempty"`
	DefaultWidth int      `json:"defaultWidth,omitempty" yaml:"defaultWidth,omitempty"`
	MinWidth     int      `json:"minWidth,omitempty" yaml:"minWidth,omitempty"`
	MaxWidth     int      `json:"maxWidth,omitempty" yaml:"maxWidth,omitempty"`
	Priority     int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	When         string   `json:"when,omitempty" yaml:"when,omitempty"`
	Content      []Block  `json:"content,omitempty" yaml:"content,omitempty"`
}

// Block is one element of a panel's content block list. The shape is
// intentionally loose (the editor shell interprets "type" and whatever
// fields accompany it); the validator only cares about input/textarea
// fieldIds and the overall block/action counts.
type Block struct {
	Type      string  `json:"type"`
	FieldID   string  `json:"fieldId,omitempty"`
	Value     string  `json:"value,omitempty"`
	MaxLength int     `json:"maxLength,omitempty"`
	Rows      int     `json:"rows,omitempty"`
	Actions   []Action `json:"actions,omitempty"`
	Children  []Block `json:"children,omitempty"`
}

// ActionKind is the closed discriminant for a panel/control action.
type ActionKind string

const (
	ActionCommand           ActionKind = "command"
	ActionPanelOpen         ActionKind = "panel:open"
	ActionPanelClose        ActionKind = "panel:close"
	ActionPanelToggle       ActionKind = "panel:toggle"
	ActionEditorJumpTo      ActionKind = "editor:jump-to"
	ActionEditorSetElement  ActionKind = "editor:set-element"
	ActionEditorCycleElem   ActionKind = "editor:cycle-element"
	ActionEditorEscapeTo    ActionKind = "editor:escape-to-action"
)

// Action is a validated, typed UI action. CommandID/PanelID are local ids
// at declaration time and composite ids once resolved by the dispatcher.
type Action struct {
	Kind      ActionKind `json:"kind"`
	CommandID string     `json:"commandId,omitempty"`
	PanelID   string      `json:"panelId,omitempty"`
	Position  float64     `json:"position,omitempty"`
}

// Validate checks that an Action carries the fields its Kind requires,
// per spec.md §4.B; extra fields are not rejected.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionCommand:
		if a.CommandID == "" {
			return fmt.Errorf("action %q requires commandId", a.Kind)
		}
	case ActionPanelOpen, ActionPanelClose, ActionPanelToggle:
		if a.PanelID == "" {
			return fmt.Errorf("action %q requires panelId", a.Kind)
		}
	case ActionEditorJumpTo:
		if a.Position != a.Position { // NaN guard; JSON numbers decode finite
			return fmt.Errorf("action %q requires a finite position", a.Kind)
		}
	case ActionEditorSetElement, ActionEditorCycleElem, ActionEditorEscapeTo:
		// no extra required fields
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Contributions is the manifest's declared-contribution index, grouped by
// kind. This is the authoritative set of local ids a plugin may register at
// runtime — a runtime registration for an id not listed here is a
// validation error (spec.md §4.B, §8 invariant 2).
type Contributions struct {
	Commands            []CommandSpec            `json:"commands,omitempty" yaml:"commands,omitempty"`
	Transforms          []TransformSpec           `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Exporters           []ExporterSpec            `json:"exporters,omitempty" yaml:"exporters,omitempty"`
	Importers           []ImporterSpec            `json:"importers,omitempty" yaml:"importers,omitempty"`
	StatusBadges        []StatusBadgeSpec         `json:"statusBadges,omitempty" yaml:"statusBadges,omitempty"`
	AnnotationProviders []AnnotationProviderSpec  `json:"annotationProviders,omitempty" yaml:"annotationProviders,omitempty"`
	UIControls          []UIControlSpec           `json:"uiControls,omitempty" yaml:"uiControls,omitempty"`
	UIPanels            []UIPanelSpec             `json:"uiPanels,omitempty" yaml:"uiPanels,omitempty"`
}

// Manifest is a plugin's declared, versioned descriptor (manifest.yaml v1).
type Manifest struct {
	ID          string   `json:"id" yaml:"id"` // reverse-DNS-style
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string   `json:"entry" yaml:"entry"` // script path, relative to the plugin package
	Engine      EngineCompat `json:"engine" yaml:"engine"`

	CorePermissions     []CorePermission     `json:"permissions" yaml:"permissions"`
	OptionalPermissions []OptionalPermission `json:"optionalPermissions,omitempty" yaml:"optionalPermissions,omitempty"`
	HTTPSAllowlist      []string             `json:"httpsAllowlist,omitempty" yaml:"httpsAllowlist,omitempty"`

	ActivationEvents []ActivationEvent `json:"activationEvents,omitempty" yaml:"activationEvents,omitempty"`
	Contributes      Contributions     `json:"contributes,omitempty" yaml:"contributes,omitempty"`
}

// DeclaresActivation reports whether event is exactly present in the
// manifest's activation events, OR the event is onStartup (which is an
// implicit wildcard per spec.md §9).
func (m Manifest) DeclaresActivation(event ActivationEvent) bool {
	if event == ActivationOnStartup {
		return true
	}
	for _, e := range m.ActivationEvents {
		if e == event {
			return true
		}
	}
	return false
}

// HasCorePermission reports whether the manifest declares perm as a
// mandatory core permission.
func (m Manifest) HasCorePermission(perm CorePermission) bool {
	for _, p := range m.CorePermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// DeclaresOptionalPermission reports whether perm is among the manifest's
// requested optional permissions (requesting is necessary but not
// sufficient — see internal/plugin/permissions.go for the grant check).
func (m Manifest) DeclaresOptionalPermission(perm OptionalPermission) bool {
	for _, p := range m.OptionalPermissions {
		if p == perm {
			return true
		}
	}
	return false
}
