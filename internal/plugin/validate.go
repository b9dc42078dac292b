package plugin

import (
	"fmt"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

const (
	maxPanelBlocks    = 256
	maxActionsPerNode = 64
	defaultInputMax   = 200
	defaultTextAreaMax = 4000
	minTextAreaRows   = 2
	maxTextAreaRows   = 16
)

// ValidateManifest bounds-checks the manifest's declared contribution ids
// and panel content; it is called at reload time before any runtime
// registration is accepted, per spec.md §4.B.
func ValidateManifest(m pplugin.Manifest) error {
	seen := map[string]bool{}
	check := func(kind, localID string) error {
		if !pplugin.ValidLocalID(localID) {
			return fmt.Errorf("%s: invalid local id %q", kind, localID)
		}
		key := kind + "/" + localID
		if seen[key] {
			return fmt.Errorf("%s: duplicate local id %q", kind, localID)
		}
		seen[key] = true
		return nil
	}

	for _, c := range m.Contributes.Commands {
		if err := check("command", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.Transforms {
		if err := check("transform", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.Exporters {
		if err := check("exporter", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.Importers {
		if err := check("importer", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.StatusBadges {
		if err := check("statusBadge", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.AnnotationProviders {
		if err := check("annotationProvider", c.ID); err != nil {
			return err
		}
	}
	for _, c := range m.Contributes.UIControls {
		if err := check("uiControl", c.ID); err != nil {
			return err
		}
		if c.Action != nil {
			if err := c.Action.Validate(); err != nil {
				return fmt.Errorf("uiControl %s: %w", c.ID, err)
			}
		}
	}
	for _, c := range m.Contributes.UIPanels {
		if err := check("uiPanel", c.ID); err != nil {
			return err
		}
		if err := validateBlocks(c.Content); err != nil {
			return fmt.Errorf("uiPanel %s: %w", c.ID, err)
		}
	}
	return nil
}

// validateBlocks enforces the panel block/action/fieldId limits named in
// spec.md §4.B, recursively (a block's Children count toward the same
// overall 256-block cap).
func validateBlocks(blocks []pplugin.Block) error {
	count := 0
	var walk func(bs []pplugin.Block) error
	walk = func(bs []pplugin.Block) error {
		for _, b := range bs {
			count++
			if count > maxPanelBlocks {
				return fmt.Errorf("panel content exceeds %d blocks", maxPanelBlocks)
			}
			if (b.Type == "input" || b.Type == "textarea") && b.FieldID != "" {
				if !pplugin.ValidLocalID(b.FieldID) {
					return fmt.Errorf("block %q: invalid fieldId %q", b.Type, b.FieldID)
				}
			}
			if len(b.Actions) > maxActionsPerNode {
				return fmt.Errorf("block %q: exceeds %d actions", b.Type, maxActionsPerNode)
			}
			for _, a := range b.Actions {
				if err := a.Validate(); err != nil {
					return err
				}
			}
			if err := walk(b.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(blocks)
}

// RegistrationAllowed reports whether a runtime registration of localID
// under kind is permitted by the manifest's declared contribution index —
// spec.md §8 invariant 2. declaredIDs is the set of local ids the manifest
// pre-declared for that kind.
func RegistrationAllowed(localID string, declaredIDs map[string]bool) bool {
	return pplugin.ValidLocalID(localID) && declaredIDs[localID]
}

// SanitizeFieldValue strips NUL bytes and truncates to maxLength, the
// reconciliation-rule sanitisation step shared by panel default computation
// and user-value comparison (spec.md §4.J).
func SanitizeFieldValue(value string, maxLength int) string {
	out := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		if value[i] == 0 {
			continue
		}
		out = append(out, value[i])
	}
	if maxLength > 0 && len(out) > maxLength {
		out = out[:maxLength]
	}
	return string(out)
}

// DefaultMaxLength returns the field-kind default cap used when a block
// doesn't declare its own MaxLength.
func DefaultMaxLength(blockType string) int {
	if blockType == "textarea" {
		return defaultTextAreaMax
	}
	return defaultInputMax
}

// ClampRows clamps a textarea's declared row count to [2,16].
func ClampRows(rows int) int {
	if rows < minTextAreaRows {
		return minTextAreaRows
	}
	if rows > maxTextAreaRows {
		return maxTextAreaRows
	}
	return rows
}
