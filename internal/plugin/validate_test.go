package plugin

import (
	"testing"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

func TestValidateManifestRejectsDuplicateLocalID(t *testing.T) {
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			Commands: []pplugin.CommandSpec{{ID: "foo"}, {ID: "foo"}},
		},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatal("expected duplicate local id to be rejected")
	}
}

func TestValidateManifestRejectsInvalidLocalID(t *testing.T) {
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			Commands: []pplugin.CommandSpec{{ID: "has a space"}},
		},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatal("expected invalid local id to be rejected")
	}
}

func TestValidateManifestAcceptsDistinctKindsSharingAnID(t *testing.T) {
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			Commands:   []pplugin.CommandSpec{{ID: "main"}},
			Transforms: []pplugin.TransformSpec{{ID: "main", Hook: "onSave"}},
		},
	}
	if err := ValidateManifest(m); err != nil {
		t.Fatalf("expected distinct kinds to tolerate a shared local id: %v", err)
	}
}

func TestValidateManifestRejectsPanelOverBlockCap(t *testing.T) {
	blocks := make([]pplugin.Block, maxPanelBlocks+1)
	for i := range blocks {
		blocks[i] = pplugin.Block{Type: "label"}
	}
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			UIPanels: []pplugin.UIPanelSpec{{ID: "panel", Content: blocks}},
		},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatal("expected panel exceeding block cap to be rejected")
	}
}

func TestValidateManifestCountsNestedBlocksTowardCap(t *testing.T) {
	child := pplugin.Block{Type: "label"}
	children := make([]pplugin.Block, maxPanelBlocks)
	for i := range children {
		children[i] = child
	}
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			UIPanels: []pplugin.UIPanelSpec{{
				ID:      "panel",
				Content: []pplugin.Block{{Type: "group", Children: children}},
			}},
		},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatal("expected nested children to count toward the 256-block cap")
	}
}

func TestValidateManifestRejectsInvalidAction(t *testing.T) {
	m := pplugin.Manifest{
		Contributes: pplugin.Contributions{
			UIControls: []pplugin.UIControlSpec{{
				ID:     "toggle",
				Action: &pplugin.Action{Kind: pplugin.ActionCommand}, // missing CommandID
			}},
		},
	}
	if err := ValidateManifest(m); err == nil {
		t.Fatal("expected action missing its required field to be rejected")
	}
}

func TestRegistrationAllowed(t *testing.T) {
	declared := map[string]bool{"main": true}
	if !RegistrationAllowed("main", declared) {
		t.Fatal("expected declared id to be allowed")
	}
	if RegistrationAllowed("other", declared) {
		t.Fatal("expected undeclared id to be rejected")
	}
	if RegistrationAllowed("has a space", map[string]bool{"has a space": true}) {
		t.Fatal("expected malformed id to be rejected even if somehow present in the declared set")
	}
}

func TestSanitizeFieldValueStripsNulAndTruncates(t *testing.T) {
	got := SanitizeFieldValue("ab\x00cdef", 4)
	if got != "abcd" {
		t.Fatalf("got %q, want %q", got, "abcd")
	}
}

func TestDefaultMaxLength(t *testing.T) {
	if DefaultMaxLength("textarea") != defaultTextAreaMax {
		t.Fatalf("expected textarea default %d, got %d", defaultTextAreaMax, DefaultMaxLength("textarea"))
	}
	if DefaultMaxLength("input") != defaultInputMax {
		t.Fatalf("expected input default %d, got %d", defaultInputMax, DefaultMaxLength("input"))
	}
}

func TestClampRows(t *testing.T) {
	if ClampRows(0) != minTextAreaRows {
		t.Fatalf("expected rows below minimum to clamp to %d", minTextAreaRows)
	}
	if ClampRows(1000) != maxTextAreaRows {
		t.Fatalf("expected rows above maximum to clamp to %d", maxTextAreaRows)
	}
	if ClampRows(5) != 5 {
		t.Fatal("expected an in-range row count to pass through unchanged")
	}
}
