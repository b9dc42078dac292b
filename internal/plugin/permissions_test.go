package plugin

import (
	"testing"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

func manifestWith(core []pplugin.CorePermission, optional []pplugin.OptionalPermission) pplugin.Manifest {
	return pplugin.Manifest{CorePermissions: core, OptionalPermissions: optional}
}

func TestHoldsCorePermission(t *testing.T) {
	m := manifestWith([]pplugin.CorePermission{pplugin.PermDocumentRead}, nil)
	if !Holds(m, nil, Capability(pplugin.PermDocumentRead)) {
		t.Fatal("expected core permission to hold with nil grants")
	}
}

func TestHoldsOptionalPermissionRequiresGrant(t *testing.T) {
	m := manifestWith(nil, []pplugin.OptionalPermission{pplugin.PermNetworkHTTPS})
	capability := Capability(pplugin.PermNetworkHTTPS)

	if Holds(m, NewGrantRecord(nil), capability) {
		t.Fatal("expected ungranted optional permission to fail")
	}
	grants := NewGrantRecord(nil)
	grants.Set(pplugin.PermNetworkHTTPS, true)
	if !Holds(m, grants, capability) {
		t.Fatal("expected granted optional permission to hold")
	}
}

func TestHoldsUndeclaredCapabilityFails(t *testing.T) {
	m := manifestWith(nil, nil)
	grants := NewGrantRecord(nil)
	grants.Set(pplugin.PermNetworkHTTPS, true)
	if Holds(m, grants, Capability(pplugin.PermNetworkHTTPS)) {
		t.Fatal("expected capability not declared anywhere in the manifest to fail regardless of grants")
	}
}

func TestMatchHTTPSAllowlistExactHost(t *testing.T) {
	if !MatchHTTPSAllowlist("api.example.com", []string{"api.example.com"}) {
		t.Fatal("expected exact host match")
	}
	if MatchHTTPSAllowlist("other.example.com", []string{"api.example.com"}) {
		t.Fatal("expected mismatch for different host")
	}
}

func TestMatchHTTPSAllowlistWildcard(t *testing.T) {
	allowlist := []string{"*.example.com"}
	if !MatchHTTPSAllowlist("api.example.com", allowlist) {
		t.Fatal("expected subdomain to match wildcard")
	}
	if MatchHTTPSAllowlist("example.com", allowlist) {
		t.Fatal("expected bare apex domain not to match *.example.com")
	}
}

func TestMatchHTTPSAllowlistCaseInsensitive(t *testing.T) {
	if !MatchHTTPSAllowlist("API.Example.com", []string{"api.example.com"}) {
		t.Fatal("expected case-insensitive match")
	}
}

func TestGrantRecordSnapshotIsACopy(t *testing.T) {
	grants := NewGrantRecord(nil)
	grants.Set(pplugin.PermFSPickRead, true)
	snap := grants.Snapshot()
	snap[pplugin.PermFSPickWrite] = true
	if grants.IsGranted(pplugin.PermFSPickWrite) {
		t.Fatal("mutating a snapshot must not affect the live grant record")
	}
}
