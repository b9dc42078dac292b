package plugin

import (
	"strings"
	"sync"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// GrantRecord is the mutable, serialised-through-the-OS-shell grant table
// for one plugin's optional permissions.
type GrantRecord struct {
	mu      sync.RWMutex
	granted map[pplugin.OptionalPermission]bool
}

// NewGrantRecord builds a grant record from the persisted grant map, e.g.
// loaded from InstalledPlugin.GrantedPermissions.
func NewGrantRecord(initial map[pplugin.OptionalPermission]bool) *GrantRecord {
	g := &GrantRecord{granted: make(map[pplugin.OptionalPermission]bool, len(initial))}
	for k, v := range initial {
		if v {
			g.granted[k] = true
		}
	}
	return g
}

// IsGranted reports whether perm is currently granted.
func (g *GrantRecord) IsGranted(perm pplugin.OptionalPermission) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted[perm]
}

// Set mutates the in-memory grant record. Callers must have already
// persisted the decision through the OS shell — this only updates what
// subsequent permission checks see.
func (g *GrantRecord) Set(perm pplugin.OptionalPermission, granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if granted {
		g.granted[perm] = true
	} else {
		delete(g.granted, perm)
	}
}

// Snapshot returns a copy of the current grant set, e.g. for persistence.
func (g *GrantRecord) Snapshot() map[pplugin.OptionalPermission]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[pplugin.OptionalPermission]bool, len(g.granted))
	for k := range g.granted {
		out[k] = true
	}
	return out
}

// Capability is the closed name a host operation declares as its required
// permission. It may be a CorePermission or an OptionalPermission; Holds
// dispatches on which set it belongs to.
type Capability string

// Holds implements the permission gate: holds(plugin, perm) = perm ∈
// manifest.permissions OR (perm ∈ optionalPermissions AND granted).
// spec.md §4.C, §8 invariant 3.
func Holds(manifest pplugin.Manifest, grants *GrantRecord, cap Capability) bool {
	if manifest.HasCorePermission(pplugin.CorePermission(cap)) {
		return true
	}
	opt := pplugin.OptionalPermission(cap)
	if !manifest.DeclaresOptionalPermission(opt) {
		return false
	}
	if grants == nil {
		return false
	}
	return grants.IsGranted(opt)
}

// MatchHTTPSAllowlist reports whether host matches one of the
// manifest's allowlist patterns. A pattern may be an exact host or a
// "*.example.com" wildcard matching any subdomain (but not the bare
// domain itself) — the same glob idiom as the teacher's matchURLPattern.
func MatchHTTPSAllowlist(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, pattern := range allowlist {
		pattern = strings.ToLower(pattern)
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}
