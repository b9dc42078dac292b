package plugin

import (
	"sort"
	"sync"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// contributionRow is one table row: a composite id plus the plugin that
// owns it and its declared/registered metadata.
type contributionRow struct {
	CompositeID string
	PluginID    string
	LocalID     string
	Priority    int
	Metadata    any
}

// kindTable is a single contribution kind's table, generalised from the
// teacher's TemplateOverrideRegistry (one mutex-guarded map, upsert by
// composite id, Register/Unregister, ordered listing).
type kindTable struct {
	mu   sync.RWMutex
	rows map[string]contributionRow
}

func newKindTable() *kindTable {
	return &kindTable{rows: map[string]contributionRow{}}
}

func (t *kindTable) upsert(row contributionRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[row.CompositeID] = row
}

func (t *kindTable) remove(compositeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, compositeID)
}

// removeByPlugin drops every row owned by pluginID, used when a session
// shuts down or is reloaded.
func (t *kindTable) removeByPlugin(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, row := range t.rows {
		if row.PluginID == pluginID {
			delete(t.rows, id)
		}
	}
}

func (t *kindTable) get(compositeID string) (contributionRow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[compositeID]
	return row, ok
}

// list returns every row ordered by priority descending, ties broken by
// composite id ascending — spec.md §4.G.
func (t *kindTable) list() []contributionRow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]contributionRow, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CompositeID < out[j].CompositeID
	})
	return out
}

// ContributionKind enumerates the registry's tables.
type ContributionKind string

const (
	KindCommand            ContributionKind = "command"
	KindTransform          ContributionKind = "transform"
	KindExporter           ContributionKind = "exporter"
	KindImporter           ContributionKind = "importer"
	KindStatusBadge        ContributionKind = "statusBadge"
	KindAnnotationProvider ContributionKind = "annotationProvider"
	KindUIControl          ContributionKind = "uiControl"
	KindUIPanel            ContributionKind = "uiPanel"
)

var allKinds = []ContributionKind{
	KindCommand, KindTransform, KindExporter, KindImporter,
	KindStatusBadge, KindAnnotationProvider, KindUIControl, KindUIPanel,
}

// Registry is the deduplicated, plugin-scoped, composite-ID'd index of
// every contribution, with a single version notifier observers can poll
// or select on.
type Registry struct {
	tables map[ContributionKind]*kindTable

	mu       sync.Mutex
	version  uint64
	watchers []chan uint64
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	r := &Registry{tables: map[ContributionKind]*kindTable{}}
	for _, k := range allKinds {
		r.tables[k] = newKindTable()
	}
	return r
}

// Watch returns a channel that receives the registry's version number
// after every Upsert, Remove and RemovePlugin (runtime registrations,
// reloads and crashes). Grant changes do not touch the registry and send
// no notification. The send is non-blocking: the channel holds one pending
// version, and a slow subscriber finds only the latest one waiting rather
// than stalling the registry, the same idiom as the teacher's
// SSEBroker.Publish (the transport is gone, the drop-for-slow-reader idiom
// survives it).
// Observers tolerate receiving multiple notifications without intervening
// state change, per spec.md §5.
func (r *Registry) Watch() <-chan uint64 {
	ch := make(chan uint64, 1)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) bump() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	v := r.version
	for _, ch := range r.watchers {
		select {
		case ch <- v:
		default:
			// Replace the stale pending version with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Version returns the current version number.
func (r *Registry) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Upsert registers or replaces a row under kind, keyed by its composite id,
// and bumps the registry version.
func (r *Registry) Upsert(kind ContributionKind, pluginID, localID string, priority int, metadata any) {
	composite := pplugin.CompositeID(pluginID, localID)
	r.tables[kind].upsert(contributionRow{
		CompositeID: composite, PluginID: pluginID, LocalID: localID,
		Priority: priority, Metadata: metadata,
	})
	r.bump()
}

// Remove drops one row.
func (r *Registry) Remove(kind ContributionKind, compositeID string) {
	r.tables[kind].remove(compositeID)
	r.bump()
}

// RemovePlugin drops every row owned by pluginID across all kinds, used on
// session shutdown/reload.
func (r *Registry) RemovePlugin(pluginID string) {
	for _, t := range r.tables {
		t.removeByPlugin(pluginID)
	}
	r.bump()
}

// Get looks up one row by composite id.
func (r *Registry) Get(kind ContributionKind, compositeID string) (contributionRow, bool) {
	return r.tables[kind].get(compositeID)
}

// List returns kind's rows ordered for UI display.
func (r *Registry) List(kind ContributionKind) []contributionRow {
	return r.tables[kind].list()
}
