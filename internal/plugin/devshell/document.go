package devshell

import (
	"fmt"
	"sync"

	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// Document is a trivial in-memory pplugin.DocumentAccessor, standing in
// for the real editor while exercising the core from the CLI: one current
// document tree plus a per-plugin blob store, both guarded by a mutex.
type Document struct {
	mu   sync.RWMutex
	tree pplugin.Document
	data map[string]any
}

// NewDocument seeds the accessor with an initial document tree.
func NewDocument(initial pplugin.Document) *Document {
	if initial == nil {
		initial = pplugin.Document{"type": "screenplay", "children": []any{}}
	}
	return &Document{tree: initial, data: map[string]any{}}
}

func (d *Document) GetDocument() pplugin.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree
}

func (d *Document) ReplaceDocument(tree pplugin.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree = tree
	return nil
}

func (d *Document) GetPluginData(pluginID string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[pluginID]
	return v, ok
}

func (d *Document) SetPluginData(pluginID string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data == nil {
		d.data = map[string]any{}
	}
	d.data[pluginID] = value
	return nil
}

var _ pplugin.DocumentAccessor = (*Document)(nil)

func (d *Document) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("%v", d.tree)
}
