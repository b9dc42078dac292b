// Package dispatch implements component J: command execution and shortcut
// dispatch, the document-transform fold, the exporter/importer runners,
// the status-badge and inline-annotation evaluators, the UI-state batcher,
// and UI-trigger / panel-action dispatch with form-value reconciliation.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	pluginengine "github.com/grainery/pluginhost/internal/plugin"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

const maxAnnotationsPerProvider = 500

// Command splits a composite id, requires document:read, ensures
// activation for "onCommand:<localId>", and invokes the handler with
// {document, metadata} — spec.md §4.J.
func Command(ctx context.Context, mgr *pluginengine.Manager, compositeID string, doc pplugin.Document, metadata any) (any, error) {
	pluginID, localID, ok := pplugin.SplitCompositeID(compositeID)
	if !ok {
		return nil, fmt.Errorf("malformed composite id %q", compositeID)
	}
	m, ok := mgr.Manifest(pluginID)
	if !ok {
		return nil, &pluginengine.PluginNotFoundError{PluginID: pluginID}
	}
	if !pluginengine.Holds(m, mgr.Grants(pluginID), pluginengine.Capability(pplugin.PermDocumentRead)) {
		return nil, &pluginengine.PermissionDeniedError{Capability: string(pplugin.PermDocumentRead)}
	}
	event := pplugin.ActivationEvent("onCommand:" + localID)
	if err := mgr.EnsureActivated(ctx, pluginID, event); err != nil {
		return nil, err
	}
	return mgr.Invoke(ctx, pluginID, "command", localID, map[string]any{"document": doc, "metadata": metadata})
}

// DispatchShortcut canonicalises a keyboard event and the registry's
// declared command shortcuts, returning the first matching command's
// composite id (first match wins; the event is then consumed by the
// caller) — spec.md §4.J/§8 invariant 8.
func DispatchShortcut(mgr *pluginengine.Manager, key string, metaOrCtrl, shift, alt bool) (compositeID string, matched bool) {
	canonical := pluginengine.CanonicalizeKeyEvent(key, metaOrCtrl, shift, alt)
	for _, row := range mgr.Registry().List(pluginengine.KindCommand) {
		spec, ok := row.Metadata.(pplugin.CommandSpec)
		if !ok || spec.Shortcut == "" {
			continue
		}
		if pluginengine.CanonicalizeShortcut(spec.Shortcut) == canonical {
			return row.CompositeID, true
		}
	}
	return "", false
}

// RunTransforms folds hook's matching transforms by descending priority
// over doc. A transform whose result carries a "type" string field
// becomes the new current document; any other return (including a thrown
// error) leaves the current document unchanged — spec.md §4.J/§8
// invariant 7. Failures are never propagated to the caller.
func RunTransforms(ctx context.Context, mgr *pluginengine.Manager, hook string, doc pplugin.Document, metadata any) pplugin.Document {
	type transformRow struct {
		compositeID string
		pluginID    string
		localID     string
		priority    int
	}
	var rows []transformRow
	for _, row := range mgr.Registry().List(pluginengine.KindTransform) {
		spec, ok := row.Metadata.(pplugin.TransformSpec)
		if !ok || spec.Hook != hook {
			continue
		}
		rows = append(rows, transformRow{row.CompositeID, row.PluginID, row.LocalID, spec.Priority})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].priority > rows[j].priority })

	current := doc
	for _, r := range rows {
		event := pplugin.ActivationEvent("onTransform:" + hook)
		if err := mgr.EnsureActivated(ctx, r.pluginID, event); err != nil {
			mgr.Log().Warn("transform activation failed, skipped", "plugin", r.pluginID, "transform", r.compositeID, "hook", hook, "error", err)
			continue
		}
		result, err := mgr.Invoke(ctx, r.pluginID, "transform", r.localID, map[string]any{
			"hook": hook, "document": current, "metadata": metadata,
		})
		if err != nil {
			mgr.Log().Warn("transform invocation failed, skipped", "plugin", r.pluginID, "transform", r.compositeID, "hook", hook, "error", err)
			continue
		}
		if next, ok := asDocumentTree(result); ok {
			current = next
		}
	}
	return current
}

func asDocumentTree(v any) (pplugin.Document, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, hasType := m["type"].(string); !hasType {
		return nil, false
	}
	return m, true
}

// ExportResult is the exporter runner's output, ready for the host to
// write to a user-picked file.
type ExportResult struct {
	Bytes []byte
}

// RunExporter invokes compositeID's exporter with {document, metadata} and
// accepts either a string or a byte array (transmitted as an array of
// numbers) result.
func RunExporter(ctx context.Context, mgr *pluginengine.Manager, compositeID string, doc pplugin.Document, metadata any) (*ExportResult, error) {
	pluginID, localID, ok := pplugin.SplitCompositeID(compositeID)
	if !ok {
		return nil, fmt.Errorf("malformed composite id %q", compositeID)
	}
	if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onExporter:"+localID)); err != nil {
		return nil, err
	}
	result, err := mgr.Invoke(ctx, pluginID, "exporter", localID, map[string]any{"document": doc, "metadata": metadata})
	if err != nil {
		return nil, err
	}
	switch v := result.(type) {
	case string:
		return &ExportResult{Bytes: []byte(v)}, nil
	case []any:
		buf := make([]byte, 0, len(v))
		for _, n := range v {
			switch b := n.(type) {
			case float64:
				buf = append(buf, byte(b))
			case int64:
				buf = append(buf, byte(b))
			default:
				return nil, fmt.Errorf("exporter %s: non-numeric byte in output", compositeID)
			}
		}
		return &ExportResult{Bytes: buf}, nil
	default:
		return nil, fmt.Errorf("exporter %s: unexpected return type", compositeID)
	}
}

// RunImporter invokes compositeID's importer with the file's text and
// requires the return value to be a document tree.
func RunImporter(ctx context.Context, mgr *pluginengine.Manager, compositeID, text string) (pplugin.Document, error) {
	pluginID, localID, ok := pplugin.SplitCompositeID(compositeID)
	if !ok {
		return nil, fmt.Errorf("malformed composite id %q", compositeID)
	}
	if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onImporter:"+localID)); err != nil {
		return nil, err
	}
	result, err := mgr.Invoke(ctx, pluginID, "importer", localID, text)
	if err != nil {
		return nil, err
	}
	tree, ok := asDocumentTree(result)
	if !ok {
		return nil, fmt.Errorf("importer %s did not return a document tree", compositeID)
	}
	return tree, nil
}

// StatusBadges invokes every badge's handler in priority order and returns
// the trimmed non-empty string results, discarding empties and errors.
func StatusBadges(ctx context.Context, mgr *pluginengine.Manager, doc pplugin.Document, metadata any) []string {
	var out []string
	for _, row := range mgr.Registry().List(pluginengine.KindStatusBadge) {
		pluginID := row.PluginID
		localID := row.LocalID
		if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onStatusBadge:"+localID)); err != nil {
			mgr.Log().Warn("status badge activation failed, skipped", "plugin", pluginID, "badge", row.CompositeID, "error", err)
			continue
		}
		result, err := mgr.Invoke(ctx, pluginID, "status", localID, map[string]any{"document": doc, "metadata": metadata})
		if err != nil {
			mgr.Log().Warn("status badge invocation failed, skipped", "plugin", pluginID, "badge", row.CompositeID, "error", err)
			continue
		}
		text, _ := result.(string)
		text = strings.TrimSpace(text)
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Annotations invokes every provider that holds document:read AND
// editor:annotations concurrently, clamps and caps their results, and
// tags each with its composite id — spec.md §4.J/§8 invariant 9.
func Annotations(ctx context.Context, mgr *pluginengine.Manager, doc pplugin.Document, metadata any, docSize int) []pplugin.Annotation {
	rows := mgr.Registry().List(pluginengine.KindAnnotationProvider)

	type result struct {
		pluginID string
		items    []pplugin.Annotation
	}
	results := make(chan result, len(rows))

	for _, row := range rows {
		go func(pluginID, localID, compositeID string) {
			m, ok := mgr.Manifest(pluginID)
			if !ok {
				mgr.Log().Warn("annotation provider manifest missing, skipped", "plugin", pluginID, "provider", compositeID)
				results <- result{pluginID: pluginID}
				return
			}
			grants := mgr.Grants(pluginID)
			if !pluginengine.Holds(m, grants, pluginengine.Capability(pplugin.PermDocumentRead)) ||
				!pluginengine.Holds(m, grants, pluginengine.Capability(pplugin.PermEditorAnnotations)) {
				mgr.Log().Warn("annotation provider missing required permissions, skipped", "plugin", pluginID, "provider", compositeID)
				results <- result{pluginID: pluginID}
				return
			}
			if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onInlineAnnotations:"+localID)); err != nil {
				mgr.Log().Warn("annotation provider activation failed, skipped", "plugin", pluginID, "provider", compositeID, "error", err)
				results <- result{pluginID: pluginID}
				return
			}
			raw, err := mgr.Invoke(ctx, pluginID, "inline-annotations", localID, map[string]any{"document": doc, "metadata": metadata})
			if err != nil {
				mgr.Log().Warn("annotation provider invocation failed, skipped", "plugin", pluginID, "provider", compositeID, "error", err)
				results <- result{pluginID: pluginID}
				return
			}
			results <- result{pluginID: pluginID, items: clampAnnotations(pluginID, raw, docSize)}
		}(row.PluginID, row.LocalID, row.CompositeID)
	}

	var out []pplugin.Annotation
	for range rows {
		r := <-results
		out = append(out, r.items...)
	}
	return out
}

func clampAnnotations(pluginID string, raw any, docSize int) []pplugin.Annotation {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []pplugin.Annotation
	for _, item := range list {
		if len(out) >= maxAnnotationsPerProvider {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		kind, _ := m["kind"].(string)
		from := toInt(m["from"])
		to := toInt(m["to"])

		if from < 1 {
			from = 1
		}
		if to > docSize {
			to = docSize
		}
		if to <= from {
			continue
		}
		out = append(out, pplugin.Annotation{
			ID: pplugin.CompositeID(pluginID, id), From: from, To: to, Kind: kind,
		})
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return 0
	}
}
