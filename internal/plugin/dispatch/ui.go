package dispatch

import (
	"context"
	"fmt"

	pluginengine "github.com/grainery/pluginhost/internal/plugin"
	"github.com/grainery/pluginhost/internal/plugin/sandbox"
	"github.com/grainery/pluginhost/internal/plugin/whenclause"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// ControlDisplay is one top-bar/bottom-bar control ready for rendering,
// after when-clause filtering and visibility evaluation.
type ControlDisplay struct {
	CompositeID string
	Mount       string
	Kind        string
	Label       string
	Icon        string
	Tooltip     string
	Priority    int
	State       pplugin.UIControlState
}

// PanelDisplay is one side panel ready for rendering, with either the
// plugin's live-rendered content or its manifest-declared fallback.
type PanelDisplay struct {
	CompositeID  string
	Title        string
	Icon         string
	DefaultWidth int
	MinWidth     int
	MaxWidth     int
	Priority     int
	Content      []pplugin.Block
}

// EvaluateUI computes the current display state for every registered UI
// control and panel. Controls whose "when" clause evaluates false are
// omitted entirely; the remaining controls are batch-evaluated per plugin
// and any with Visible=false are dropped from the result. A panel the
// plugin does not render (including when the ui-evaluate call fails) falls
// back to the content declared for it in the manifest. Only contributions
// registered at runtime are in the registry, so controls and panels of a
// plugin that has not been activated do not appear in the result —
// spec.md §4.J/§9.
func EvaluateUI(ctx context.Context, mgr *pluginengine.Manager, whenCtx whenclause.Context, evalCtx map[string]any) ([]ControlDisplay, []PanelDisplay) {
	controlRows := mgr.Registry().List(pluginengine.KindUIControl)
	panelRows := mgr.Registry().List(pluginengine.KindUIPanel)

	controlsByPlugin := map[string][]string{}
	controlSpecs := map[string]pplugin.UIControlSpec{}
	for _, row := range controlRows {
		spec, ok := row.Metadata.(pplugin.UIControlSpec)
		if !ok {
			continue
		}
		if spec.When != "" && !whenclause.Eval(spec.When, whenCtx) {
			continue
		}
		controlsByPlugin[row.PluginID] = append(controlsByPlugin[row.PluginID], row.LocalID)
		controlSpecs[row.CompositeID] = spec
	}

	panelsByPlugin := map[string][]string{}
	panelSpecs := map[string]pplugin.UIPanelSpec{}
	for _, row := range panelRows {
		spec, ok := row.Metadata.(pplugin.UIPanelSpec)
		if !ok {
			continue
		}
		if spec.When != "" && !whenclause.Eval(spec.When, whenCtx) {
			continue
		}
		panelsByPlugin[row.PluginID] = append(panelsByPlugin[row.PluginID], row.LocalID)
		panelSpecs[row.CompositeID] = spec
	}

	pluginIDs := map[string]bool{}
	for id := range controlsByPlugin {
		pluginIDs[id] = true
	}
	for id := range panelsByPlugin {
		pluginIDs[id] = true
	}

	var controls []ControlDisplay
	var panels []PanelDisplay

	for pluginID := range pluginIDs {
		controlLocalIDs := controlsByPlugin[pluginID]
		panelLocalIDs := panelsByPlugin[pluginID]

		var result *sandbox.UIEvalResult
		if raw, err := mgr.Invoke(ctx, pluginID, "ui-evaluate", "", sandbox.UIEvalRequest{
			ControlIDs: controlLocalIDs, PanelIDs: panelLocalIDs, Context: evalCtx,
		}); err == nil {
			if r, ok := raw.(sandbox.UIEvalResult); ok {
				result = &r
			}
		}

		for _, localID := range controlLocalIDs {
			compositeID := pplugin.CompositeID(pluginID, localID)
			spec := controlSpecs[compositeID]
			state := pplugin.UIControlState{Visible: true, Disabled: false, Active: false}
			if result != nil {
				if s, ok := result.Controls[localID]; ok {
					state = pplugin.UIControlState{Visible: s.Visible, Disabled: s.Disabled, Active: s.Active, Text: s.Text}
				}
			}
			if !state.Visible {
				continue
			}
			controls = append(controls, ControlDisplay{
				CompositeID: compositeID, Mount: spec.Mount, Kind: spec.Kind,
				Label: spec.Label, Icon: spec.Icon, Tooltip: spec.Tooltip,
				Priority: spec.Priority, State: state,
			})
		}

		for _, localID := range panelLocalIDs {
			compositeID := pplugin.CompositeID(pluginID, localID)
			spec := panelSpecs[compositeID]
			content := spec.Content
			if len(content) == 0 {
				manifest, _ := mgr.Manifest(pluginID)
				for _, declared := range manifest.Contributes.UIPanels {
					if declared.ID == localID {
						content = declared.Content
					}
				}
			}
			if result != nil {
				if raw, ok := result.Panels[localID]; ok {
					if blocks, ok := decodeBlocks(raw); ok {
						content = blocks
					}
				}
			}
			panels = append(panels, PanelDisplay{
				CompositeID: compositeID, Title: spec.Title, Icon: spec.Icon,
				DefaultWidth: spec.DefaultWidth, MinWidth: spec.MinWidth, MaxWidth: spec.MaxWidth,
				Priority: spec.Priority, Content: content,
			})
		}
	}
	return controls, panels
}

func decodeBlocks(raw any) ([]pplugin.Block, bool) {
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]pplugin.Block, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b := pplugin.Block{
			Type:      stringField(m, "type"),
			FieldID:   stringField(m, "fieldId"),
			Value:     stringField(m, "value"),
			MaxLength: toInt(m["maxLength"]),
			Rows:      toInt(m["rows"]),
		}
		if children, ok := decodeBlocks(m["children"]); ok {
			b.Children = children
		}
		out = append(out, b)
	}
	return out, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// TriggerUIControl fires a control's onTrigger handler. Requires ui:mount
// and ensures the owning plugin is activated for the control's composite
// activation event before invoking — spec.md §4.J.
func TriggerUIControl(ctx context.Context, mgr *pluginengine.Manager, compositeID string, evalCtx map[string]any) (any, error) {
	pluginID, localID, ok := pplugin.SplitCompositeID(compositeID)
	if !ok {
		return nil, fmt.Errorf("malformed composite id %q", compositeID)
	}
	m, ok := mgr.Manifest(pluginID)
	if !ok {
		return nil, &pluginengine.PluginNotFoundError{PluginID: pluginID}
	}
	if !pluginengine.Holds(m, mgr.Grants(pluginID), pluginengine.Capability(pplugin.PermUIMount)) {
		return nil, &pluginengine.PermissionDeniedError{Capability: string(pplugin.PermUIMount)}
	}
	if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onUIControl:"+localID)); err != nil {
		return nil, err
	}
	return mgr.Invoke(ctx, pluginID, "ui-control", localID, evalCtx)
}

// DispatchPanelAction fires a panel's onAction handler with req, then
// reconciles the submitted form values against the handler's response
// content: a field whose previous value still equals its previous default
// (or that had no previous value) adopts the new default from that
// content; a field the user edited away from its previous default keeps
// the submitted value. Every resulting value is sanitized —
// spec.md §4.J/§8 invariant 10.
func DispatchPanelAction(ctx context.Context, mgr *pluginengine.Manager, compositeID string, req pplugin.PanelActionRequest, prevState pplugin.PanelFormState) (pplugin.PanelActionResponse, map[string]string, error) {
	pluginID, localID, ok := pplugin.SplitCompositeID(compositeID)
	if !ok {
		return pplugin.PanelActionResponse{}, nil, fmt.Errorf("malformed composite id %q", compositeID)
	}
	m, ok := mgr.Manifest(pluginID)
	if !ok {
		return pplugin.PanelActionResponse{}, nil, &pluginengine.PluginNotFoundError{PluginID: pluginID}
	}
	if !pluginengine.Holds(m, mgr.Grants(pluginID), pluginengine.Capability(pplugin.PermUIMount)) {
		return pplugin.PanelActionResponse{}, nil, &pluginengine.PermissionDeniedError{Capability: string(pplugin.PermUIMount)}
	}
	if err := mgr.EnsureActivated(ctx, pluginID, pplugin.ActivationEvent("onUIPanel:"+localID)); err != nil {
		return pplugin.PanelActionResponse{}, nil, err
	}

	result, err := mgr.Invoke(ctx, pluginID, "ui-panel-action", localID, req)
	if err != nil {
		return pplugin.PanelActionResponse{}, nil, err
	}
	resp, _ := result.(pplugin.PanelActionResponse)
	if m, ok := result.(map[string]any); ok {
		if blocks, ok := decodeBlocks(m["content"]); ok {
			resp.Content = blocks
		}
		if a, ok := m["action"].(map[string]any); ok {
			resp.Action = &pplugin.Action{
				Kind: pplugin.ActionKind(stringField(a, "kind")), CommandID: stringField(a, "commandId"),
				PanelID: stringField(a, "panelId"), Position: float64(toInt(a["position"])),
			}
		}
	}

	reconciled := reconcileFormValues(req.FormValues, prevState, blocksByField(resp.Content))
	return resp, reconciled, nil
}

// blocksByField indexes a block tree by FieldID, descending into Children,
// so reconcileFormValues can look a submitted field's new default up
// against the handler's response without the caller needing to know the
// panel's layout.
func blocksByField(blocks []pplugin.Block) map[string]pplugin.Block {
	out := map[string]pplugin.Block{}
	var walk func([]pplugin.Block)
	walk = func(bs []pplugin.Block) {
		for _, b := range bs {
			if b.FieldID != "" {
				out[b.FieldID] = b
			}
			if len(b.Children) > 0 {
				walk(b.Children)
			}
		}
	}
	walk(blocks)
	return out
}

func reconcileFormValues(submitted map[string]string, prev pplugin.PanelFormState, blockByField map[string]pplugin.Block) map[string]string {
	out := make(map[string]string, len(submitted))
	for field, value := range submitted {
		block, hasBlock := blockByField[field]
		maxLen := pluginengine.DefaultMaxLength("")
		if hasBlock {
			maxLen = pluginengine.DefaultMaxLength(block.Type)
			if block.MaxLength > 0 {
				maxLen = block.MaxLength
			}
		}

		prevValue, hadPrev := prev.Values[field]
		prevDefault := prev.Defaults[field]
		unchanged := !hadPrev || prevValue == prevDefault

		newDefault := ""
		if hasBlock {
			newDefault = block.Value
		}

		final := value
		if unchanged && newDefault != value {
			final = newDefault
		}
		out[field] = pluginengine.SanitizeFieldValue(final, maxLen)
	}
	return out
}
