package sandbox

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/grainery/pluginhost/internal/plugin/rpc"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

// buildAPI constructs the object passed to the plugin's setup(api)
// function. Every registration function both updates the session's own
// handler tables (so dispatch can find them) and emits a register-<kind>
// event toward the host so the contribution registry can index them.
func (s *Session) buildAPI() map[string]any {
	vm := s.vm
	api := map[string]any{}

	api["registerCommand"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		handler := callableProp(vm, obj, "handler")
		if id == "" || handler == nil {
			panic(vm.NewTypeError("registerCommand requires id and handler"))
		}
		s.commands[id] = handler
		s.emitRegister("command", id, pplugin.CommandSpec{
			ID:       id,
			Title:    stringProp(obj, "title"),
			Shortcut: stringProp(obj, "shortcut"),
		})
		return goja.Undefined()
	}

	api["registerDocumentTransform"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		hook := stringProp(obj, "hook")
		handler := callableProp(vm, obj, "handler")
		if id == "" || hook == "" || handler == nil {
			panic(vm.NewTypeError("registerDocumentTransform requires id, hook and handler"))
		}
		s.transforms[id] = transformEntry{hook: hook, priority: intProp(obj, "priority"), fn: handler}
		s.emitRegister("transform", id, pplugin.TransformSpec{
			ID: id, Hook: hook, Priority: intProp(obj, "priority"),
		})
		return goja.Undefined()
	}

	api["registerExporter"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		handler := callableProp(vm, obj, "handler")
		if id == "" || handler == nil {
			panic(vm.NewTypeError("registerExporter requires id and handler"))
		}
		s.exporters[id] = handler
		s.emitRegister("exporter", id, pplugin.ExporterSpec{
			ID: id, Title: stringProp(obj, "title"),
			Extension: stringProp(obj, "extension"), MimeType: stringProp(obj, "mimeType"),
		})
		return goja.Undefined()
	}

	api["registerImporter"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		handler := callableProp(vm, obj, "handler")
		if id == "" || handler == nil {
			panic(vm.NewTypeError("registerImporter requires id and handler"))
		}
		s.importers[id] = handler
		s.emitRegister("importer", id, pplugin.ImporterSpec{
			ID: id, Title: stringProp(obj, "title"), Extensions: stringSliceProp(obj, "extensions"),
		})
		return goja.Undefined()
	}

	api["registerStatusBadge"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		handler := callableProp(vm, obj, "handler")
		if id == "" || handler == nil {
			panic(vm.NewTypeError("registerStatusBadge requires id and handler"))
		}
		s.statusBadges[id] = handler
		s.emitRegister("statusBadge", id, pplugin.StatusBadgeSpec{
			ID: id, Label: stringProp(obj, "label"), Priority: intProp(obj, "priority"),
		})
		return goja.Undefined()
	}

	api["registerInlineAnnotationProvider"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		handler := callableProp(vm, obj, "handler")
		if id == "" || handler == nil {
			panic(vm.NewTypeError("registerInlineAnnotationProvider requires id and handler"))
		}
		s.annotations[id] = handler
		s.emitRegister("annotationProvider", id, pplugin.AnnotationProviderSpec{
			ID: id, Title: stringProp(obj, "title"), Priority: intProp(obj, "priority"),
		})
		return goja.Undefined()
	}

	api["registerUIControl"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		if id == "" {
			panic(vm.NewTypeError("registerUIControl requires id"))
		}
		if fn := callableProp(vm, obj, "onTrigger"); fn != nil {
			s.uiControlTrigger[id] = fn
		}
		if fn := callableProp(vm, obj, "isVisible"); fn != nil {
			s.uiControlVisible[id] = fn
		}
		if fn := callableProp(vm, obj, "isDisabled"); fn != nil {
			s.uiControlDisabled[id] = fn
		}
		if fn := callableProp(vm, obj, "isActive"); fn != nil {
			s.uiControlActive[id] = fn
		}
		s.emitRegister("uiControl", id, pplugin.UIControlSpec{
			ID: id, Mount: stringProp(obj, "mount"), Kind: stringProp(obj, "kind"),
			Label: stringProp(obj, "label"), Icon: stringProp(obj, "icon"),
			Priority: intProp(obj, "priority"), Tooltip: stringProp(obj, "tooltip"),
			When: stringProp(obj, "when"),
		})
		return goja.Undefined()
	}

	api["registerUIPanel"] = func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		id := stringProp(obj, "id")
		if id == "" {
			panic(vm.NewTypeError("registerUIPanel requires id"))
		}
		if fn := callableProp(vm, obj, "onAction"); fn != nil {
			s.uiPanelAction[id] = fn
		}
		if fn := callableProp(vm, obj, "onRender"); fn != nil {
			s.uiPanelRender[id] = fn
		}
		s.emitRegister("uiPanel", id, pplugin.UIPanelSpec{
			ID: id, Title: stringProp(obj, "title"), Icon: stringProp(obj, "icon"),
			DefaultWidth: intProp(obj, "defaultWidth"), MinWidth: intProp(obj, "minWidth"),
			MaxWidth: intProp(obj, "maxWidth"), Priority: intProp(obj, "priority"),
			When: stringProp(obj, "when"),
		})
		return goja.Undefined()
	}

	api["registerElementLoopProvider"] = func(call goja.FunctionCall) goja.Value {
		// p is an array of rule objects; the host keeps only the most
		// recent registration (install/replace semantics, spec.md §6).
		exported := call.Argument(0).Export()
		rules, err := decodeElementLoopRules(exported)
		if err != nil {
			panic(vm.NewTypeError(err.Error()))
		}
		s.emitRegister("elementLoopProvider", "", rules)
		return goja.Undefined()
	}

	api["getDocument"] = func(call goja.FunctionCall) goja.Value {
		doc, err := s.adapter.DocumentGet(context.Background(), s.id)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(doc)
	}

	api["replaceDocument"] = func(call goja.FunctionCall) goja.Value {
		tree, _ := call.Argument(0).Export().(pplugin.Document)
		if err := s.adapter.DocumentReplace(context.Background(), s.id, tree); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	}

	api["requestPermission"] = func(call goja.FunctionCall) goja.Value {
		perm := pplugin.OptionalPermission(call.Argument(0).String())
		granted, err := s.adapter.RequestPermission(context.Background(), s.id, perm)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(granted)
	}

	api["hostCall"] = func(call goja.FunctionCall) goja.Value {
		op := call.Argument(0).String()
		payload := call.Argument(1).Export()
		result, err := s.adapter.HostCall(context.Background(), s.id, op, payload)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	}

	return api
}

func (s *Session) emitRegister(kind, localID string, descriptor any) {
	s.events <- Event{
		Type:          rpc.Type("register-" + kind),
		PluginID:      s.id,
		RegisterLocal: localID,
		Descriptor:    descriptor,
	}
}

func stringProp(obj *goja.Object, name string) string {
	if obj == nil {
		return ""
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func intProp(obj *goja.Object, name string) int {
	if obj == nil {
		return 0
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return int(v.ToInteger())
}

func stringSliceProp(obj *goja.Object, name string) []string {
	if obj == nil {
		return nil
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported, ok := v.Export().([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(exported))
	for _, e := range exported {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func callableProp(vm *goja.Runtime, obj *goja.Object, name string) goja.Callable {
	if obj == nil {
		return nil
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

func decodeElementLoopRules(exported any) ([]ElementLoopRuleSource, error) {
	list, ok := exported.([]any)
	if !ok {
		return nil, fmt.Errorf("registerElementLoopProvider requires an array")
	}
	rules := make([]ElementLoopRuleSource, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rules = append(rules, ElementLoopRuleSource{raw: m})
	}
	return rules, nil
}

// ElementLoopRuleSource is one raw, still-undecoded rule object from
// registerElementLoopProvider. Decoding it into the engine's
// plugin.ElementLoopRule type happens in the lifecycle manager, which owns
// that type — the sandbox package only carries JS values as far as the
// boundary, never interprets their domain meaning.
type ElementLoopRuleSource struct {
	raw map[string]any
}

// Raw exposes the underlying decoded JS object.
func (r ElementLoopRuleSource) Raw() map[string]any { return r.raw }
