package plugin

// Annotation is a rendered inline annotation after clamping and
// composite-id tagging (spec.md §3/§4.J).
type Annotation struct {
	ID   string `json:"id"` // composite id "<pluginId>:<annotationId>"
	From int    `json:"from"`
	To   int    `json:"to"`
	Kind string `json:"kind"` // note | note-active
}

// RawAnnotation is what a provider's handler returns, before clamping.
type RawAnnotation struct {
	ID   string `json:"id"`
	From int    `json:"from"`
	To   int    `json:"to"`
	Kind string `json:"kind"`
}

// PanelFormState is the reconciliation state for one open panel: the
// current user-edited values and the defaults they were last rendered
// against (spec.md §3/§4.J).
type PanelFormState struct {
	Values   map[string]string
	Defaults map[string]string
}

// PanelActionRequest is the payload sent to a panel's onAction handler.
type PanelActionRequest struct {
	Document           Document       `json:"document"`
	CurrentElementType string         `json:"currentElementType"`
	Selection          SelectionRange `json:"selection"`
	Metadata           any            `json:"metadata,omitempty"`
	ActionID           string         `json:"actionId"`
	FormValues         map[string]string `json:"formValues"`
}

// PanelActionResponse is what a panel's onAction handler may return: new
// content and/or an action to apply.
type PanelActionResponse struct {
	Content []Block `json:"content,omitempty"`
	Action  *Action `json:"action,omitempty"`
}

// UIControlState is the per-control result of a ui-evaluate batch.
type UIControlState struct {
	Visible  bool   `json:"visible"`
	Disabled bool   `json:"disabled"`
	Active   bool   `json:"active"`
	Text     string `json:"text,omitempty"`
}
