package shell

import "encoding/json"

// Operations the host sends to the UI shell.
const (
	OpSurfaceCreate   = "surface.create"
	OpSurfaceAttach   = "surface.attach"
	OpSurfaceNavigate = "surface.navigate"
	OpSurfaceInject   = "surface.inject"
	OpSurfaceBounds   = "surface.bounds"
	OpSurfaceDevTools = "surface.devtools"
	OpSurfaceDispose  = "surface.dispose"

	OpWindowShow    = "window.show"
	OpWindowHide    = "window.hide"
	OpWindowFocus   = "window.focus"
	OpWindowVisible = "window.visible"

	OpClipboardWriteText = "clipboard.writeText"
	OpClipboardReadImage = "clipboard.readImage"

	OpShortcutRegister      = "shortcut.register"
	OpShortcutUnregister    = "shortcut.unregister"
	OpShortcutUnregisterAll = "shortcut.unregisterAll"
)

// Notifications the UI shell sends unprompted.
const (
	NoteSurfaceEvent    = "surface.event"
	NoteShortcutPressed = "shortcut.pressed"
)

// Frame is one JSON message on the shell connection. Requests carry an ID
// and Op; the shell answers with a frame carrying the same ID, Reply set,
// and either Result or Error. Notifications carry Op and no ID.
type Frame struct {
	ID      uint64          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Surface string          `json:"surface,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Reply   bool            `json:"reply,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type createArgs struct {
	Partition string `json:"partition"`
	PluginID  string `json:"pluginId,omitempty"`
}

type navigateArgs struct {
	URL string `json:"url"`
}

type injectArgs struct {
	Source string `json:"source"`
}

type textArgs struct {
	Text string `json:"text"`
}

type acceleratorArgs struct {
	Accelerator string `json:"accelerator"`
}

type visibleResult struct {
	Visible bool `json:"visible"`
}

type imageResult struct {
	DataURL string `json:"dataUrl"`
}
