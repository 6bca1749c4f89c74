package shortcuts

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Parse errors
var (
	ErrEmptyAccelerator   = errors.New("empty accelerator")
	ErrInvalidAccelerator = errors.New("invalid accelerator")
)

// Modifier is a set of accelerator modifier keys.
type Modifier uint8

const (
	ModNone Modifier = 0

	// ModCommandOrControl is Command on macOS and Control elsewhere.
	ModCommandOrControl Modifier = 1 << (iota - 1)
	ModCommand
	ModControl
	ModAlt
	ModAltGr
	ModShift
	ModSuper
)

// modifierOrder fixes the order modifiers are written in canonical form.
var modifierOrder = []struct {
	mod  Modifier
	name string
}{
	{ModCommandOrControl, "CommandOrControl"},
	{ModCommand, "Command"},
	{ModControl, "Control"},
	{ModAlt, "Alt"},
	{ModAltGr, "AltGr"},
	{ModShift, "Shift"},
	{ModSuper, "Super"},
}

// ModifierFromName returns the modifier for a (case-insensitive) name or
// alias, or ModNone.
func ModifierFromName(name string) Modifier {
	switch strings.ToLower(name) {
	case "commandorcontrol", "cmdorctrl":
		return ModCommandOrControl
	case "command", "cmd":
		return ModCommand
	case "control", "ctrl":
		return ModControl
	case "alt", "option":
		return ModAlt
	case "altgr":
		return ModAltGr
	case "shift":
		return ModShift
	case "super", "meta":
		return ModSuper
	}
	return ModNone
}

// Has reports whether m contains mod.
func (m Modifier) Has(mod Modifier) bool {
	return m&mod != 0
}

// String returns the canonical "Control+Shift" form.
func (m Modifier) String() string {
	var parts []string
	for _, o := range modifierOrder {
		if m.Has(o.mod) {
			parts = append(parts, o.name)
		}
	}
	return strings.Join(parts, "+")
}

// namedKeys maps lower-cased key names and aliases to their canonical name.
var namedKeys = map[string]string{
	"space":     "Space",
	"tab":       "Tab",
	"enter":     "Enter",
	"return":    "Enter",
	"esc":       "Escape",
	"escape":    "Escape",
	"backspace": "Backspace",
	"delete":    "Delete",
	"del":       "Delete",
	"insert":    "Insert",
	"ins":       "Insert",

	"up":       "Up",
	"down":     "Down",
	"left":     "Left",
	"right":    "Right",
	"home":     "Home",
	"end":      "End",
	"pageup":   "PageUp",
	"pagedown": "PageDown",

	"plus":        "Plus",
	"capslock":    "Capslock",
	"numlock":     "Numlock",
	"printscreen": "PrintScreen",

	"volumeup":           "VolumeUp",
	"volumedown":         "VolumeDown",
	"volumemute":         "VolumeMute",
	"medianexttrack":     "MediaNextTrack",
	"mediaprevioustrack": "MediaPreviousTrack",
	"mediastop":          "MediaStop",
	"mediaplaypause":     "MediaPlayPause",
}

// Accelerator is a parsed global shortcut such as "CommandOrControl+Space".
type Accelerator struct {
	Mods Modifier
	Key  string
}

// Parse parses an accelerator string. Parts are separated by "+"; every part
// but the last must be a modifier and the last must be a key.
//
// Supported keys: single letters, digits and punctuation, F1-F24, and named
// keys such as "Space", "Enter", "Escape", "Up", "PageDown". Names and
// aliases are case-insensitive ("ctrl+shift+k" == "Control+Shift+K").
func Parse(s string) (Accelerator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Accelerator{}, ErrEmptyAccelerator
	}

	parts := strings.Split(s, "+")
	// A trailing "+" is the plus key: "Ctrl++".
	if strings.HasSuffix(s, "++") {
		parts = append(parts[:len(parts)-2], "Plus")
	}

	var acc Accelerator
	for _, p := range parts[:len(parts)-1] {
		p = strings.TrimSpace(p)
		mod := ModifierFromName(p)
		if mod == ModNone {
			return Accelerator{}, fmt.Errorf("%w: unknown modifier %q in %q", ErrInvalidAccelerator, p, s)
		}
		if acc.Mods.Has(mod) {
			return Accelerator{}, fmt.Errorf("%w: duplicate modifier %q in %q", ErrInvalidAccelerator, p, s)
		}
		acc.Mods |= mod
	}

	key, err := parseKey(strings.TrimSpace(parts[len(parts)-1]))
	if err != nil {
		return Accelerator{}, fmt.Errorf("%w in %q", err, s)
	}
	acc.Key = key
	return acc, nil
}

func parseKey(k string) (string, error) {
	if k == "" {
		return "", fmt.Errorf("%w: missing key", ErrInvalidAccelerator)
	}
	lower := strings.ToLower(k)
	if name, ok := namedKeys[lower]; ok {
		return name, nil
	}
	if ModifierFromName(lower) != ModNone {
		return "", fmt.Errorf("%w: modifier %q used as key", ErrInvalidAccelerator, k)
	}
	if n, ok := functionKey(lower); ok {
		return fmt.Sprintf("F%d", n), nil
	}

	runes := []rune(k)
	if len(runes) == 1 && unicode.IsPrint(runes[0]) && !unicode.IsSpace(runes[0]) {
		return string(unicode.ToUpper(runes[0])), nil
	}
	return "", fmt.Errorf("%w: unknown key %q", ErrInvalidAccelerator, k)
}

// functionKey parses "f1".."f24".
func functionKey(lower string) (int, bool) {
	if len(lower) < 2 || len(lower) > 3 || lower[0] != 'f' {
		return 0, false
	}
	n := 0
	for _, c := range lower[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, n >= 1 && n <= 24
}

// String returns the canonical form, modifiers first in a fixed order.
func (a Accelerator) String() string {
	if a.Mods == ModNone {
		return a.Key
	}
	return a.Mods.String() + "+" + a.Key
}

// Normalize parses s and returns its canonical form.
func Normalize(s string) (string, error) {
	a, err := Parse(s)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}
