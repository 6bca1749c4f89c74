// Package bridge renders the capability bridge script injected into every
// plugin surface. The script exposes window.mortis, which talks back to the
// host over the IPC listener using a token scoped to the plugin.
package bridge

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"text/template"

	"github.com/rjsadow/mortis/internal/plugins"
)

//go:embed bridge.js.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("bridge").Parse(scriptSource))

// TokenIssuer mints bearer tokens restricted to plugin traffic.
type TokenIssuer interface {
	PluginToken(pluginID string) (string, error)
}

// Renderer renders bridge scripts for plugins.
type Renderer struct {
	endpoint string
	tokens   TokenIssuer
}

// NewRenderer creates a renderer pointing plugin traffic at endpoint, the
// base URL of the IPC listener.
func NewRenderer(endpoint string, tokens TokenIssuer) *Renderer {
	return &Renderer{endpoint: endpoint, tokens: tokens}
}

// Script implements lifecycle.BridgeSource.
func (r *Renderer) Script(ctx context.Context, d plugins.Descriptor) (string, error) {
	token, err := r.tokens.PluginToken(d.ID)
	if err != nil {
		return "", fmt.Errorf("issue plugin token: %w", err)
	}

	var buf bytes.Buffer
	err = scriptTemplate.Execute(&buf, struct {
		Endpoint string
		Token    string
		PluginID string
	}{r.endpoint, token, d.ID})
	if err != nil {
		return "", fmt.Errorf("render bridge: %w", err)
	}
	return buf.String(), nil
}
