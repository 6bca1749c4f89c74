package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	slogctx "github.com/veqryn/slog-context"

	"github.com/rjsadow/mortis/internal/db"
	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/router"
)

// Channel names.
const (
	ChannelRegisterPlugins       = "register-plugins"
	ChannelLoadPlugin            = "load-plugin"
	ChannelUnloadPlugin          = "unload-plugin"
	ChannelGetPlugins            = "get-plugins"
	ChannelPluginMessage         = router.ChannelPluginMessage
	ChannelClosePlugin           = "close-plugin"
	ChannelInstallPlugin         = "install-plugin"
	ChannelUninstallPlugin       = "uninstall-plugin"
	ChannelListInstalledPlugins  = "list-installed-plugins"
	ChannelGetPluginPath         = "get-plugin-path"
	ChannelUpdateShortcut        = "update-shortcut"
	ChannelReloadShortcut        = "reload-shortcut"
	ChannelReloadPluginShortcuts = "reload-plugin-shortcuts"
	ChannelGetInstalledPlugins   = "get-installed-plugins"
	ChannelSavePluginShortcut    = "save-plugin-shortcut"
	ChannelMsgTrigger            = "msg-trigger"
	ChannelGetActivePlugin       = "get-active-plugin"
	ChannelGetPluginInfo         = "get-plugin-info"
	ChannelGetPluginStats        = "get-plugin-stats"
	ChannelGetAuditLog           = "get-audit-log"
)

var errAnalyticsDisabled = errors.New("analytics store is not configured")

func (s *Service) table() map[string]channel {
	return map[string]channel{
		ChannelRegisterPlugins:       {handle: s.registerPlugins},
		ChannelLoadPlugin:            {handle: s.loadPlugin},
		ChannelUnloadPlugin:          {handle: s.unloadPlugin},
		ChannelGetPlugins:            {handle: s.getPlugins},
		ChannelPluginMessage:         {handle: s.pluginMessage, async: true, plugin: true},
		ChannelClosePlugin:           {handle: s.closePlugin, async: true, detach: true, plugin: true},
		ChannelInstallPlugin:         {handle: s.installPlugin},
		ChannelUninstallPlugin:       {handle: s.uninstallPlugin},
		ChannelListInstalledPlugins:  {handle: s.listInstalledPlugins},
		ChannelGetPluginPath:         {handle: s.getPluginPath},
		ChannelUpdateShortcut:        {handle: s.updateShortcut},
		ChannelReloadShortcut:        {handle: s.reloadShortcuts},
		ChannelReloadPluginShortcuts: {handle: s.reloadShortcuts},
		ChannelGetInstalledPlugins:   {handle: s.getInstalledPlugins},
		ChannelSavePluginShortcut:    {handle: s.savePluginShortcut},
		ChannelMsgTrigger:            {handle: s.msgTrigger, plugin: true},
		ChannelGetActivePlugin:       {handle: s.getActivePlugin},
		ChannelGetPluginInfo:         {handle: s.getPluginInfo},
		ChannelGetPluginStats:        {handle: s.getPluginStats},
		ChannelGetAuditLog:           {handle: s.getAuditLog},
	}
}

// stringArg reads a bare JSON string argument, or key from an object.
func stringArg(args json.RawMessage, key string) string {
	v := gjson.ParseBytes(args)
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Get(key).String()
}

// namesArg reads one package name or a list of them.
func namesArg(args json.RawMessage) []string {
	v := gjson.ParseBytes(args)
	if v.IsObject() {
		if n := v.Get("names"); n.Exists() {
			v = n
		} else {
			v = v.Get("name")
		}
	}
	var names []string
	if v.IsArray() {
		for _, n := range v.Array() {
			if name := strings.TrimSpace(n.String()); name != "" {
				names = append(names, name)
			}
		}
		return names
	}
	if name := strings.TrimSpace(v.String()); name != "" {
		names = append(names, name)
	}
	return names
}

func requireID(id string) error {
	if id == "" {
		return errors.New("plugin id is required")
	}
	return nil
}

func (s *Service) registerPlugins(_ context.Context, call Call) (any, error) {
	var ds []plugins.Descriptor
	if err := json.Unmarshal(call.Args, &ds); err != nil {
		return nil, fmt.Errorf("register-plugins expects a descriptor list: %w", err)
	}
	for _, d := range ds {
		if d.ID == "" {
			return nil, errors.New("descriptor without id")
		}
	}
	s.registry.RegisterAll(ds)
	return succeeded, nil
}

func (s *Service) loadPlugin(ctx context.Context, call Call) (any, error) {
	id := stringArg(call.Args, "pluginId")
	if err := requireID(id); err != nil {
		return nil, err
	}
	if _, err := s.lifecycle.Load(ctx, id); err != nil {
		return nil, err
	}
	return succeeded, nil
}

func (s *Service) unloadPlugin(ctx context.Context, call Call) (any, error) {
	id := stringArg(call.Args, "pluginId")
	if err := requireID(id); err != nil {
		return nil, err
	}
	if err := s.lifecycle.Unload(ctx, id); err != nil {
		return nil, err
	}
	return succeeded, nil
}

func (s *Service) getPlugins(context.Context, Call) (any, error) {
	return s.registry.List(), nil
}

func (s *Service) pluginMessage(ctx context.Context, call Call) (any, error) {
	if call.PluginID == "" {
		return nil, ErrNoPlugin
	}
	s.router.Relay(ctx, call.PluginID, call.Args)
	return nil, nil
}

func (s *Service) closePlugin(ctx context.Context, call Call) (any, error) {
	id := call.PluginID
	if id == "" {
		id = stringArg(call.Args, "pluginId")
	}
	if err := requireID(id); err != nil {
		return nil, err
	}
	return nil, s.router.Close(ctx, id)
}

func (s *Service) installPlugin(ctx context.Context, call Call) (any, error) {
	names := namesArg(call.Args)
	if _, err := s.packages.Install(ctx, names); err != nil {
		return nil, err
	}
	// Make the new packages loadable right away.
	if err := s.refreshInstalled(ctx); err != nil {
		slogctx.FromCtx(ctx).Warn("Installed packages not registered", "error", err)
	}
	for _, name := range names {
		s.record(ctx, call, db.ActionPluginInstalled, name, name)
	}
	return succeeded, nil
}

func (s *Service) uninstallPlugin(ctx context.Context, call Call) (any, error) {
	names := namesArg(call.Args)
	// Loads of these plugins wait until they are gone from the registry.
	err := s.lifecycle.Evict(ctx, names, func(ctx context.Context) error {
		if _, err := s.packages.Uninstall(ctx, names); err != nil {
			return err
		}
		for _, id := range names {
			if err := s.registry.Remove(id); err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range names {
		if err := s.shortcuts.Forget(id); err != nil {
			return nil, err
		}
		s.record(ctx, call, db.ActionPluginRemoved, id, id)
	}
	return succeeded, nil
}

func (s *Service) refreshInstalled(ctx context.Context) error {
	ds, err := s.packages.Descriptors(ctx)
	if err != nil {
		return err
	}
	s.registry.RegisterAll(ds)
	return nil
}

// InstalledList is the reply of list-installed-plugins.
type InstalledList struct {
	Success bool                 `json:"success"`
	Plugins []plugins.Descriptor `json:"plugins"`
}

func (s *Service) listInstalledPlugins(ctx context.Context, _ Call) (any, error) {
	ds, err := s.packages.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	registered := s.registry.RegisterAll(ds)
	return InstalledList{Success: true, Plugins: registered}, nil
}

func (s *Service) getPluginPath(context.Context, Call) (any, error) {
	return s.packages.Root(), nil
}

func (s *Service) updateShortcut(ctx context.Context, call Call) (any, error) {
	accel := stringArg(call.Args, "shortcut")
	if err := s.shortcuts.SaveHost(accel); err != nil {
		return nil, err
	}
	s.record(ctx, call, db.ActionShortcutChanged, "", accel)
	// Applying is best effort; reload-shortcut registers the saved value
	// with the usual fallback.
	if err := s.shortcuts.RegisterHost(ctx, accel); err != nil {
		slogctx.FromCtx(ctx).Warn("Host shortcut saved but not applied", "shortcut", accel, "error", err)
	}
	return succeeded, nil
}

func (s *Service) reloadShortcuts(ctx context.Context, _ Call) (any, error) {
	if err := s.shortcuts.Reload(ctx); err != nil {
		return nil, err
	}
	return succeeded, nil
}

// InstalledPlugin is one entry of get-installed-plugins.
type InstalledPlugin struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Shortcut string `json:"shortcut"`
}

func (s *Service) getInstalledPlugins(context.Context, Call) (any, error) {
	list := s.registry.List()
	out := make([]InstalledPlugin, 0, len(list))
	for _, d := range list {
		out = append(out, InstalledPlugin{ID: d.ID, Name: d.Name, Shortcut: s.shortcuts.Shortcut(d.ID)})
	}
	return out, nil
}

func (s *Service) savePluginShortcut(ctx context.Context, call Call) (any, error) {
	id := gjson.GetBytes(call.Args, "pluginId").String()
	if err := requireID(id); err != nil {
		return nil, err
	}
	accel := gjson.GetBytes(call.Args, "shortcut").String()
	if err := s.shortcuts.Save(id, accel); err != nil {
		return nil, err
	}
	s.record(ctx, call, db.ActionShortcutChanged, id, accel)
	return succeeded, nil
}

func (s *Service) msgTrigger(ctx context.Context, call Call) (any, error) {
	id := call.PluginID
	if id == "" {
		if active, found := s.lifecycle.Active(); found {
			id = active.ID
		}
	}
	method := gjson.GetBytes(call.Args, "type").String()
	var data json.RawMessage
	if d := gjson.GetBytes(call.Args, "data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}
	return s.router.Dispatch(ctx, id, method, data), nil
}

// ActivePlugin is the reply of get-active-plugin.
type ActivePlugin struct {
	State  lifecycle.State     `json:"state"`
	Plugin *plugins.Descriptor `json:"plugin,omitempty"`
}

func (s *Service) getActivePlugin(context.Context, Call) (any, error) {
	reply := ActivePlugin{State: s.lifecycle.State()}
	if d, found := s.lifecycle.Active(); found {
		reply.Plugin = &d
	}
	return reply, nil
}

// PluginInfo is the reply of get-plugin-info.
type PluginInfo struct {
	Success bool            `json:"success"`
	Info    json.RawMessage `json:"info"`
}

func (s *Service) getPluginInfo(ctx context.Context, call Call) (any, error) {
	name := stringArg(call.Args, "name")
	if name == "" {
		return nil, errors.New("package name is required")
	}
	m, err := s.packages.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	return PluginInfo{Success: true, Info: m.Raw}, nil
}

func (s *Service) getPluginStats(ctx context.Context, _ Call) (any, error) {
	if s.store == nil {
		return nil, errAnalyticsDisabled
	}
	return s.store.GetLaunchStats(ctx)
}

func (s *Service) getAuditLog(ctx context.Context, call Call) (any, error) {
	if s.store == nil {
		return nil, errAnalyticsDisabled
	}
	args := gjson.ParseBytes(call.Args)
	return s.store.QueryAuditLogs(ctx, db.AuditLogFilter{
		PluginID: args.Get("pluginId").String(),
		Action:   args.Get("action").String(),
		Limit:    int(args.Get("limit").Int()),
		Offset:   int(args.Get("offset").Int()),
	})
}
