// Package db stores the host's audit trail and plugin launch analytics in
// SQLite. The plugin registry itself is never persisted.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// Audit actions recorded by the host.
const (
	ActionPluginLoaded     = "plugin.loaded"
	ActionPluginLoadFailed = "plugin.load_failed"
	ActionPluginUnloaded   = "plugin.unloaded"
	ActionPluginCrashed    = "plugin.crashed"
	ActionPluginInstalled  = "plugin.installed"
	ActionPluginRemoved    = "plugin.uninstalled"
	ActionShortcutChanged  = "shortcut.changed"
)

// AuditLog is one audit trail entry.
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_log"`

	ID        int64     `json:"id" bun:"id,pk,autoincrement"`
	Timestamp time.Time `json:"timestamp" bun:"timestamp,notnull"`
	Actor     string    `json:"actor" bun:"actor"`
	Action    string    `json:"action" bun:"action"`
	PluginID  string    `json:"pluginId,omitempty" bun:"plugin_id"`
	Details   string    `json:"details,omitempty" bun:"details"`
}

// Launch records one successful plugin load.
type Launch struct {
	bun.BaseModel `bun:"table:launches"`

	ID         int64     `bun:"id,pk,autoincrement"`
	PluginID   string    `bun:"plugin_id,notnull"`
	Timestamp  time.Time `bun:"timestamp,notnull"`
	DurationMs int64     `bun:"duration_ms"`
}

// DB wraps the bun handle.
type DB struct {
	bun *bun.DB
}

// Open opens the SQLite database at path, runs pending migrations and
// returns the handle. ":memory:" opens a shared in-memory database.
func Open(path string) (*DB, error) {
	// The migration runs on its own connection, so an in-memory database
	// must use a shared cache to be visible to both.
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// busy_timeout waits up to 5 seconds for locks to clear
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	// WAL mode allows concurrent reads while writing
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Keep one connection so an in-memory database survives idle periods.
	conn.SetMaxIdleConns(1)

	from, to, err := Upgrade(dsn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if from != to {
		slog.Info("Upgraded analytics schema", "path", path, "from", from, "to", to)
	}

	return &DB{bun: bun.NewDB(conn, sqlitedialect.New())}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.bun.PingContext(ctx)
}

// LogAudit appends an audit entry. A zero Timestamp is set to now.
func (db *DB) LogAudit(ctx context.Context, entry AuditLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := db.bun.NewInsert().Model(&entry).Exec(ctx)
	return err
}

// AuditLogFilter holds query parameters for filtering audit logs.
type AuditLogFilter struct {
	PluginID string
	Action   string
	Limit    int
	Offset   int
}

// AuditLogPage holds a page of audit log results with the total count.
type AuditLogPage struct {
	Logs  []AuditLog `json:"logs"`
	Total int        `json:"total"`
}

// QueryAuditLogs returns the newest audit entries matching filter.
func (db *DB) QueryAuditLogs(ctx context.Context, filter AuditLogFilter) (*AuditLogPage, error) {
	q := db.bun.NewSelect().Model((*AuditLog)(nil))
	if filter.PluginID != "" {
		q = q.Where("plugin_id = ?", filter.PluginID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}

	total, err := q.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := max(filter.Offset, 0)

	logs := []AuditLog{}
	err = q.OrderExpr("timestamp DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx, &logs)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return &AuditLogPage{Logs: logs, Total: total}, nil
}

// RecordLaunch records a successful load of pluginID that took d.
func (db *DB) RecordLaunch(ctx context.Context, pluginID string, d time.Duration) error {
	entry := Launch{
		PluginID:   pluginID,
		Timestamp:  time.Now().UTC(),
		DurationMs: d.Milliseconds(),
	}
	_, err := db.bun.NewInsert().Model(&entry).Exec(ctx)
	return err
}

// PluginStats summarizes launches of one plugin.
type PluginStats struct {
	PluginID    string  `json:"pluginId" bun:"plugin_id"`
	LaunchCount int     `json:"launchCount" bun:"launch_count"`
	AvgLoadMs   float64 `json:"avgLoadMs" bun:"avg_load_ms"`
}

// LaunchStats summarizes all recorded launches.
type LaunchStats struct {
	TotalLaunches int           `json:"totalLaunches"`
	Plugins       []PluginStats `json:"plugins"`
}

// GetLaunchStats returns per-plugin launch counts, most launched first.
func (db *DB) GetLaunchStats(ctx context.Context) (*LaunchStats, error) {
	total, err := db.bun.NewSelect().Model((*Launch)(nil)).Count(ctx)
	if err != nil {
		return nil, err
	}

	plugins := []PluginStats{}
	err = db.bun.NewRaw(`
		SELECT plugin_id, COUNT(*) AS launch_count, AVG(duration_ms) AS avg_load_ms
		FROM launches
		GROUP BY plugin_id
		ORDER BY launch_count DESC, plugin_id
	`).Scan(ctx, &plugins)
	if err != nil {
		return nil, err
	}

	return &LaunchStats{TotalLaunches: total, Plugins: plugins}, nil
}
