package dbtest

import (
	"context"
	"testing"

	"github.com/rjsadow/mortis/internal/db"
)

func TestNewTestDB_ReturnsWorkingDatabase(t *testing.T) {
	database := NewTestDB(t)

	if err := database.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNewTestDB_IsolatedBetweenTests(t *testing.T) {
	ctx := context.Background()
	first := NewTestDB(t)
	second := NewTestDB(t)

	if err := first.LogAudit(ctx, db.AuditLog{Action: db.ActionPluginLoaded, PluginID: "calc"}); err != nil {
		t.Fatal(err)
	}

	page, err := second.QueryAuditLogs(ctx, db.AuditLogFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Errorf("second database sees %d entries, want 0", page.Total)
	}
}
