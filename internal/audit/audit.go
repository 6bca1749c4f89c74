// Package audit persists lifecycle events and host actions to the audit log.
// Writes happen on a background goroutine so lifecycle transitions never wait
// on the database.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rjsadow/mortis/internal/db"
	"github.com/rjsadow/mortis/internal/lifecycle"
)

// ActorLifecycle is the actor recorded for events the lifecycle emits.
const ActorLifecycle = "lifecycle"

// Store is the subset of *db.DB the recorder writes to.
type Store interface {
	LogAudit(ctx context.Context, entry db.AuditLog) error
	RecordLaunch(ctx context.Context, pluginID string, d time.Duration) error
}

type job struct {
	entry  db.AuditLog
	launch time.Duration // recorded when entry is a successful load
}

// Recorder queues audit entries and writes them in order.
type Recorder struct {
	store Store

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// New starts a recorder with room for buffer pending entries.
func New(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 128
	}
	r := &Recorder{
		store: store,
		queue: make(chan job, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// OnEvent implements lifecycle.Recorder.
func (r *Recorder) OnEvent(ctx context.Context, ev lifecycle.EventData) {
	j := job{entry: db.AuditLog{
		Timestamp: ev.Timestamp,
		Actor:     ActorLifecycle,
		Action:    string(ev.Event),
		PluginID:  ev.PluginID,
		Details:   ev.Reason,
	}}
	if ev.Event == lifecycle.EventLoaded {
		j.launch = max(ev.Duration, 1)
	}
	r.enqueue(ctx, j)
}

// Log queues an arbitrary audit entry.
func (r *Recorder) Log(ctx context.Context, entry db.AuditLog) {
	r.enqueue(ctx, job{entry: entry})
}

func (r *Recorder) enqueue(ctx context.Context, j job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- j:
	default:
		slog.WarnContext(ctx, "audit queue full, dropping entry", "action", j.entry.Action, "plugin", j.entry.PluginID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for j := range r.queue {
		if err := r.store.LogAudit(ctx, j.entry); err != nil {
			slog.Error("failed to write audit entry", "action", j.entry.Action, "error", err)
		}
		if j.launch > 0 {
			if err := r.store.RecordLaunch(ctx, j.entry.PluginID, j.launch); err != nil {
				slog.Error("failed to record launch", "plugin", j.entry.PluginID, "error", err)
			}
		}
	}
}

// Close stops accepting entries and waits until queued ones are written or
// ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
