package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store abstracts the remote task store the tracker mirrors into. The
// in-memory Context stays authoritative for the session; the store is the
// durable record across sessions.
type Store interface {
	CreateTask(ctx context.Context, t Context) (string, error)
	UpdateTask(ctx context.Context, id string, fields map[string]any) error
}

// mirrorTimeout bounds each background store call.
const mirrorTimeout = 10 * time.Second

// Notifications surface task lifecycle changes to the host. OnComplete fires
// exactly once per task, at the transition into completed.
type Notifications struct {
	OnUpdate   func(Context)
	OnComplete func(Context)
}

// Tracker owns the at-most-one active task context for an orchestrator
// instance: detection, step advancement, terminal transitions, and mirroring
// every transition to the remote store.
type Tracker struct {
	store  Store
	notify Notifications
	logger *zap.Logger

	mu     sync.Mutex
	active *Context
}

func NewTracker(store Store, notify Notifications, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, notify: notify, logger: logger}
}

// Observe scans a finalized user transcript for a workflow trigger. A match
// creates a task only when none is active; a second matching transcript while
// a task remains active is a no-op. It returns the created context copy.
func (t *Tracker) Observe(language, text string) (Context, bool) {
	typ, ok := Detect(language, text)
	if !ok {
		return Context{}, false
	}

	t.mu.Lock()
	if t.active != nil && !t.active.Terminal() {
		t.mu.Unlock()
		return Context{}, false
	}
	c := newContext(typ, language)
	t.active = &c
	snapshot := c
	t.mu.Unlock()

	t.logger.Info("task created",
		zap.String("task_id", snapshot.ID),
		zap.String("type", string(snapshot.Type)),
		zap.Int("steps", len(snapshot.Steps)))
	t.mirrorCreate(snapshot)
	if t.notify.OnUpdate != nil {
		t.notify.OnUpdate(snapshot)
	}
	return snapshot, true
}

// Advance moves the active task forward by exactly one step, clamped to the
// last index. Reaching the last index flips status to completed and fires the
// completion notification once. Advancing with no active task is a no-op.
func (t *Tracker) Advance() {
	t.mu.Lock()
	if t.active == nil || t.active.Terminal() {
		t.mu.Unlock()
		return
	}
	c := t.active
	completed := false
	if c.CurrentStep < len(c.Steps)-1 {
		c.CurrentStep++
		if c.CurrentStep == len(c.Steps)-1 {
			c.Status = StatusCompleted
			completed = true
		}
	} else {
		// Single-step workflows complete on their first advancement.
		c.Status = StatusCompleted
		completed = true
	}
	c.UpdatedAt = time.Now()
	snapshot := *c
	t.mu.Unlock()

	t.mirrorUpdate(snapshot)
	if t.notify.OnUpdate != nil {
		t.notify.OnUpdate(snapshot)
	}
	if completed {
		t.logger.Info("task completed", zap.String("task_id", snapshot.ID))
		if t.notify.OnComplete != nil {
			t.notify.OnComplete(snapshot)
		}
	}
}

// Fail marks the active task failed. Terminal tasks are immutable.
func (t *Tracker) Fail() {
	t.mu.Lock()
	if t.active == nil || t.active.Terminal() {
		t.mu.Unlock()
		return
	}
	t.active.Status = StatusFailed
	t.active.UpdatedAt = time.Now()
	snapshot := *t.active
	t.mu.Unlock()

	t.logger.Warn("task failed", zap.String("task_id", snapshot.ID))
	t.mirrorUpdate(snapshot)
	if t.notify.OnUpdate != nil {
		t.notify.OnUpdate(snapshot)
	}
}

// Active returns a copy of the current task context, if any.
func (t *Tracker) Active() (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Context{}, false
	}
	return *t.active, true
}

// mirrorCreate persists a new task in the background; store failures are
// logged, never propagated into the turn loop.
func (t *Tracker) mirrorCreate(c Context) {
	if t.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := t.store.CreateTask(ctx, c); err != nil {
			t.logger.Error("task mirror create failed", zap.String("task_id", c.ID), zap.Error(err))
		}
	}()
}

func (t *Tracker) mirrorUpdate(c Context) {
	if t.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		fields := map[string]any{
			"status":       string(c.Status),
			"current_step": c.CurrentStep,
			"updated_at":   c.UpdatedAt,
		}
		if err := t.store.UpdateTask(ctx, c.ID, fields); err != nil {
			t.logger.Error("task mirror update failed", zap.String("task_id", c.ID), zap.Error(err))
		}
	}()
}
