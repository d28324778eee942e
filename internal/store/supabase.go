package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"voicedesk/internal/task"
)

// row is the tasks table shape. Steps are stored as a jsonb array.
type row struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Language    string    `json:"language"`
	Steps       []string  `json:"steps"`
	CurrentStep int       `json:"current_step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Filter narrows ListTasks results. Zero values mean "any".
type Filter struct {
	Status    task.Status
	Type      task.Type
	Ascending bool
	Limit     int
}

// SupabaseStore mirrors task contexts into a Supabase tasks table via
// PostgREST. It is the durable record across sessions; the orchestrator never
// reads it back mid-session.
type SupabaseStore struct {
	client *supabase.Client
	table  string
	logger *zap.Logger
}

// NewSupabase constructs the store. Table defaults to "tasks".
func NewSupabase(url, serviceKey, table string, logger *zap.Logger) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	if table == "" {
		table = "tasks"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client, table: table, logger: logger}, nil
}

// CreateTask inserts the task and returns its id.
func (s *SupabaseStore) CreateTask(ctx context.Context, c task.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := row{
		ID:          c.ID,
		Type:        string(c.Type),
		Status:      string(c.Status),
		Language:    c.Language,
		Steps:       c.Steps,
		CurrentStep: c.CurrentStep,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if _, _, err := s.client.From(s.table).Insert(r, false, "", "", "").Execute(); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	s.logger.Debug("task row inserted", zap.String("task_id", c.ID))
	return c.ID, nil
}

// UpdateTask applies a partial update to the task row.
func (s *SupabaseStore) UpdateTask(ctx context.Context, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("update task: empty id")
	}
	if _, _, err := s.client.From(s.table).Update(fields, "", "").Eq("id", id).Execute(); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return nil
}

// ListTasks returns tasks matching the filter ordered by creation time
// (descending unless Filter.Ascending).
func (s *SupabaseStore) ListTasks(ctx context.Context, f Filter) ([]task.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := s.client.From(s.table).Select("*", "", false)
	if f.Status != "" {
		q = q.Eq("status", string(f.Status))
	}
	if f.Type != "" {
		q = q.Eq("type", string(f.Type))
	}
	q = q.Order("created_at", &postgrest.OrderOpts{Ascending: f.Ascending})
	if f.Limit > 0 {
		q = q.Limit(f.Limit, "")
	}
	data, _, err := q.Execute()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var rows []row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	out := make([]task.Context, 0, len(rows))
	for _, r := range rows {
		out = append(out, task.Context{
			ID:          r.ID,
			Type:        task.Type(r.Type),
			Status:      task.Status(r.Status),
			Language:    r.Language,
			Steps:       r.Steps,
			CurrentStep: r.CurrentStep,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out, nil
}
