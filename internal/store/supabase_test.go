package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicedesk/internal/task"
)

func TestNewSupabase_RequiresConfig(t *testing.T) {
	_, err := NewSupabase("", "", "tasks", nil)
	require.Error(t, err)
}

func TestSupabaseStore_CreateAndList(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody row
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		switch r.Method {
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[]`))
		case http.MethodGet:
			assert.Equal(t, "eq.active", r.URL.Query().Get("status"))
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"t1","type":"onboarding","status":"active","language":"en","steps":["a","b"],"current_step":1}]`))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	s, err := NewSupabase(srv.URL, "service-key", "tasks", nil)
	require.NoError(t, err)

	ctx := context.Background()
	c := task.Context{
		ID:        "t1",
		Type:      task.TypeOnboarding,
		Status:    task.StatusActive,
		Language:  "en",
		Steps:     []string{"a", "b"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	id, err := s.CreateTask(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Contains(t, gotPath, "tasks")
	assert.Equal(t, "t1", gotBody.ID)
	assert.Equal(t, "onboarding", gotBody.Type)

	tasks, err := s.ListTasks(ctx, Filter{Status: task.StatusActive, Limit: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.TypeOnboarding, tasks[0].Type)
	assert.Equal(t, 1, tasks[0].CurrentStep)
	assert.Equal(t, 50, tasks[0].Progress())
}

func TestSupabaseStore_CanceledContext(t *testing.T) {
	s, err := NewSupabase("http://127.0.0.1:1", "key", "tasks", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.CreateTask(ctx, task.Context{ID: "x"})
	assert.Error(t, err)
	err = s.UpdateTask(ctx, "x", map[string]any{"status": "failed"})
	assert.Error(t, err)
}

func TestSupabaseStore_UpdateRequiresID(t *testing.T) {
	s, err := NewSupabase("http://127.0.0.1:1", "key", "tasks", nil)
	require.NoError(t, err)
	assert.Error(t, s.UpdateTask(context.Background(), "", nil))
}
