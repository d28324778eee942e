package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	created []Context
	updates []map[string]any
}

func (m *memStore) CreateTask(_ context.Context, t Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, t)
	return t.ID, nil
}

func (m *memStore) UpdateTask(_ context.Context, _ string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, fields)
	return nil
}

func (m *memStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created), len(m.updates)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func TestDetect_FirstMatchWins(t *testing.T) {
	typ, ok := Detect("en", "please register new customer Tanaka")
	require.True(t, ok)
	assert.Equal(t, TypeOnboarding, typ)

	// Text matching both onboarding and followup triggers resolves to the
	// earlier lexicon entry.
	typ, ok = Detect("en", "onboard them and follow up next week")
	require.True(t, ok)
	assert.Equal(t, TypeOnboarding, typ)

	_, ok = Detect("en", "what's the weather like")
	assert.False(t, ok)
}

func TestDetect_LanguageLexiconsAndFallback(t *testing.T) {
	typ, ok := Detect("ja", "新規顧客を登録してください")
	require.True(t, ok)
	assert.Equal(t, TypeOnboarding, typ)

	// Unknown language falls back to the English lexicon.
	typ, ok = Detect("de", "schedule a follow up call")
	require.True(t, ok)
	assert.Equal(t, TypeFollowUp, typ)
}

func TestTracker_CreateIdempotentWhileActive(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, Notifications{}, nil)

	c, created := tr.Observe("en", "register new customer Tanaka")
	require.True(t, created)
	assert.Equal(t, TypeOnboarding, c.Type)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, 0, c.CurrentStep)
	assert.Equal(t, 0, c.Progress())
	assert.Len(t, c.Steps, 5)

	_, createdAgain := tr.Observe("en", "register new customer Suzuki")
	assert.False(t, createdAgain, "second trigger while active must not create a task")

	waitFor(t, func() bool { n, _ := store.counts(); return n == 1 })
}

func TestTracker_AdvanceMonotonicAndClamped(t *testing.T) {
	tr := NewTracker(nil, Notifications{}, nil)
	c, created := tr.Observe("en", "register new customer Tanaka")
	require.True(t, created)
	last := len(c.Steps) - 1

	tr.Advance()
	got, ok := tr.Active()
	require.True(t, ok)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, 20, got.Progress())

	for i := 0; i < 10; i++ {
		tr.Advance()
	}
	got, ok = tr.Active()
	require.True(t, ok)
	assert.Equal(t, last, got.CurrentStep, "index must never exceed len(steps)-1")
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestTracker_CompletionNotificationExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	completions := 0
	tr := NewTracker(nil, Notifications{
		OnComplete: func(Context) { mu.Lock(); completions++; mu.Unlock() },
	}, nil)

	_, created := tr.Observe("en", "schedule a follow up with Tanaka")
	require.True(t, created)

	for i := 0; i < 6; i++ {
		tr.Advance()
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completions)
}

func TestTracker_TerminalTasksAreImmutableAndReplaceable(t *testing.T) {
	tr := NewTracker(nil, Notifications{}, nil)
	_, created := tr.Observe("en", "schedule a follow up")
	require.True(t, created)
	tr.Fail()

	got, ok := tr.Active()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)

	tr.Advance()
	got, _ = tr.Active()
	assert.Equal(t, StatusFailed, got.Status, "terminal task must not advance")
	assert.Equal(t, 0, got.CurrentStep)

	// A terminal task no longer blocks creation of a new one.
	next, created := tr.Observe("en", "register new customer Sato")
	require.True(t, created)
	assert.Equal(t, TypeOnboarding, next.Type)
}

func TestTracker_MirrorsTransitions(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, Notifications{}, nil)
	_, created := tr.Observe("en", "log a visit to the plant")
	require.True(t, created)
	tr.Advance()
	tr.Advance()

	waitFor(t, func() bool {
		creates, updates := store.counts()
		return creates == 1 && updates == 2
	})
}
