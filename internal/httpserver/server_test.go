package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicedesk/internal/orchestrator"
	"voicedesk/internal/rtc"
	"voicedesk/internal/task"
)

type stubRecognizer struct {
	interims chan string
	finals   chan string
}

func newStubRecognizer() *stubRecognizer {
	return &stubRecognizer{interims: make(chan string, 4), finals: make(chan string, 4)}
}

func (f *stubRecognizer) Start(language string) error { return nil }
func (f *stubRecognizer) Interims() <-chan string     { return f.interims }
func (f *stubRecognizer) Finals() <-chan string       { return f.finals }
func (f *stubRecognizer) SetSpeaking(on bool)         {}
func (f *stubRecognizer) Stop() error                 { return nil }

type stubSynthesizer struct{ events chan orchestrator.SynthEvent }

func (f *stubSynthesizer) Speak(text, language string) uint64     { return 1 }
func (f *stubSynthesizer) Events() <-chan orchestrator.SynthEvent { return f.events }
func (f *stubSynthesizer) Stop()                                  {}

type stubInference struct{ reply string }

func (f *stubInference) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f.reply, nil
}

type stubOffers struct {
	answer rtc.SessionDescription
	err    error
	got    rtc.SessionDescription
}

func (f *stubOffers) HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	f.got = offer
	return f.answer, f.err
}

type stubLister struct {
	gotFilter Filter
	tasks     []task.Context
	err       error
}

func (f *stubLister) ListTasks(ctx context.Context, filter Filter) ([]task.Context, error) {
	f.gotFilter = filter
	return f.tasks, f.err
}

func newTestServer(t *testing.T, cfg Config, offers OfferHandler, tasks TaskLister) *Server {
	t.Helper()
	orch := orchestrator.New(
		orchestrator.Config{},
		newStubRecognizer(),
		&stubSynthesizer{events: make(chan orchestrator.SynthEvent, 4)},
		&stubInference{reply: "noted"},
		nil,
		orchestrator.Events{},
		nil,
	)
	t.Cleanup(orch.Stop)
	return New(cfg, orch, offers, tasks, nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const echoContentType = "Content-Type"

func TestHealthzOpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"}, nil, nil)
	w := doJSON(t, s.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestAuthModes(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"}, nil, nil)

	w := doJSON(t, s.Handler(), http.MethodGet, "/conversation", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/conversation", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/conversation", "", map[string]string{"X-Auth-Token": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/conversation?token=secret", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/conversation?token=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTextTurnLifecycle(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)

	// No session yet: typed turns are rejected.
	w := doJSON(t, s.Handler(), http.MethodPost, "/turns/text", `{"text":"hello"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s.Handler(), http.MethodPost, "/session/start", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Starting twice conflicts.
	w = doJSON(t, s.Handler(), http.MethodPost, "/session/start", "", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s.Handler(), http.MethodPost, "/turns/text", `{"text":"hello"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	// The turn resolves asynchronously; poll the conversation read.
	deadline := time.Now().Add(2 * time.Second)
	var turns []any
	for time.Now().Before(deadline) {
		w = doJSON(t, s.Handler(), http.MethodGet, "/conversation", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		turns, _ = resp["turns"].([]any)
		if len(turns) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, turns, 2)

	w = doJSON(t, s.Handler(), http.MethodPost, "/session/stop", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "idle")

	w = doJSON(t, s.Handler(), http.MethodPost, "/turns/text", `{"text":"late"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTextTurnValidation(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	w := doJSON(t, s.Handler(), http.MethodPost, "/turns/text", `{"text":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfferEndpoint(t *testing.T) {
	offers := &stubOffers{answer: rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}}
	s := newTestServer(t, Config{}, offers, nil)

	w := doJSON(t, s.Handler(), http.MethodPost, "/session/offer", `{"type":"offer","sdp":"v=0 offer"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got rtc.SessionDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "answer", got.Type)
	assert.Equal(t, "v=0 offer", offers.got.SDP)

	offers.err = errors.New("ice failed")
	w = doJSON(t, s.Handler(), http.MethodPost, "/session/offer", `{"type":"offer","sdp":"v=0 offer"}`, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestOfferWithoutAudioPath(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	w := doJSON(t, s.Handler(), http.MethodPost, "/session/offer", `{"type":"offer","sdp":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTasksEndpoint(t *testing.T) {
	lister := &stubLister{tasks: []task.Context{{ID: "t1", Type: task.TypeOnboarding, Status: task.StatusActive}}}
	s := newTestServer(t, Config{}, nil, lister)

	w := doJSON(t, s.Handler(), http.MethodGet, "/tasks?status=active&type=onboarding&limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.StatusActive, lister.gotFilter.Status)
	assert.Equal(t, task.TypeOnboarding, lister.gotFilter.Type)
	assert.Equal(t, 5, lister.gotFilter.Limit)
	assert.Contains(t, w.Body.String(), "t1")

	w = doJSON(t, s.Handler(), http.MethodGet, "/tasks?limit=nope", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	lister.err = errors.New("postgrest down")
	w = doJSON(t, s.Handler(), http.MethodGet, "/tasks", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestTasksWithoutStore(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	w := doJSON(t, s.Handler(), http.MethodGet, "/tasks", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventsWebsocketReceivesPublishes(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "secret"}, nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, s.Hub().ClientCount())

	s.Hub().Publish("state", map[string]any{"state": "listening"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev envelope
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "state", ev.Event)

	// Unauthorized upgrade is refused.
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/events", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}
