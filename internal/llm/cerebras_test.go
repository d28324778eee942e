package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, "hi", 0); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.Endpoint = srv.URL
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, "hi", 0); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestCerebras_GenerateTrimsAndSendsMaxTokens(t *testing.T) {
	var gotReq chatCompletionsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(chatCompletionsResponse{Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "  hello there  "}}}})
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.Endpoint = srv.URL
	got, err := c.Generate(context.Background(), "hi", 128)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("expected trimmed reply, got %q", got)
	}
	if gotReq.MaxTokens != 128 {
		t.Fatalf("expected max_tokens=128, got %d", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", gotReq.Messages)
	}
}

func TestCerebras_GenerateStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `{"language":"en","intent":"create_customer","entities":[{"name":"customer","value":"Tanaka"}],"confidence":0.92,"suggested_actions":[{"agent":"crm","priority":"high","confidence":0.9}]}`
		_ = json.NewEncoder(w).Encode(chatCompletionsResponse{Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "```json\n" + body + "\n```"}}}})
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.Endpoint = srv.URL
	out, err := c.GenerateStructured(context.Background(), "register new customer Tanaka")
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if out.Intent != "create_customer" || out.Language != "en" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if len(out.Entities) != 1 || out.Entities[0].Value != "Tanaka" {
		t.Fatalf("unexpected entities: %+v", out.Entities)
	}
	if len(out.SuggestedActions) != 1 || out.SuggestedActions[0].Priority != "high" {
		t.Fatalf("unexpected actions: %+v", out.SuggestedActions)
	}
}

func TestCerebras_GenerateStructured_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatCompletionsResponse{Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "sorry, I cannot do that"}}}})
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.Endpoint = srv.URL
	if _, err := c.GenerateStructured(context.Background(), "hi"); err == nil {
		t.Fatalf("expected decode error for conversational reply")
	}
}
