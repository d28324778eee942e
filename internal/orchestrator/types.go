package orchestrator

import (
	"context"
	"time"

	"voicedesk/internal/conversation"
	"voicedesk/internal/llm"
	"voicedesk/internal/task"
)

// State is the orchestrator's machine state. It is owned exclusively by the
// orchestrator and resets to idle whenever the session stops.
type State string

const (
	StateIdle        State = "idle"
	StateListening   State = "listening"
	StateRecognizing State = "recognizing"
	StateDispatching State = "dispatching"
	StateSpeaking    State = "speaking"
)

// Recognizer is the minimal interface for a continuous speech-to-text
// session. Interims delivers zero or more partial transcripts per utterance,
// Finals delivers the finalized text at each utterance boundary. SetSpeaking
// tells the adapter the agent's own audio is playing, so it can suppress
// auto-restarts and avoid transcribing the agent's output.
type Recognizer interface {
	Start(language string) error
	Interims() <-chan string
	Finals() <-chan string
	SetSpeaking(on bool)
	Stop() error
}

// SynthEventKind distinguishes synthesis lifecycle events.
type SynthEventKind string

const (
	SynthStarted SynthEventKind = "started"
	// SynthEnded fires on natural completion, explicit stop, or error; all
	// three mean the synthesizer is idle again.
	SynthEnded SynthEventKind = "ended"
)

// SynthEvent reports the lifecycle of one utterance, identified by the id
// returned from Speak. Err is set on an ended event when synthesis failed;
// the utterance is over either way.
type SynthEvent struct {
	ID   uint64
	Kind SynthEventKind
	Text string
	Err  error
}

// Synthesizer converts response text to audio. At most one utterance is in
// flight: a Speak while speaking cancels the prior utterance (last-write-wins,
// never queued).
type Synthesizer interface {
	Speak(text, language string) uint64
	Events() <-chan SynthEvent
	Stop()
}

// Inference is the remote text-generation collaborator. It makes no ordering
// guarantee between in-flight calls; staleness is enforced by the
// orchestrator's turn-sequence guard.
type Inference interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// StructuredInference optionally classifies an utterance into intent,
// entities, and ranked suggested actions.
type StructuredInference interface {
	GenerateStructured(ctx context.Context, prompt string) (*llm.Structured, error)
}

// Config parameterizes one orchestrator instance. The four dashboard voice
// panels share this one implementation instead of carrying their own copies
// of the loop.
type Config struct {
	Language         string
	Formality        string // "formal" or "casual"
	AutoSpeak        bool
	HistoryWindow    int
	MaxTokens        int
	InferenceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Formality == "" {
		c.Formality = "casual"
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 12
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = 20 * time.Second
	}
	return c
}

// Events are the orchestrator's notifications to the UI layer. All callbacks
// are optional and must not block; they are invoked without orchestrator
// locks held.
type Events struct {
	OnStateChange  func(State)
	OnInterim      func(string)
	OnTurn         func(conversation.Turn)
	OnTask         func(task.Context)
	OnTaskComplete func(task.Context)
	OnActions      func([]llm.SuggestedAction)
	OnError        func(error)
}
