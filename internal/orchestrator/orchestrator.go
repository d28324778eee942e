package orchestrator

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"voicedesk/internal/conversation"
	"voicedesk/internal/llm"
	"voicedesk/internal/task"
)

// Orchestrator sequences one voice turn at a time: listening, recognition,
// remote inference, speech output, and the conversation/task state those
// produce. All transitions happen under a single mutex; every asynchronous
// completion carries the turn-sequence number captured at dispatch and is
// discarded if the orchestrator has moved on (stale-result guard).
type Orchestrator struct {
	cfg        Config
	rec        Recognizer
	syn        Synthesizer
	inf        Inference
	structured StructuredInference
	tracker    *task.Tracker
	events     Events
	logger     *zap.Logger

	log *conversation.Log

	mu        sync.Mutex
	state     State
	starting  bool   // claims the session while the recognizer start is in flight
	seq       uint64 // current turn sequence; bumped per dispatch and on Stop
	queue     []string
	interim   string
	utterance uint64 // synthesizer id of the in-flight utterance
	cancel    context.CancelFunc
}

// New wires an orchestrator. store may be nil (no remote mirroring);
// inf may also implement StructuredInference, in which case suggested
// actions are extracted per turn.
func New(cfg Config, rec Recognizer, syn Synthesizer, inf Inference, store task.Store, events Events, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		rec:    rec,
		syn:    syn,
		inf:    inf,
		events: events,
		logger: logger,
		log:    conversation.NewLog(),
		state:  StateIdle,
	}
	if s, ok := inf.(StructuredInference); ok {
		o.structured = s
	}
	o.tracker = task.NewTracker(store, task.Notifications{
		OnUpdate:   events.OnTask,
		OnComplete: events.OnTaskComplete,
	}, logger)
	return o
}

// Start acquires the recognizer session and begins the turn loop. A start
// failure is a DeviceError: the orchestrator stays idle and the caller must
// retry Start. The session is claimed before the blocking recognizer call so
// concurrent Starts admit exactly one winner.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle || o.starting {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.starting = true
	o.mu.Unlock()

	if err := o.rec.Start(o.cfg.Language); err != nil {
		o.mu.Lock()
		o.starting = false
		o.mu.Unlock()
		return &DeviceError{Err: err}
	}

	sctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.starting = false
	o.cancel = cancel
	o.state = StateListening
	o.mu.Unlock()
	o.notifyState(StateListening)

	go o.loop(sctx)
	o.logger.Info("voice session started", zap.String("language", o.cfg.Language))
	return nil
}

// Stop tears the session down from any state: state flips to idle
// synchronously, the turn sequence is bumped so in-flight completions are
// discarded, and the queue and transcript buffer are cleared. Safe to call
// repeatedly.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	o.state = StateIdle
	o.seq++
	o.queue = nil
	o.interim = ""
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := o.rec.Stop(); err != nil {
		o.logger.Warn("recognizer stop", zap.Error(err))
	}
	o.syn.Stop()
	o.notifyState(StateIdle)
	o.logger.Info("voice session stopped")
}

// SubmitText feeds typed dashboard input through the same path as a
// finalized transcript.
func (o *Orchestrator) SubmitText(text string) {
	o.onFinal(text)
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Turns snapshots the conversation log.
func (o *Orchestrator) Turns() []conversation.Turn { return o.log.Snapshot() }

// ActiveTask returns a copy of the tracked task, if any.
func (o *Orchestrator) ActiveTask() (task.Context, bool) { return o.tracker.Active() }

// loop is the single control goroutine: all recognizer and synthesizer
// events funnel through here.
func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-o.rec.Interims():
			if !ok {
				return
			}
			o.onInterim(text)
		case text, ok := <-o.rec.Finals():
			if !ok {
				return
			}
			o.onFinal(text)
		case ev, ok := <-o.syn.Events():
			if !ok {
				return
			}
			o.onSynthEvent(ev)
		}
	}
}

// onInterim updates the transcript buffer. Entering recognizing is the only
// state effect; interim results never block other transitions.
func (o *Orchestrator) onInterim(text string) {
	o.mu.Lock()
	o.interim = text
	changed := false
	if o.state == StateListening {
		o.state = StateRecognizing
		changed = true
	}
	o.mu.Unlock()
	if changed {
		o.notifyState(StateRecognizing)
	}
	if o.events.OnInterim != nil {
		o.events.OnInterim(text)
	}
}

// onFinal handles an utterance boundary. A transcript arriving while a prior
// turn is still resolving is queued, never dropped and never dispatched
// concurrently.
func (o *Orchestrator) onFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	o.interim = ""
	if o.state == StateDispatching || o.state == StateSpeaking {
		o.queue = append(o.queue, text)
		n := len(o.queue)
		o.mu.Unlock()
		o.logger.Debug("transcript queued behind active turn", zap.Int("depth", n))
		return
	}
	o.seq++
	seq := o.seq
	o.state = StateDispatching
	o.mu.Unlock()

	o.startTurn(text, seq)
}

// startTurn runs task detection, records the user turn, and dispatches
// inference for it.
func (o *Orchestrator) startTurn(text string, seq uint64) {
	_, taskCreated := o.tracker.Observe(o.cfg.Language, text)

	// Prompt is built before the turn is appended so the window holds only
	// prior history; the latest text goes in as the closing [USER] line.
	prompt := o.buildPrompt(text)

	userTurn := o.log.Append(conversation.NewTurn(conversation.SpeakerUser, text, o.cfg.Language))
	if o.events.OnTurn != nil {
		o.events.OnTurn(userTurn)
	}
	o.notifyState(StateDispatching)

	go o.dispatch(prompt, seq, taskCreated)
}

// dispatch performs the remote inference call off the control goroutine. The
// session context is deliberately not used: a stopped session discards the
// eventual result via the sequence guard rather than aborting the call.
func (o *Orchestrator) dispatch(prompt string, seq uint64, taskCreated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.InferenceTimeout)
	defer cancel()

	reply, err := o.inf.Generate(ctx, prompt, o.cfg.MaxTokens)

	var actions []llm.SuggestedAction
	confidence := 0.0
	if err == nil && o.structured != nil {
		if st, serr := o.structured.GenerateStructured(ctx, prompt); serr != nil {
			o.logger.Warn("structured inference failed", zap.Error(serr))
		} else {
			actions = st.SuggestedActions
			confidence = st.Confidence
		}
	}

	o.applyInferenceResult(seq, reply, confidence, actions, err, taskCreated)
}

func (o *Orchestrator) applyInferenceResult(seq uint64, reply string, confidence float64, actions []llm.SuggestedAction, err error, taskCreated bool) {
	o.mu.Lock()
	if seq != o.seq || o.state == StateIdle {
		o.mu.Unlock()
		o.logger.Debug("stale inference result discarded", zap.Uint64("seq", seq))
		return
	}

	if err != nil {
		o.mu.Unlock()
		if o.events.OnError != nil {
			o.events.OnError(&InferenceError{Err: err})
		}
		o.logger.Warn("inference failed, resuming listening", zap.Error(err))
		if o.cfg.AutoSpeak {
			o.speak(seq, fallbackNotice(o.cfg.Language))
			return
		}
		o.finishTurn(seq)
		return
	}

	reply = strings.TrimSpace(reply)
	o.mu.Unlock()

	if reply != "" {
		agentTurn := conversation.NewTurn(conversation.SpeakerAgent, reply, o.cfg.Language)
		agentTurn.Confidence = confidence
		o.log.Append(agentTurn)
		if o.events.OnTurn != nil {
			o.events.OnTurn(agentTurn)
		}
	}
	if len(actions) > 0 && o.events.OnActions != nil {
		o.events.OnActions(actions)
	}

	// A task created by this very turn starts at step zero; advancement
	// begins with the next completed turn.
	if !taskCreated {
		o.tracker.Advance()
	}

	if o.cfg.AutoSpeak && reply != "" {
		o.speak(seq, reply)
		return
	}
	o.finishTurn(seq)
}

// speak hands text to the synthesizer and enters speaking, guarding against
// a Stop that raced the inference result. The lock is held across Speak
// (which returns without calling back) so the ended event, however fast it
// arrives, finds o.utterance already set.
func (o *Orchestrator) speak(seq uint64, text string) {
	o.mu.Lock()
	if seq != o.seq || o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	o.state = StateSpeaking
	o.rec.SetSpeaking(true)
	o.utterance = o.syn.Speak(text, o.cfg.Language)
	o.mu.Unlock()
	o.notifyState(StateSpeaking)
}

// onSynthEvent resumes the loop when the in-flight utterance ends. Ends for
// superseded or stale utterances are ignored.
func (o *Orchestrator) onSynthEvent(ev SynthEvent) {
	if ev.Kind != SynthEnded {
		return
	}
	o.mu.Lock()
	if o.state != StateSpeaking || ev.ID != o.utterance {
		o.mu.Unlock()
		return
	}
	seq := o.seq
	o.mu.Unlock()

	if ev.Err != nil {
		o.logger.Warn("synthesis failed", zap.Uint64("utterance", ev.ID), zap.Error(ev.Err))
		if o.events.OnError != nil {
			o.events.OnError(&SynthesisError{Err: ev.Err})
		}
	}
	o.rec.SetSpeaking(false)
	o.finishTurn(seq)
}

// finishTurn returns to listening, or immediately begins the next queued
// transcript if one arrived while this turn was resolving.
func (o *Orchestrator) finishTurn(seq uint64) {
	o.mu.Lock()
	if seq != o.seq || o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	if len(o.queue) > 0 {
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.seq++
		nextSeq := o.seq
		o.state = StateDispatching
		o.mu.Unlock()
		o.startTurn(next, nextSeq)
		return
	}
	o.state = StateListening
	o.mu.Unlock()
	o.notifyState(StateListening)
}

func (o *Orchestrator) notifyState(s State) {
	if o.events.OnStateChange != nil {
		o.events.OnStateChange(s)
	}
}
