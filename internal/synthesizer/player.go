package synthesizer

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"voicedesk/internal/orchestrator"
)

// Engine produces a 48kHz 16-bit PCM stream for one utterance. The pcm
// channel closes when synthesis finishes; at most one error is delivered.
type Engine interface {
	StreamPCM48k(ctx context.Context, text, language string) (<-chan []byte, <-chan error)
}

// Sink receives the synthesized audio. A nil sink discards audio, which is
// what text-only dashboard sessions use.
type Sink interface {
	WritePCM(pcm []byte) error
	FlushTail()
	Reset()
}

// Player drives one Engine with last-write-wins semantics: a Speak while an
// utterance is playing cancels it, and the superseded utterance emits no end
// event. Exactly one ended event is attributable to the utterance that wins.
type Player struct {
	engine Engine
	sink   Sink
	logger *zap.Logger

	events chan orchestrator.SynthEvent
	nextID atomic.Uint64

	mu      sync.Mutex
	current uint64
	cancel  context.CancelFunc
}

func NewPlayer(engine Engine, sink Sink, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{
		engine: engine,
		sink:   sink,
		logger: logger,
		events: make(chan orchestrator.SynthEvent, 16),
	}
}

// Speak cancels any in-flight utterance and starts synthesizing text. It
// returns immediately with the new utterance id.
func (p *Player) Speak(text, language string) uint64 {
	id := p.nextID.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.current = id
	p.cancel = cancel
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.Reset()
	}
	p.emit(orchestrator.SynthEvent{ID: id, Kind: orchestrator.SynthStarted, Text: text})
	go p.run(ctx, id, text, language)
	return id
}

// Events delivers utterance lifecycle events. Slow consumers drop events
// rather than stall synthesis.
func (p *Player) Events() <-chan orchestrator.SynthEvent { return p.events }

// Stop cancels the in-flight utterance and emits its ended event.
func (p *Player) Stop() {
	p.mu.Lock()
	id := p.current
	cancel := p.cancel
	p.current = 0
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p.sink != nil {
		p.sink.Reset()
	}
	if id != 0 {
		p.emit(orchestrator.SynthEvent{ID: id, Kind: orchestrator.SynthEnded})
	}
}

func (p *Player) run(ctx context.Context, id uint64, text, language string) {
	pcmCh, errCh := p.engine.StreamPCM48k(ctx, text, language)

	for pcm := range pcmCh {
		if p.sink == nil {
			continue
		}
		if err := p.sink.WritePCM(pcm); err != nil {
			p.logger.Warn("synth sink write", zap.Uint64("utterance", id), zap.Error(err))
		}
	}
	var engineErr error
	if err, ok := <-errCh; ok && err != nil && ctx.Err() == nil {
		p.logger.Warn("synthesis failed", zap.Uint64("utterance", id), zap.Error(err))
		engineErr = err
	}

	// A superseded or stopped utterance stays silent; its replacement owns
	// the next ended event.
	p.mu.Lock()
	if p.current != id {
		p.mu.Unlock()
		return
	}
	p.current = 0
	p.cancel = nil
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.FlushTail()
	}
	p.emit(orchestrator.SynthEvent{ID: id, Kind: orchestrator.SynthEnded, Text: text, Err: engineErr})
}

func (p *Player) emit(ev orchestrator.SynthEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("synth event dropped", zap.Uint64("utterance", ev.ID), zap.String("kind", string(ev.Kind)))
	}
}
