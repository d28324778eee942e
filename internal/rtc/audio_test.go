package rtc

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"voicedesk/internal/audio"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(60 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestOpusPacedWriter_PushFrameAfterClose(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 960,
		frames:       make(chan []byte), // unbuffered: would block if not closed
		stopCh:       make(chan struct{}),
	}
	w.Close()
	doneCh := make(chan struct{})
	go func() {
		w.pushFrame([]byte{0x01})
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatalf("pushFrame blocked after close")
	}
	w.Close() // idempotent
}

func TestHandlerSinkWithoutPeerDiscards(t *testing.T) {
	h := NewHandler(nil, nil, nil, Hooks{}, nil)
	if err := h.WritePCM(make([]byte, 1920)); err != nil {
		t.Fatalf("sink without peer must discard silently: %v", err)
	}
	h.FlushTail()
	h.Reset()
}

type fakeIngest struct {
	mu    sync.Mutex
	sent  [][]byte
	voice atomic.Bool
}

func (f *fakeIngest) SendPCM16KLE(pcm []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeIngest) RecentlyDetectedVoice(window time.Duration) bool { return f.voice.Load() }

func (f *fakeIngest) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestBargeInReplaysPreRoll(t *testing.T) {
	ingest := &fakeIngest{}
	ingest.voice.Store(true)

	meter := audio.NewMeter(audio.Config{})
	loud := make([]byte, 3200)
	for i := 0; i+1 < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:i+2], uint16(int16(8000)))
	}
	meter.FeedPCM16LE(loud)

	var speaking, bargedIn atomic.Bool
	speaking.Store(true)
	h := NewHandler(ingest, meter, nil, Hooks{
		IsSpeaking: func() bool { return speaking.Load() },
		OnBargeIn: func() {
			bargedIn.Store(true)
			speaking.Store(false)
		},
	}, nil)

	done := make(chan struct{})
	defer close(done)
	go h.watchBargeIn(done, zap.NewNop())

	deadline := time.Now().Add(2 * time.Second)
	for ingest.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !bargedIn.Load() {
		t.Fatalf("voice over agent speech never triggered barge-in")
	}

	ingest.mu.Lock()
	defer ingest.mu.Unlock()
	if len(ingest.sent) == 0 || len(ingest.sent[0]) == 0 {
		t.Fatalf("onset audio never replayed to the recognizer")
	}
}
