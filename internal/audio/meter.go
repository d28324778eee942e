package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// circularPCM stores 16-bit PCM samples for pre-roll capture.
type circularPCM struct {
	mu       sync.Mutex
	buf      []int16
	cap      int
	writePos int
	sr       int
}

func newCircularPCM(capacityMs, sampleRate int) *circularPCM {
	samples := capacityMs * sampleRate / 1000
	if samples < sampleRate/10 {
		samples = sampleRate / 10
	}
	return &circularPCM{buf: make([]int16, samples), cap: samples, sr: sampleRate}
}

func (c *circularPCM) Write(frame []int16) {
	c.mu.Lock()
	for _, s := range frame {
		c.buf[c.writePos] = s
		c.writePos = (c.writePos + 1) % c.cap
	}
	c.mu.Unlock()
}

func (c *circularPCM) ReadLastMs(ms int) []int16 {
	c.mu.Lock()
	n := ms * c.sr / 1000
	if n > c.cap {
		n = c.cap
	}
	out := make([]int16, n)
	start := (c.writePos - n + c.cap) % c.cap
	for i := 0; i < n; i++ {
		out[i] = c.buf[(start+i)%c.cap]
	}
	c.mu.Unlock()
	return out
}

// voteWindow keeps a rolling window of per-frame booleans and reports the
// fraction that voted true.
type voteWindow struct {
	mu     sync.Mutex
	winDur time.Duration
	hist   []bool
}

func newVoteWindow(ms int) *voteWindow {
	return &voteWindow{winDur: time.Duration(ms) * time.Millisecond}
}

func (v *voteWindow) Push(b bool) {
	v.mu.Lock()
	v.hist = append(v.hist, b)
	max := int(v.winDur/(10*time.Millisecond)) + 1
	if len(v.hist) > max {
		v.hist = v.hist[len(v.hist)-max:]
	}
	v.mu.Unlock()
}

func (v *voteWindow) Ratio() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.hist) == 0 {
		return 0
	}
	var t int
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	return float64(t) / float64(len(v.hist))
}

func (v *voteWindow) Reset() {
	v.mu.Lock()
	v.hist = v.hist[:0]
	v.mu.Unlock()
}

// Config tunes the meter. Zero values pick the defaults used by the voice
// panels: 16kHz input, RMS threshold 300, a 300ms vote window, and 300ms of
// pre-roll.
type Config struct {
	SampleRate int
	VoiceRMS   float64
	WindowMs   int
	PreRollMs  int
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.VoiceRMS == 0 {
		c.VoiceRMS = 300.0
	}
	if c.WindowMs == 0 {
		c.WindowMs = 300
	}
	if c.PreRollMs == 0 {
		c.PreRollMs = 300
	}
	return c
}

// Meter segments a PCM16LE stream into 10ms frames and tracks the voice
// level: a normalized instantaneous level for UI display, a voted voice
// activity flag, and a pre-roll ring of the most recent audio.
type Meter struct {
	cfg     Config
	votes   *voteWindow
	preRoll *circularPCM

	mu      sync.Mutex
	lastRMS float64
}

func NewMeter(cfg Config) *Meter {
	cfg = cfg.withDefaults()
	return &Meter{
		cfg:     cfg,
		votes:   newVoteWindow(cfg.WindowMs),
		preRoll: newCircularPCM(cfg.PreRollMs*2, cfg.SampleRate),
	}
}

// FeedPCM16LE consumes mono little-endian audio of arbitrary length; partial
// trailing frames wait for the next call.
func (m *Meter) FeedPCM16LE(pcm []byte) {
	samplesPerFrame := m.cfg.SampleRate / 100
	for off := 0; off+samplesPerFrame*2 <= len(pcm); off += samplesPerFrame * 2 {
		frame := make([]int16, samplesPerFrame)
		for i := 0; i < samplesPerFrame; i++ {
			frame[i] = int16(binary.LittleEndian.Uint16(pcm[off+i*2 : off+i*2+2]))
		}
		m.onFrame(frame)
	}
}

func (m *Meter) onFrame(frame []int16) {
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	m.preRoll.Write(frame)
	m.votes.Push(rms >= m.cfg.VoiceRMS)
	m.mu.Lock()
	m.lastRMS = rms
	m.mu.Unlock()
}

// Level reports the most recent frame's level normalized to 0..1.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	rms := m.lastRMS
	m.mu.Unlock()
	level := rms / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}

// Voiced reports whether at least two thirds of the recent frames crossed the
// voice threshold.
func (m *Meter) Voiced() bool {
	return m.votes.Ratio() >= 2.0/3.0
}

// PreRoll exports the last ms milliseconds of audio as PCM16LE bytes, used to
// avoid losing the first syllables when recognition starts mid-word.
func (m *Meter) PreRoll(ms int) []byte {
	if ms > m.cfg.PreRollMs {
		ms = m.cfg.PreRollMs
	}
	samples := m.preRoll.ReadLastMs(ms)
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// Reset clears the vote window, typically at utterance boundaries.
func (m *Meter) Reset() {
	m.votes.Reset()
}
