package recognizer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicedesk/internal/orchestrator"
)

// silenceThreshold is the base inactivity window before an utterance is
// considered complete. Conservative to avoid cutting the user mid-sentence.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added when the last word suggests the speaker is
// likely to continue ("and", "if", trailing particles in Japanese).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late transcript updates after the silence
// threshold is crossed, before the utterance is finalized.
const stabilizationGrace = 250 * time.Millisecond

const defaultRestartDelay = 2 * time.Second

const defaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// Config parameterizes the AssemblyAI streaming session.
type Config struct {
	APIKey string
	// RestartDelay is the fixed wait before reconnecting after a dropped
	// stream. RestartCap bounds consecutive reconnect attempts; zero means
	// unlimited.
	RestartDelay time.Duration
	RestartCap   int
	// OnError receives recoverable recognition errors; the adapter keeps
	// restarting on its own.
	OnError func(error)
}

// AssemblyAI is a continuous speech-to-text session over the AssemblyAI v3
// streaming WebSocket. Interims carries every transcript revision; Finals
// carries the committed delta at each detected utterance boundary. The
// adapter reconnects on stream loss and survives across Start/Stop cycles.
type AssemblyAI struct {
	cfg      Config
	logger   *zap.Logger
	endpoint string

	interims chan string
	finals   chan string
	audio    chan []byte

	mu       sync.RWMutex
	running  bool
	conn     *websocket.Conn
	connStop chan struct{}
	done     chan struct{}
	language string
	speaking bool
	restarts int

	accMu        sync.Mutex
	latest       string
	committed    string
	lastUpdate   time.Time
	lastVoice    time.Time
	silenceTimer *time.Timer
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func New(cfg Config, logger *zap.Logger) *AssemblyAI {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssemblyAI{
		cfg:      cfg,
		logger:   logger,
		endpoint: defaultEndpoint,
		interims: make(chan string, 100),
		finals:   make(chan string, 10),
		audio:    make(chan []byte, 1000),
	}
}

// Start opens the streaming session. A dial failure here is fatal for the
// session attempt: no retry is scheduled and the caller decides what to do.
func (s *AssemblyAI) Start(language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.cfg.APIKey == "" {
		return fmt.Errorf("assemblyai: api key missing")
	}
	s.language = language
	s.restarts = 0
	s.done = make(chan struct{})
	if err := s.connectLocked(); err != nil {
		s.done = nil
		return err
	}
	s.running = true
	return nil
}

// connectLocked dials the streaming endpoint and spawns the per-connection
// read and write loops. Caller holds s.mu.
func (s *AssemblyAI) connectLocked() error {
	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")

	wsURL := s.endpoint + "?" + params.Encode()
	headers := map[string][]string{"Authorization": {s.cfg.APIKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			s.logger.Warn("assemblyai dial failed", zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	s.conn = conn
	s.connStop = make(chan struct{})
	s.accMu.Lock()
	s.lastUpdate = time.Now()
	s.lastVoice = time.Now()
	s.accMu.Unlock()

	go s.readLoop(conn, s.connStop)
	go s.writeLoop(conn, s.connStop)
	s.logger.Info("assemblyai stream connected", zap.String("language", s.language))
	return nil
}

// Interims delivers transcript revisions as they stream in.
func (s *AssemblyAI) Interims() <-chan string { return s.interims }

// Finals delivers the committed text delta at each utterance boundary.
func (s *AssemblyAI) Finals() <-chan string { return s.finals }

// SetSpeaking marks the agent's own audio as playing. Incoming microphone
// audio is discarded for the duration so the agent does not transcribe
// itself, and reconnects are deferred.
func (s *AssemblyAI) SetSpeaking(on bool) {
	s.mu.Lock()
	s.speaking = on
	s.mu.Unlock()
}

// SendPCM16KLE feeds 16kHz 16-bit little-endian mono PCM into the stream.
func (s *AssemblyAI) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	running, speaking := s.running, s.speaking
	s.mu.RUnlock()
	if !running {
		return fmt.Errorf("assemblyai: not connected")
	}
	if speaking {
		return nil
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audio <- pcm:
	default:
		s.logger.Debug("audio buffer full, dropping packet")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was observed within the
// window. Used by the barge-in path to confirm the user is actually talking.
func (s *AssemblyAI) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Stop terminates the session. The interim and final channels stay open so
// the adapter can be started again.
func (s *AssemblyAI) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.speaking = false
	done := s.done
	s.done = nil
	conn := s.conn
	connStop := s.connStop
	s.conn = nil
	s.connStop = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if connStop != nil {
		close(connStop)
	}
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.latest = ""
	s.committed = ""
	s.accMu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	s.logger.Info("assemblyai stream closed")
	return nil
}

func (s *AssemblyAI) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoice = time.Now()
		s.accMu.Unlock()
	}
}

func (s *AssemblyAI) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				s.handleStreamLoss(err, stop)
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *AssemblyAI) writeLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pcm := <-s.audio:
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.logger.Warn("assemblyai audio write", zap.Error(err))
				return
			}
		}
	}
}

// handleStreamLoss reports the drop and schedules a reconnect, unless the
// restart cap is exhausted.
func (s *AssemblyAI) handleStreamLoss(err error, stop chan struct{}) {
	s.reportError(&orchestrator.RecognitionError{Err: err})

	s.mu.Lock()
	if !s.running || s.connStop != stop {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connStop = nil
	s.restarts++
	attempt := s.restarts
	capped := s.cfg.RestartCap > 0 && attempt > s.cfg.RestartCap
	s.mu.Unlock()

	if capped {
		s.logger.Error("assemblyai restart cap reached, giving up", zap.Int("attempts", attempt-1))
		s.reportError(&orchestrator.RecognitionError{Err: fmt.Errorf("restart cap reached after %d attempts", attempt-1)})
		return
	}
	s.logger.Warn("assemblyai stream lost, reconnecting",
		zap.Int("attempt", attempt), zap.Duration("delay", s.cfg.RestartDelay), zap.Error(err))
	time.AfterFunc(s.cfg.RestartDelay, s.reconnect)
}

func (s *AssemblyAI) reconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.speaking {
		// Agent audio is playing; try again once it should be done.
		s.mu.Unlock()
		time.AfterFunc(s.cfg.RestartDelay, s.reconnect)
		return
	}
	err := s.connectLocked()
	if err == nil {
		// The cap bounds consecutive failures, not lifetime drops.
		s.restarts = 0
	}
	s.mu.Unlock()
	if err != nil {
		s.handleStreamLoss(err, nil)
	}
}

func (s *AssemblyAI) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *AssemblyAI) processMessage(message []byte) {
	var base map[string]any
	if err := json.Unmarshal(message, &base); err != nil {
		s.logger.Warn("assemblyai message decode", zap.Error(err))
		return
	}
	msgType, _ := base["type"].(string)
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.logger.Info("assemblyai session began",
			zap.String("session_id", msg.ID),
			zap.Time("expires_at", time.Unix(msg.ExpiresAt, 0)))
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		select {
		case s.interims <- msg.Transcript:
		default:
		}
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.logger.Info("assemblyai session terminated",
			zap.Float64("audio_s", msg.AudioDurationSeconds),
			zap.Float64("session_s", msg.SessionDurationSeconds))
		s.flushPendingDelta()
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.reportError(&orchestrator.RecognitionError{Err: fmt.Errorf("assemblyai: %s", msg.Error)})
	default:
		s.logger.Debug("assemblyai unknown message type", zap.String("type", msgType))
	}
}

// finalizeDueToSilence fires after the silence threshold of inactivity. It
// commits and emits the delta since the last committed transcript.
func (s *AssemblyAI) finalizeDueToSilence() {
	s.mu.RLock()
	running, done := s.running, s.done
	language := s.language
	s.mu.RUnlock()
	if !running {
		return
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := silenceThreshold
	if isContinuationLikely(language, s.latest) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdate)
	sinceVoice := now.Sub(s.lastVoice)
	if sinceText < threshold || sinceVoice < threshold {
		// Not quiet long enough; rearm for the remaining window.
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		s.rearmLocked(wait)
		s.accMu.Unlock()
		return
	}
	lastUpdateAt := s.lastUpdate
	s.accMu.Unlock()

	// Grace period for late transcript revisions.
	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	threshold2 := silenceThreshold
	if isContinuationLikely(language, s.latest) {
		threshold2 += continuationExtension
	}
	if s.lastUpdate.After(lastUpdateAt) {
		wait := threshold2
		if rem := threshold2 - time.Since(s.lastUpdate); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		s.rearmLocked(wait)
		s.accMu.Unlock()
		return
	}
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// Deliver without dropping; every finalized word reaches the turn loop.
	select {
	case <-done:
	case s.finals <- delta:
	}
}

func (s *AssemblyAI) rearmLocked(wait time.Duration) {
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
	} else {
		s.silenceTimer.Stop()
		s.silenceTimer.Reset(wait)
	}
}

// commitDeltaLocked returns the uncommitted tail of the latest transcript and
// marks it committed. Caller holds accMu.
func (s *AssemblyAI) commitDeltaLocked() string {
	latest := s.latest
	base := s.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committed = latest
	return delta
}

// flushPendingDelta best-effort delivers any uncommitted text, bounded so
// shutdown never hangs on a full channel.
func (s *AssemblyAI) flushPendingDelta() {
	s.accMu.Lock()
	delta := s.commitDeltaLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.finals <- delta:
	case <-time.After(200 * time.Millisecond):
		s.logger.Warn("assemblyai flush: timed out delivering final delta")
	}
}

// isContinuationLikely reports whether the transcript's ending suggests the
// speaker will continue: trailing conjunctions and prepositions in English,
// trailing connective particles in Japanese.
func isContinuationLikely(language, text string) bool {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return false
	}
	if language == "ja" {
		for _, suffix := range jaContinuationSuffixes {
			if strings.HasSuffix(trim, suffix) {
				return true
			}
		}
		return false
	}
	w := lastWord(trim)
	if w == "" {
		return false
	}
	_, ok := enContinuationWords[w]
	return ok
}

func lastWord(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var enContinuationWords = map[string]struct{}{
	// Coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// Subordinating conjunctions / conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// Discourse markers / fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// Prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

var jaContinuationSuffixes = []string{
	"それで", "でも", "あと", "それから", "けど", "けれど", "して", "ので", "から", "と",
}
